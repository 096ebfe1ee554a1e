package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinytelemetry/kpmsink/internal/model"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Header keys carrying the collection start time. The agent spells it
// "colletStartTime"; the corrected spelling is accepted too.
var collectStartTimeKeys = []string{"colletStartTime", "collectStartTime"}

type wireIndication struct {
	Source       string         `json:"source"`
	Subscription string         `json:"subscription"`
	Header       map[string]any `json:"header"`
	Payload      *wirePayload   `json:"payload"`
}

// wireMeasData keeps metric values undecoded so numbers can be read as
// json.Number instead of float64.
type wireMeasData = orderedmap.OrderedMap[string, json.RawMessage]

type wirePayload struct {
	MeasData     *wireMeasData                                  `json:"measData"`
	UEMeasData   *orderedmap.OrderedMap[string, wireUEMeasData] `json:"ueMeasData"`
	GranulPeriod *float64                                       `json:"granulPeriod"`
}

type wireUEMeasData struct {
	MeasData     *wireMeasData `json:"measData"`
	GranulPeriod *float64      `json:"granulPeriod"`
}

// ParseIndication decodes one feed line holding an extracted indication:
//
//	{"source": "gnb", "subscription": "id",
//	 "header": {"colletStartTime": "..."},
//	 "payload": {"measData": {...}} | {"ueMeasData": {"<ue>": {"measData": {...}}}}}
//
// Metric and entity order is preserved as reported, and numeric metric
// values are kept as json.Number so integer counters keep full precision.
func ParseIndication(line string) (model.Indication, error) {
	var w wireIndication
	if err := decodeJSON([]byte(line), &w); err != nil {
		return model.Indication{}, fmt.Errorf("%w: decode: %w", model.ErrMalformedIndication, err)
	}
	if w.Payload == nil {
		return model.Indication{}, fmt.Errorf("%w: missing payload", model.ErrMalformedIndication)
	}

	ts, ok := collectStartTime(w.Header)
	if !ok {
		return model.Indication{}, fmt.Errorf("%w: header has no collection start time", model.ErrMalformedIndication)
	}

	measData, err := convertMeasData(w.Payload.MeasData)
	if err != nil {
		return model.Indication{}, err
	}
	var ueMeasData *model.UEMeasMap
	if w.Payload.UEMeasData != nil {
		ueMeasData = model.NewUEMeasMap()
		for pair := w.Payload.UEMeasData.Oldest(); pair != nil; pair = pair.Next() {
			md, err := convertMeasData(pair.Value.MeasData)
			if err != nil {
				return model.Indication{}, fmt.Errorf("entity %s: %w", pair.Key, err)
			}
			ueMeasData.Set(pair.Key, model.UEMeasData{MeasData: md, GranulPeriod: pair.Value.GranulPeriod})
		}
	}

	return model.Indication{
		SourceID:       strings.TrimSpace(w.Source),
		SubscriptionID: strings.TrimSpace(w.Subscription),
		Header:         model.IndicationHeader{CollectStartTime: ts},
		Payload: model.MeasPayload{
			MeasData:     measData,
			UEMeasData:   ueMeasData,
			GranulPeriod: w.Payload.GranulPeriod,
		},
	}, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after value")
	}
	return nil
}

func convertMeasData(raw *wireMeasData) (*model.MeasData, error) {
	if raw == nil {
		return nil, nil
	}
	out := model.NewMeasData()
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		var v any
		if err := decodeJSON(pair.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: metric %q: %w", model.ErrMalformedIndication, pair.Key, err)
		}
		out.Set(pair.Key, v)
	}
	return out, nil
}

func collectStartTime(header map[string]any) (string, bool) {
	for _, key := range collectStartTimeKeys {
		v, ok := header[key]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			if x == "" {
				continue
			}
			return x, true
		case json.Number:
			return x.String(), true
		default:
			return fmt.Sprint(x), true
		}
	}
	return "", false
}
