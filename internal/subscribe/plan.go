package subscribe

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tinytelemetry/kpmsink/internal/model"
)

// DefaultMatchingCondition is always satisfied by connected UEs, which makes
// styles 3 and 4 report every UE.
var DefaultMatchingCondition = model.MatchingCondition{
	TestType:  "ul-rSRP",
	TestExpr:  "lessthan",
	TestValue: 1000,
}

// PlanConfig holds the operator's choices for one subscription.
type PlanConfig struct {
	NodeID            string
	RANFunctionID     int
	Style             int
	UEIDs             []int
	MetricNames       []string
	ReportPeriod      int
	GranularityPeriod int
}

// Plan builds the subscription request for cfg.Style, applying the per-style
// constraints of the report service. Adjustments made to the operator's
// input are returned as notes. An unknown style fails with
// model.ErrUnsupportedReportStyle.
func Plan(cfg PlanConfig) (model.SubscriptionRequest, []string, error) {
	style, err := model.ParseReportStyle(cfg.Style)
	if err != nil {
		return model.SubscriptionRequest{}, nil, err
	}
	if len(cfg.MetricNames) == 0 {
		return model.SubscriptionRequest{}, nil, errors.New("subscribe: no metrics requested")
	}
	if cfg.ReportPeriod <= 0 {
		cfg.ReportPeriod = model.DefaultReportPeriod
	}
	if cfg.GranularityPeriod <= 0 {
		cfg.GranularityPeriod = model.DefaultGranularityPeriod
	}

	req := model.SubscriptionRequest{
		NodeID:            cfg.NodeID,
		RANFunctionID:     cfg.RANFunctionID,
		Style:             style,
		ReportPeriod:      cfg.ReportPeriod,
		GranularityPeriod: cfg.GranularityPeriod,
		MetricNames:       append([]string(nil), cfg.MetricNames...),
	}
	var notes []string

	switch style {
	case model.StyleCell:
	case model.StyleSingleUE:
		if len(cfg.UEIDs) == 0 {
			return model.SubscriptionRequest{}, nil, errors.New("subscribe: style 2 requires a UE id")
		}
		req.EntityIDs = []string{strconv.Itoa(cfg.UEIDs[0])}
	case model.StyleConditionalUEs:
		if len(req.MetricNames) > 1 {
			req.MetricNames = req.MetricNames[:1]
			notes = append(notes, fmt.Sprintf("style 3 supports a single metric, selected %s", req.MetricNames[0]))
		}
		req.MatchingConds = []model.MatchingCondition{DefaultMatchingCondition}
	case model.StyleMatchingUEs:
		req.MatchingConds = []model.MatchingCondition{DefaultMatchingCondition}
	case model.StyleMultipleUEs:
		ids := append([]int(nil), cfg.UEIDs...)
		if len(ids) == 0 {
			return model.SubscriptionRequest{}, nil, errors.New("subscribe: style 5 requires a UE id")
		}
		if len(ids) < 2 {
			dummy := ids[0] + 1
			ids = append(ids, dummy)
			notes = append(notes, fmt.Sprintf("style 5 requires at least two UE ids, added dummy UE id %d", dummy))
		}
		for _, id := range ids {
			req.EntityIDs = append(req.EntityIDs, strconv.Itoa(id))
		}
	}
	return req, notes, nil
}

// ContextFor derives the per-subscription context carried with every
// indication of req.
func ContextFor(id string, req model.SubscriptionRequest) model.SubscriptionContext {
	sc := model.SubscriptionContext{
		ID:     id,
		NodeID: req.NodeID,
		Style:  req.Style,
	}
	if req.Style == model.StyleSingleUE && len(req.EntityIDs) > 0 {
		sc.BoundEntityID = req.EntityIDs[0]
	}
	return sc
}
