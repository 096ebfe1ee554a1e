package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tinytelemetry/kpmsink/internal/csvsink"
	"github.com/tinytelemetry/kpmsink/internal/dispatch"
	"github.com/tinytelemetry/kpmsink/internal/duckdb"
	"github.com/tinytelemetry/kpmsink/internal/feed"
	"github.com/tinytelemetry/kpmsink/internal/ingest"
	"github.com/tinytelemetry/kpmsink/internal/record"
	"github.com/tinytelemetry/kpmsink/internal/schema"
	"github.com/tinytelemetry/kpmsink/internal/subscribe"
)

// TestPipeline_TCPFeedToSinkAndMirror drives a style-5 subscription from the
// TCP feed through to the CSV sink and the DuckDB mirror.
func TestPipeline_TCPFeedToSinkAndMirror(t *testing.T) {
	dir := t.TempDir()

	sink, err := csvsink.Open(filepath.Join(dir, "measurement_data.csv"))
	if err != nil {
		t.Fatalf("csvsink.Open: %v", err)
	}
	registry := schema.NewRegistry(sink, nil)
	if err := registry.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	store, err := duckdb.NewStore(filepath.Join(dir, "mirror.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	insert := duckdb.NewInsertBuffer(store, duckdb.InsertBufferConfig{FlushInterval: 10 * time.Millisecond})

	writer := record.NewWriter(registry, sink, record.WithMirror(insert))
	dispatcher := dispatch.New(writer, nil)

	req, notes, err := subscribe.Plan(subscribe.PlanConfig{
		NodeID:      "gnb",
		Style:       5,
		UEIDs:       []int{1},
		MetricNames: []string{"A", "B"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(notes) != 1 || !reflect.DeepEqual(req.EntityIDs, []string{"1", "2"}) {
		t.Fatalf("plan = %v / %v", req.EntityIDs, notes)
	}

	subscriber := subscribe.NewFeedSubscriber(nil)
	defer subscriber.Close()
	if _, err := subscriber.Subscribe(context.Background(), req, dispatcher); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	processor := ingest.NewProcessor(subscriber)

	server := feed.NewServer("127.0.0.1:0")
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mux := NewSourceMultiplexer(context.Background(), []feed.Source{server}, 16)
	mux.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range mux.Lines() {
			processor.ProcessEnvelope(env)
		}
	}()

	conn, err := net.Dial("tcp", server.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fmt.Fprintln(conn, `{"header":{"colletStartTime":"T1"},"payload":{"ueMeasData":{"1":{"measData":{"A":3}},"2":{"measData":{"B":[4]}}}}}`)
	fmt.Fprintln(conn, `not json`)
	fmt.Fprintln(conn, `{"header":{"colletStartTime":"T2"},"payload":{"ueMeasData":{"1":{"measData":{"C":5,"A":6}}}}}`)
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for writer.Written() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	mux.Stop()
	<-done
	insert.Stop()

	rows, err := sink.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := [][]string{
		{"Timestamp", "EntityID", "A", "B", "C"},
		{"T1", "1", "3"},
		{"T1", "2", "", "4"},
		{"T2", "1", "6", "", "5"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("csv rows = %v, want %v", rows, want)
	}
	if processor.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", processor.Rejected())
	}

	n, err := store.TotalRowCount()
	if err != nil {
		t.Fatalf("TotalRowCount: %v", err)
	}
	if n != 3 {
		t.Errorf("mirror rows = %d, want 3", n)
	}
	res, err := store.ExecuteQuery(`SELECT "C" FROM measurements WHERE "Timestamp" = 'T2'`)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if len(res) != 1 || res[0]["C"] != 5.0 {
		t.Errorf("mirror T2 = %v", res)
	}
}
