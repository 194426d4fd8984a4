package explorer

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store/memory"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

const notes = `
entities:
  - name: Note
    primary_key: [id]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: title, kind: string}
      - {name: body, kind: string, nullable: true}
`

func TestFormatCell(t *testing.T) {
	now := time.Now()
	if formatCell(nil) != "NULL" {
		t.Fatalf("expected NULL for nil value")
	}
	if formatCell([]byte("data")) != "data" {
		t.Fatalf("expected byte slices to convert to string")
	}
	if formatCell(now) != now.Format(time.RFC3339) {
		t.Fatalf("expected RFC3339 formatting for time values")
	}
	if got := formatCell(schema.Record{"id": int64(1)}); got != `{"id":1}` {
		t.Fatalf("expected nested records as JSON, got %s", got)
	}
	if formatCell(json.Number("12")) != "12" {
		t.Fatalf("expected stringers to use String")
	}
}

func TestSplitCommand(t *testing.T) {
	op, payload := splitCommand(`findMany {"take": 1}`)
	if op != "findMany" || payload != `{"take": 1}` {
		t.Fatalf("unexpected split: %q %q", op, payload)
	}

	op, payload = splitCommand("  count ")
	if op != "count" || payload != "" {
		t.Fatalf("expected count without payload, got %q %q", op, payload)
	}
}

func TestParseCommand(t *testing.T) {
	req, err := parseCommand("Note", `findMany {"where": {"id": 7}}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if req.Model != "Note" || req.Operation != "findMany" {
		t.Fatalf("unexpected request %+v", req)
	}
	where, _ := req.Args["where"].(map[string]any)
	if where["id"] != json.Number("7") {
		t.Fatalf("expected numbers to stay json.Number, got %T", where["id"])
	}

	req, err = parseCommand("Note", `{"operation": "count"}`)
	if err != nil || req.Model != "Note" {
		t.Fatalf("expected the selected entity as default model, got %+v (%v)", req, err)
	}

	req, err = parseCommand("Note", `{"operation": "$transaction", "args": {"operations": []}}`)
	if err != nil || req.Model != "" {
		t.Fatalf("transactions carry no model, got %+v (%v)", req, err)
	}

	if _, err := parseCommand("Note", `findMany [1]`); err == nil {
		t.Fatalf("expected non-object arguments to fail")
	}
	if _, err := parseCommand("Note", "   "); err == nil {
		t.Fatalf("expected an empty command to fail")
	}
}

func TestRecordRows(t *testing.T) {
	registry, err := schema.Load([]byte(notes))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	def, _ := registry.Entity("Note")

	columns, rows := recordRows(def, []schema.Record{
		{"id": int64(1), "title": "a", "body": nil},
		{"id": int64(2), "title": "b", "body": "x", "_count": map[string]any{"tags": 2}},
	})
	if !reflect.DeepEqual(columns, []string{"id", "title", "body", "_count"}) {
		t.Fatalf("unexpected columns %v", columns)
	}
	want := [][]string{
		{"1", "a", "NULL", ""},
		{"2", "b", "x", `{"tags":2}`},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestFetchSnapshot(t *testing.T) {
	ctx := context.Background()
	registry, err := schema.Load([]byte(notes))
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	st := memory.New()
	if err := st.EnsureSchema(ctx, registry); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	client := engine.NewClient(registry, st, engine.WithLogger(logger.NewLogger(false)))
	d, _ := client.Model("Note")
	for _, title := range []string{"one", "two", "three"} {
		if _, err := d.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": title}}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	def, _ := registry.Entity("Note")
	rows, columns, count, err := fetchSnapshot(ctx, client, def, 2)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if count != 3 || len(rows) != 2 {
		t.Fatalf("expected 2 preview rows of 3 records, got %d of %d", len(rows), count)
	}
	if !reflect.DeepEqual(columns, []string{"id", "title", "body"}) {
		t.Fatalf("unexpected columns %v", columns)
	}

	_, _, summary := renderResult(def, engine.BatchPayload{Count: 4})
	if summary != "Records affected: 4" {
		t.Fatalf("unexpected summary %q", summary)
	}
	columns, rows, _ = renderResult(def, engine.AggregateResult{Count: map[string]int64{"_all": 3}})
	if !reflect.DeepEqual(columns, []string{"_count._all"}) || rows[0][0] != "3" {
		t.Fatalf("unexpected aggregate table %v %v", columns, rows)
	}
}

func TestStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	release := stopOnCancel(ctx, func() { close(stopped) })
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("expected cancellation to stop the application")
	}
	release()

	calls := 0
	release = stopOnCancel(context.Background(), func() { calls++ })
	release()
	release()
	if calls != 0 {
		t.Fatalf("expected release to end the watcher without stopping, got %d calls", calls)
	}
}
