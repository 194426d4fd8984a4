package explorer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/protocol"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/rivo/tview"
)

func (ex *explorer) showCommandModal(pages *tview.Pages, list *tview.List, def *schema.EntityDefinition) {
	const modalName = "command"

	input := tview.NewInputField().
		SetLabel(def.Name + "> ").
		SetFieldWidth(90)

	info := tview.NewTextView().
		SetDynamicColors(true).
		SetText("<operation> <json args>, e.g. [::b]findMany {\"where\": {\"id\": {\"gt\": 10}}, \"take\": 5}[-:-:-]\n" +
			"A full request object {\"model\": …, \"operation\": …, \"args\": …} is accepted too.\n" +
			"Operations: " + strings.Join(protocol.Operations, ", "))

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Run", func() {
			text := strings.TrimSpace(input.GetText())
			pages.RemovePage(modalName)
			ex.app.SetFocus(list)
			if text == "" {
				return
			}
			go ex.executeCommand(def, text)
		}).
		AddButton("Cancel", func() {
			pages.RemovePage(modalName)
			ex.app.SetFocus(list)
		})

	form.SetBorder(true).SetTitle("Run command")

	wrapper := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(info, 4, 1, false).
		AddItem(form, 0, 2, true)

	pages.AddPage(modalName, newModal(wrapper, 110, 14), true, true)
	ex.app.SetFocus(input)
}

func (ex *explorer) executeCommand(def *schema.EntityDefinition, text string) {
	req, err := parseCommand(def.Name, text)
	if err != nil {
		queueUpdate(ex.app, func() {
			ex.meta.SetText(fmt.Sprintf("[red]Invalid command: %v", err))
		})
		return
	}

	started := time.Now()
	resp := protocol.Respond(ex.ctx, ex.client, req)
	elapsed := time.Since(started).Round(time.Microsecond)
	if resp.Error != nil {
		queueUpdate(ex.app, func() {
			ex.meta.SetText(fmt.Sprintf("[red]%s %s[-:-:-]\n%s", resp.Error.Code, resp.Error.Kind, resp.Error.Message))
		})
		return
	}

	target := def
	if req.Model != "" && req.Model != def.Name {
		target, _ = ex.client.Registry().Entity(req.Model)
	}
	columns, rows, summary := renderResult(target, resp.Data)
	queueUpdate(ex.app, func() {
		if columns != nil {
			fillTable(ex.view, columns, rows)
		}
		ex.meta.SetText(fmt.Sprintf("[green]%s[-:-:-] in %s\n%s", req.Operation, elapsed, summary))
	})
}

// parseCommand reads either "<operation> <json args>" aimed at entity or a
// complete protocol request.
func parseCommand(entity, input string) (protocol.Request, error) {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		req, err := protocol.Decode(strings.NewReader(trimmed))
		if err != nil {
			return req, err
		}
		if req.Model == "" && req.Operation != protocol.OpTransaction {
			req.Model = entity
		}
		return req, nil
	}

	op, payload := splitCommand(trimmed)
	if op == "" {
		return protocol.Request{}, fmt.Errorf("operation is required")
	}
	req := protocol.Request{Model: entity, Operation: op}
	if payload == "" {
		return req, nil
	}
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&req.Args); err != nil {
		return req, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return req, nil
}

func splitCommand(input string) (string, string) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// renderResult turns a protocol result into table columns and rows plus a
// one-line summary. Results that are not record shaped only get a summary.
func renderResult(def *schema.EntityDefinition, data any) ([]string, [][]string, string) {
	switch v := data.(type) {
	case nil:
		return nil, nil, "No record found."
	case schema.Record:
		columns, rows := recordRows(def, []schema.Record{v})
		return columns, rows, "1 record"
	case []schema.Record:
		columns, rows := recordRows(def, v)
		return columns, rows, fmt.Sprintf("%d records", len(v))
	case []map[string]any:
		records := make([]schema.Record, len(v))
		for i, m := range v {
			records[i] = m
		}
		columns, rows := recordRows(def, records)
		return columns, rows, fmt.Sprintf("%d groups", len(v))
	case engine.AggregateResult:
		columns, rows := recordRows(nil, []schema.Record{v.Flatten()})
		return columns, rows, "aggregate"
	case engine.BatchPayload:
		return nil, nil, fmt.Sprintf("Records affected: %d", v.Count)
	case int:
		return nil, nil, fmt.Sprintf("Count: %d", v)
	}
	return nil, nil, formatCell(data)
}

// recordRows lays records out as a table. Declared fields come first in
// schema order, then any other keys such as included relations or
// aggregates, sorted by name.
func recordRows(def *schema.EntityDefinition, records []schema.Record) ([]string, [][]string) {
	var columns []string
	known := make(map[string]bool)
	if def != nil {
		for _, name := range def.FieldNames() {
			known[name] = true
		}
	}
	present := make(map[string]bool)
	var extra []string
	for _, r := range records {
		for k := range r {
			if present[k] {
				continue
			}
			present[k] = true
			if !known[k] {
				extra = append(extra, k)
			}
		}
	}
	if def != nil {
		for _, name := range def.FieldNames() {
			if present[name] {
				columns = append(columns, name)
			}
		}
	}
	sort.Strings(extra)
	columns = append(columns, extra...)

	rows := make([][]string, len(records))
	for i, r := range records {
		row := make([]string, len(columns))
		for c, col := range columns {
			if value, ok := r[col]; ok {
				row[c] = formatCell(value)
			}
		}
		rows[i] = row
	}
	return columns, rows
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case schema.Record, []schema.Record, map[string]any, []any:
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(payload)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
