// Package explorer is a terminal browser over the query engine: it lists the
// schema's entities, previews their records and runs protocol commands
// against them.
package explorer

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const previewLimit = 200

// Run opens the explorer and blocks until the user quits. label names the
// connected store in the details pane.
func Run(ctx context.Context, client *engine.Client, label string) error {
	entities := client.Registry().Entities()
	if len(entities) == 0 {
		return fmt.Errorf("schema declares no entities")
	}

	app := tview.NewApplication()
	list := tview.NewList().ShowSecondaryText(true)
	dataTable := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	meta := tview.NewTextView().SetDynamicColors(true)
	pages := tview.NewPages()

	ex := &explorer{
		ctx:    ctx,
		client: client,
		app:    app,
		view:   dataTable,
		meta:   meta,
	}

	for _, def := range entities {
		def := def
		list.AddItem(def.Name, fmt.Sprintf("%d fields • %d relations", len(def.Fields), len(def.Relations)), 0, func() {
			go ex.renderEntity(def)
		})
	}
	current := func() *schema.EntityDefinition {
		index := list.GetCurrentItem()
		if index < 0 || index >= len(entities) {
			return nil
		}
		return entities[index]
	}
	list.SetChangedFunc(func(index int, main, secondary string, shortcut rune) {
		if def := current(); def != nil {
			go ex.renderEntity(def)
		}
	})

	var loadOnce sync.Once
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		loadOnce.Do(func() {
			go ex.renderEntity(entities[0])
		})
		return false
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(list.SetBorder(true).SetTitle("Entities • "+label), 34, 1, true).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(dataTable.SetBorder(true).SetTitle("Preview"), 0, 3, false).
			AddItem(meta.SetBorder(true).SetTitle("Details"), 8, 1, false),
			0, 3, false)

	pages.AddPage("main", layout, true, true)

	app.SetRoot(pages, true).
		SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			if name, _ := pages.GetFrontPage(); name != "main" {
				return event
			}
			if event.Key() == tcell.KeyRune {
				switch event.Rune() {
				case 'q', 'Q':
					app.Stop()
					return nil
				case 'r', 'R':
					if def := current(); def != nil {
						go ex.renderEntity(def)
					}
					return nil
				case ':':
					if def := current(); def != nil {
						ex.showCommandModal(pages, list, def)
					}
					return nil
				}
			}
			return event
		})

	release := stopOnCancel(ctx, app.Stop)
	defer release()

	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// stopOnCancel calls stop once ctx ends. The returned release ends the
// watcher early and waits for it, so nothing outlives the caller.
func stopOnCancel(ctx context.Context, stop func()) (release func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

type explorer struct {
	ctx    context.Context
	client *engine.Client
	app    *tview.Application
	view   *tview.Table
	meta   *tview.TextView
}

func (ex *explorer) renderEntity(def *schema.EntityDefinition) {
	queueUpdate(ex.app, func() {
		ex.meta.SetText(fmt.Sprintf("Loading %s …", def.Name))
		ex.view.Clear()
	})

	rows, columns, count, err := fetchSnapshot(ex.ctx, ex.client, def, previewLimit)
	if err != nil {
		queueUpdate(ex.app, func() {
			ex.view.Clear()
			ex.meta.SetText(fmt.Sprintf("[red]%v", err))
		})
		return
	}

	queueUpdate(ex.app, func() {
		fillTable(ex.view, columns, rows)
		ex.meta.SetText(fmt.Sprintf("[::b]%s[-:-:-] (table %s)\nRecords: %d\nPreview size: %d\nPrimary key: %v\n':' to run a command • 'r' to refresh • 'q' to exit",
			def.Name,
			def.TableName(),
			count,
			len(rows),
			def.PrimaryKey,
		))
	})
}

func fetchSnapshot(ctx context.Context, client *engine.Client, def *schema.EntityDefinition, limit int) ([][]string, []string, int, error) {
	d, err := client.Model(def.Name)
	if err != nil {
		return nil, nil, 0, err
	}
	records, err := d.FindMany(ctx, engine.FindManyArgs{Take: engine.Int(limit)})
	if err != nil {
		return nil, nil, 0, err
	}
	count, err := d.Count(ctx, engine.FindManyArgs{})
	if err != nil {
		return nil, nil, 0, err
	}
	columns, rows := recordRows(def, records)
	return rows, columns, count, nil
}

func fillTable(view *tview.Table, columns []string, rows [][]string) {
	view.Clear()
	for i, col := range columns {
		cell := tview.NewTableCell(col).SetSelectable(false).SetAlign(tview.AlignCenter).SetAttributes(tcell.AttrBold)
		view.SetCell(0, i, cell)
	}
	for r, row := range rows {
		for c, val := range row {
			view.SetCell(r+1, c, tview.NewTableCell(val).SetExpansion(1))
		}
	}
}
