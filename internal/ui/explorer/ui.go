package explorer

import "github.com/rivo/tview"

// queueUpdate runs fn on the UI goroutine, or directly when no application
// is running.
func queueUpdate(app *tview.Application, fn func()) {
	if app == nil {
		fn()
		return
	}

	if err := app.QueueUpdateDraw(fn); err != nil {
		fn()
	}
}

// newModal centres content in a width × height box over the current page.
func newModal(content tview.Primitive, width, height int) tview.Primitive {
	if width <= 0 {
		width = 100
	}
	if height <= 0 {
		height = 14
	}

	return tview.NewGrid().
		SetRows(0, height, 0).
		SetColumns(0, width, 0).
		AddItem(content, 1, 1, 1, 1, 0, 0, true)
}
