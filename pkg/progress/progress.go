package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Bar is a record counter drawn on stderr so command output on stdout stays
// machine readable. A nil *Bar is valid and draws nothing.
type Bar struct {
	*progressbar.ProgressBar
}

func NewBar(max int64, description string) *Bar {
	return newBar(os.Stderr, max, description)
}

func newBar(w io.Writer, max int64, description string) *Bar {
	bar := progressbar.NewOptions64(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)

	return &Bar{ProgressBar: bar}
}

// Optional returns a bar when enabled is true and nil otherwise.
func Optional(enabled bool, max int64, description string) *Bar {
	if !enabled {
		return nil
	}
	return NewBar(max, description)
}

func (b *Bar) Increment() {
	b.IncrementBy(1)
}

func (b *Bar) IncrementBy(amount int64) {
	if b == nil || b.ProgressBar == nil {
		return
	}
	b.Add64(amount)
}

func (b *Bar) Finish() {
	if b == nil || b.ProgressBar == nil {
		return
	}
	b.ProgressBar.Finish()
}
