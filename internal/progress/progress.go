// Package progress renders a progress bar for the per-user preference fetch
// loop on interactive terminals.
package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Bar is safe for concurrent use. A nil *Bar discards all updates.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a bar counting to total on w. Nothing is drawn when w is nil.
func New(w io.Writer, total int, description string) *Bar {
	if w == nil {
		return nil
	}

	return &Bar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)}
}

func (b *Bar) Increment() {
	if b == nil {
		return
	}
	_ = b.bar.Add(1)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}
