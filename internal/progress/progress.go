// Package progress renders progress bars for long running CLI commands.
package progress

import (
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Bar is a progress bar whose maximum can grow while work is being
// discovered. A nil *Bar is valid and does nothing.
type Bar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
	max int64
}

func New(enabled bool, description string) *Bar {
	return NewWithWriter(enabled, description, os.Stderr)
}

func NewWithWriter(enabled bool, description string, w io.Writer) *Bar {
	if !enabled {
		return nil
	}

	return &Bar{
		bar: progressbar.NewOptions64(0,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetPredictTime(false),
		),
	}
}

func (b *Bar) AddMax(n int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max += int64(n)
	b.bar.ChangeMax64(b.max)
}

func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.bar.Add(n)
}

func (b *Bar) Describe(description string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(description)
}

func (b *Bar) Finish() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.bar.Finish()
}
