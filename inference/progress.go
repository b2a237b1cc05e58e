package inference

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Progress is an optional terminal progress bar. The zero value and a
// disabled Progress are no-ops.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress creates a bar of max steps writing to stderr. max of -1 shows a
// spinner for open-ended work.
func NewProgress(enabled bool, max int, description, unit string) *Progress {
	return newProgressTo(os.Stderr, enabled, max, description, unit)
}

func newProgressTo(w io.Writer, enabled bool, max int, description, unit string) *Progress {
	if !enabled {
		return &Progress{}
	}
	return &Progress{bar: progressbar.NewOptions(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)}
}

// Add advances the bar. Safe for concurrent use.
func (p *Progress) Add(n int) {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Add(n)
}

// Describe replaces the description shown before the bar.
func (p *Progress) Describe(s string) {
	if p == nil || p.bar == nil {
		return
	}
	p.bar.Describe(s)
}

// Finish completes the bar.
func (p *Progress) Finish() {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
