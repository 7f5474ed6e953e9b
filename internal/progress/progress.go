package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is what the bar shows: totals found so far and the number of
// directories still waiting to be read.
type Snapshot struct {
	Files   int64
	Dirs    int64
	Bytes   int64
	Pending int64
}

type Bar struct {
	total      int64
	width      int
	writer     io.Writer
	mu         sync.Mutex
	enabled    bool
	lastUpdate time.Time
	interval   time.Duration
}

// New returns a bar writing to w. total is the expected number of
// allocated bytes, or 0 when unknown. A nil writer disables the bar.
func New(w io.Writer, total int64) *Bar {
	return &Bar{
		total:    total,
		width:    30,
		writer:   w,
		enabled:  w != nil,
		interval: 100 * time.Millisecond,
	}
}

// IsTerminal reports whether f is a character device.
func IsTerminal(f *os.File) bool {
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Update redraws the line, at most once per interval.
func (b *Bar) Update(s Snapshot) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastUpdate) < b.interval {
		return
	}
	b.lastUpdate = now
	b.render(s)
}

// render must be called with mu already locked
func (b *Bar) render(s Snapshot) {
	fmt.Fprintf(b.writer, "\r\033[K%s", Line(s, b.total, b.width))
}

func (b *Bar) Finish(s Snapshot) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.render(s)
	fmt.Fprintf(b.writer, "\n")
}

// Line formats one progress line. With a known total a bar of width
// cells is drawn in front.
func Line(s Snapshot, total int64, width int) string {
	counts := fmt.Sprintf("%s files, %s folders", humanize.Comma(s.Files), humanize.Comma(s.Dirs))
	if s.Pending > 0 {
		counts += fmt.Sprintf(", %s pending", humanize.Comma(s.Pending))
	}
	if total <= 0 {
		return fmt.Sprintf("%s | %s", humanize.Bytes(uint64(max(s.Bytes, 0))), counts)
	}

	done := min(max(s.Bytes, 0), total)
	filled := int(float64(width) * float64(done) / float64(total))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] %3d%% %s of %s | %s",
		bar, done*100/total, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)), counts)
}
