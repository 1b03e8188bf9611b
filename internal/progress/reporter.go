// Package progress prints transfer progress and orchestration status lines
// for the command line.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jgivc/docfetch/internal/entity"
)

const (
	prefix                = "[docfetch]"
	defaultUpdateInterval = 500 * time.Millisecond
)

type Options struct {
	// Output is where to write progress output.
	// Default: os.Stdout
	Output io.Writer

	// UpdateInterval throttles progress lines. The final 100% line is
	// always printed.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter writes human readable progress. It satisfies both the fetcher
// progress sink and the orchestrator status sink.
type Reporter struct {
	opts Options

	mu         sync.Mutex
	lastUpdate time.Time
	lastBytes  int64
	inLine     bool
	now        func() time.Time
}

func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = defaultUpdateInterval
	}

	return &Reporter{
		opts: opts,
		now:  time.Now,
	}
}

func (r *Reporter) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.breakLine()
	fmt.Fprintf(r.opts.Output, "%s %s\n", prefix, msg)
}

func (r *Reporter) Progress(p entity.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	done := p.TotalSize > 0 && p.Downloaded >= p.TotalSize

	if !done && !r.lastUpdate.IsZero() && now.Sub(r.lastUpdate) < r.opts.UpdateInterval {
		return
	}

	var speed float64
	if !r.lastUpdate.IsZero() && p.Downloaded >= r.lastBytes {
		if elapsed := now.Sub(r.lastUpdate).Seconds(); elapsed > 0 {
			speed = float64(p.Downloaded-r.lastBytes) / elapsed
		}
	}

	r.lastUpdate = now
	r.lastBytes = p.Downloaded

	fmt.Fprintf(r.opts.Output, "\r%s Progress: %.1f%% | %s / %s | Speed: %s/s    ",
		prefix,
		p.Percent,
		FormatBytes(p.Downloaded),
		FormatBytes(p.TotalSize),
		FormatBytes(int64(speed)),
	)
	r.inLine = true

	if done {
		r.breakLine()
		r.lastUpdate = time.Time{}
		r.lastBytes = 0
	}
}

func (r *Reporter) breakLine() {
	if r.inLine {
		fmt.Fprintln(r.opts.Output)
		r.inLine = false
	}
}

// FormatBytes formats bytes as a human readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
