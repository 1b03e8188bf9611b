package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jgivc/docfetch/internal/entity"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, FormatBytes(tt.input))
	}
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(Options{Output: &buf, UpdateInterval: time.Second})

	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	r.Status("Trying fast download...")
	r.Progress(entity.Progress{TotalSize: 2048, Downloaded: 512, Percent: 25})

	// Throttled.
	now = now.Add(100 * time.Millisecond)
	r.Progress(entity.Progress{TotalSize: 2048, Downloaded: 1024, Percent: 50})

	// Final line always printed.
	r.Progress(entity.Progress{TotalSize: 2048, Downloaded: 2048, Percent: 100})
	r.Status("Verifying download...")

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "[docfetch] Trying fast download...\n"))
	require.Contains(t, out, "Progress: 25.0% | 512 B / 2.00 KB")
	require.NotContains(t, out, "50.0%")
	require.Contains(t, out, "Progress: 100.0% | 2.00 KB / 2.00 KB")
	require.True(t, strings.HasSuffix(out, "\n[docfetch] Verifying download...\n"))
}
