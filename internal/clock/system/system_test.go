package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

var _ ingest.Clock = (*Clock)(nil)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	var clk ingest.Clock = New()
	got := clk.Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, time.Now(), got, time.Second)
}

func TestClockNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	require.False(t, second.Before(first), "second call %v before first %v", second, first)
}

// Source and item stamps are persisted as Unix milliseconds by the SQLite store.
func TestClockSurvivesMillisecondStorage(t *testing.T) {
	t.Parallel()

	now := New().Now()
	restored := time.UnixMilli(now.UnixMilli()).UTC()

	require.Equal(t, time.UTC, restored.Location())
	require.WithinDuration(t, now, restored, time.Millisecond)
	require.Equal(t, now.Format(time.DateOnly), restored.Format(time.DateOnly))
}
