package alert

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReportSuppressesWithinWindow(t *testing.T) {
	m := New(Config{Level: "info", JSONOutput: true, Window: time.Hour})
	m.Report(Warn, "journal_flush_failed", errors.New("disk full"), nil)

	m.mu.Lock()
	suppressedBefore := m.suppressed["journal_flush_failed"]
	m.mu.Unlock()
	require.Equal(t, uint64(0), suppressedBefore)

	m.Report(Warn, "journal_flush_failed", errors.New("disk full"), nil)
	m.mu.Lock()
	suppressedAfter := m.suppressed["journal_flush_failed"]
	m.mu.Unlock()
	require.Equal(t, uint64(1), suppressedAfter)
}

func TestReportLogsAgainAfterWindowElapses(t *testing.T) {
	m := New(Config{Level: "info", JSONOutput: true, Window: time.Millisecond})
	m.Report(Error, "checksum_mismatch", nil, nil)
	time.Sleep(5 * time.Millisecond)
	m.Report(Error, "checksum_mismatch", nil, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, uint64(0), m.suppressed["checksum_mismatch"])
}

func TestWithComponentScopesIndependentRateLimitState(t *testing.T) {
	m := New(DefaultConfig())
	child := m.WithComponent("cleanup")
	child.Report(Normal, "queue_refused", nil, nil)

	m.mu.Lock()
	_, seenOnParent := m.lastSeen["queue_refused"]
	m.mu.Unlock()
	require.False(t, seenOnParent)
}
