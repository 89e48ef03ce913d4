package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFirstDeliveryPassesDuplicateDropped(t *testing.T) {
	d := New(time.Minute)
	sig := Signature("alice", "c1", "hi", "t1", time.Unix(1700000000, 0))

	require.True(t, d.ShouldProcess(sig), "first delivery should process")
	require.False(t, d.ShouldProcess(sig), "duplicate inside window should drop")
	require.False(t, d.ShouldProcess(sig), "every repeat inside window should drop")
}

func TestRedeliveryOutsideWindowAccepted(t *testing.T) {
	d := New(time.Minute)
	now := time.Unix(1700000000, 0)
	d.nowFn = func() time.Time { return now }

	sig := Signature("alice", "c1", "hi", "t1", now)
	require.True(t, d.ShouldProcess(sig))

	now = now.Add(2 * time.Second)
	require.False(t, d.ShouldProcess(sig), "redelivery 2s later is a duplicate")

	// Documented limitation: far-apart retries pass the filter again.
	now = now.Add(10 * time.Minute)
	require.True(t, d.ShouldProcess(sig), "redelivery outside window is accepted")
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	d := New(time.Minute)
	now := time.Unix(1700000000, 0)
	d.nowFn = func() time.Time { return now }

	for _, tempID := range []string{"t1", "t2", "t3"} {
		require.True(t, d.ShouldProcess(Signature("alice", "c1", "hi", tempID, now)))
	}
	require.Equal(t, 3, d.Len())

	now = now.Add(2 * time.Minute)
	d.ShouldProcess(Signature("bob", "c2", "yo", "t9", now))
	require.Equal(t, 1, d.Len(), "expired entries should be swept")
}

func TestSignatureSensitivity(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	base := Signature("alice", "c1", "hi", "t1", ts)

	require.Equal(t, base, Signature("alice", "c1", "hi", "t1", ts))
	require.NotEqual(t, base, Signature("bob", "c1", "hi", "t1", ts))
	require.NotEqual(t, base, Signature("alice", "c2", "hi", "t1", ts))
	require.NotEqual(t, base, Signature("alice", "c1", "yo", "t1", ts))
	require.NotEqual(t, base, Signature("alice", "c1", "hi", "t2", ts))
	require.NotEqual(t, base, Signature("alice", "c1", "hi", "t1", ts.Add(time.Millisecond)))
}

func TestConcurrentShouldProcessAdmitsExactlyOne(t *testing.T) {
	d := New(time.Minute)
	sig := Signature("alice", "c1", "hi", "t1", time.Now())

	const workers = 16
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		go func() { results <- d.ShouldProcess(sig) }()
	}

	admitted := 0
	for i := 0; i < workers; i++ {
		if <-results {
			admitted++
		}
	}
	require.Equal(t, 1, admitted, "exactly one concurrent delivery should pass")
}
