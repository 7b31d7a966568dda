package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAreConcurrentSafe(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordServed(10)
			m.RecordFetched(20)
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(50), s.ChunksServed)
	assert.Equal(t, int64(500), s.BytesServed)
	assert.Equal(t, int64(1000), s.BytesFetched)
}

func TestSessionOutcomes(t *testing.T) {
	m := New()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinished("abc", 2048, time.Second, nil)
	m.SessionFinished("def", 0, 0, errors.New("boom"))

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.SessionsStarted)
	assert.Equal(t, int64(1), s.SessionsCompleted)
	assert.Equal(t, int64(1), s.SessionsFailed)
}

func TestLogPeriodicStopsWithContext(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.LogPeriodic(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LogPeriodic did not return after cancel")
	}
}
