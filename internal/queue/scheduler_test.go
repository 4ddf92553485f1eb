package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce_SkipsWhileCycleInFlight(t *testing.T) {
	repo := newFakeRepository()
	entered := make(chan struct{})
	release := make(chan struct{})
	repo.onFetchPending = func() {
		close(entered)
		<-release
	}

	p := newTestProcessor(t, repo, &fakeTransport{}, time.Now())
	s := NewScheduler(p, time.Minute)

	firstDone := make(chan bool, 1)
	go func() {
		firstDone <- s.RunOnce(context.Background())
	}()

	// Wait until the first cycle is mid-flight
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never started")
	}

	// A tick landing now must return immediately without running anything
	start := time.Now()
	ran := s.RunOnce(context.Background())
	assert.False(t, ran)
	assert.Less(t, time.Since(start), time.Second)

	close(release)

	select {
	case ran := <-firstDone:
		assert.True(t, ran)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never finished")
	}

	// With the cycle finished the guard is clear again
	repo.onFetchPending = nil
	assert.True(t, s.RunOnce(context.Background()))
}

func TestScheduler_StartStop(t *testing.T) {
	repo := newFakeRepository()
	p := newTestProcessor(t, repo, &fakeTransport{}, time.Now())

	s := NewScheduler(p, 10*time.Millisecond)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.fetchPendingCalls > 0
	}, 5*time.Second, 5*time.Millisecond, "no cycle ran before stop")

	s.Stop()

	repo.mu.Lock()
	after := repo.fetchPendingCalls
	repo.mu.Unlock()

	// No further cycles once stopped
	time.Sleep(50 * time.Millisecond)
	repo.mu.Lock()
	assert.Equal(t, after, repo.fetchPendingCalls)
	repo.mu.Unlock()
}

func TestNewScheduler_DefaultInterval(t *testing.T) {
	p := newTestProcessor(t, newFakeRepository(), &fakeTransport{}, time.Now())

	s := NewScheduler(p, 0)
	assert.Equal(t, time.Minute, s.interval)
}
