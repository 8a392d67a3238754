package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/worker"
)

type staticConns struct {
	count int
	users []string
}

func (s staticConns) ConnectionCount() int       { return s.count }
func (s staticConns) ConnectedUserIDs() []string { return s.users }

type staticQueue struct{ depth, capacity int }

func (q staticQueue) Depth() int    { return q.depth }
func (q staticQueue) Capacity() int { return q.capacity }

func TestTakeSnapshot(t *testing.T) {
	s := worker.TakeSnapshot(staticConns{count: 4, users: []string{"a", "b"}}, staticQueue{3, 10})
	assert.Equal(t, worker.Snapshot{Connections: 4, Users: 2, QueueDepth: 3, QueueCapacity: 10}, s)
}

func TestStatsWorker_SamplesUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	var got []worker.Snapshot
	sink := func(s worker.Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}

	sw := worker.NewStatsWorker(staticConns{count: 1, users: []string{"a"}}, staticQueue{0, 10}, sink,
		10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stats worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got[0].Connections)
}
