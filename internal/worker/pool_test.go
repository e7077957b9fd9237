package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/merge"
	"github.com/retcon/retcon/internal/metrics"
	"github.com/retcon/retcon/internal/model"
	"github.com/retcon/retcon/internal/source"
	"github.com/retcon/retcon/internal/store"
)

func TestPoolHandleCompletesOnSuccess(t *testing.T) {
	st, err := store.New(store.NewMemoryDSN())
	require.NoError(t, err)
	defer st.Close()

	reg := source.NewRegistry()
	mem := source.NewMemSource()
	reg.MustRegister("customer", "db1", mem)
	mem.Seed("ext-1", document.FromMap(map[string]string{"name": "alice"}))

	recon := New(Config{Store: st, Sources: reg, Policy: merge.IgnoreConflicts{}, Metrics: metrics.NewRegistry(), Logger: zap.NewNop()})
	pool := NewPool(PoolConfig{Store: st, Reconciler: recon, Metrics: metrics.NewRegistry(), Logger: zap.NewNop(), RetryCap: 3})

	item := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	require.NoError(t, st.Enqueue(item))
	dequeued, lease, ok, err := st.Dequeue(time.Minute, sequentialLeaseID())
	require.NoError(t, err)
	require.True(t, ok)

	pool.handle(context.Background(), dequeued, lease)

	depth, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "expected the completed item removed from the queue")
}

func TestPoolHandleRequeuesThenDeadLetters(t *testing.T) {
	st, err := store.New(store.NewMemoryDSN())
	require.NoError(t, err)
	defer st.Close()

	reg := source.NewRegistry() // no sources registered: every Process item fails with "no data source"
	recon := New(Config{Store: st, Sources: reg, Policy: merge.IgnoreConflicts{}, Metrics: metrics.NewRegistry(), Logger: zap.NewNop()})
	pool := NewPool(PoolConfig{Store: st, Reconciler: recon, Metrics: metrics.NewRegistry(), Logger: zap.NewNop(), RetryCap: 2})

	item := model.WorkItem{Kind: model.Process, Notification: model.ChangeNotification{Entity: "customer", Source: "db1", FID: "ext-1"}}
	require.NoError(t, st.Enqueue(item))

	for i := 0; i < 2; i++ {
		dequeued, lease, ok, err := st.Dequeue(time.Minute, sequentialLeaseID())
		require.NoError(t, err)
		require.True(t, ok)
		pool.handle(context.Background(), dequeued, lease)
	}

	letters, err := st.DeadLetters()
	require.NoError(t, err)
	assert.Len(t, letters, 1, "expected the item dead-lettered after exhausting its retry cap")

	depth, err := st.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "expected the dead-lettered item gone from the queue")
}

func TestPoolRunStopsOnContextCancel(t *testing.T) {
	st, err := store.New(store.NewMemoryDSN())
	require.NoError(t, err)
	defer st.Close()

	reg := source.NewRegistry()
	recon := New(Config{Store: st, Sources: reg, Policy: merge.IgnoreConflicts{}, Metrics: metrics.NewRegistry(), Logger: zap.NewNop()})
	pool := NewPool(PoolConfig{Store: st, Reconciler: recon, Metrics: metrics.NewRegistry(), Logger: zap.NewNop(), WorkerCount: 2, RetryCap: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "Run returned an error on graceful shutdown")
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

func sequentialLeaseID() func() string {
	n := 0
	return func() string {
		n++
		return "lease-" + string(rune('a'+n))
	}
}
