package logsink

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wan2gp/gpuctl/pkg/types"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	batches   [][]types.LogRecord
	fail      bool
	failProbe bool
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, records []types.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("submit failed")
	}
	cp := append([]types.LogRecord(nil), records...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSubmitter) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProbe {
		return fmt.Errorf("probe failed")
	}
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func newTestSink(t *testing.T, submitter Submitter, cfg Config) *Sink {
	t.Helper()
	if cfg.SpillPath == "" {
		cfg.SpillPath = filepath.Join(t.TempDir(), "spill.db")
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 100
	}
	sink, err := New(cfg, submitter, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestEnqueueFlushesOnBatchSize(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 3})

	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop(time.Second)

	for i := 0; i < 3; i++ {
		sink.Enqueue(types.LogRecord{Message: fmt.Sprintf("msg-%d", i)})
	}

	require.Eventually(t, func() bool { return sub.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), sink.StatsSnapshot().Sent)
}

func TestEnqueueFlushesOnTimer(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := newTestSink(t, sub, Config{FlushInterval: 20 * time.Millisecond, BatchSize: 100})

	require.NoError(t, sink.Start(context.Background()))
	defer sink.Stop(time.Second)

	sink.Enqueue(types.LogRecord{Message: "solo"})

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 1000, QueueCapacity: 2})

	sink.Enqueue(types.LogRecord{Message: "a"})
	sink.Enqueue(types.LogRecord{Message: "b"})
	sink.Enqueue(types.LogRecord{Message: "c"})

	assert.Equal(t, int64(1), sink.StatsSnapshot().Dropped)
}

func TestFailedSubmitSpillsAndSurvivesRestart(t *testing.T) {
	sub := &fakeSubmitter{fail: true}
	spillPath := filepath.Join(t.TempDir(), "spill.db")
	sink := newTestSink(t, sub, Config{FlushInterval: 10 * time.Millisecond, BatchSize: 1, SpillPath: spillPath})

	require.NoError(t, sink.Start(context.Background()))
	sink.Enqueue(types.LogRecord{Message: "lost on the wire"})
	require.Eventually(t, func() bool { return sink.StatsSnapshot().Errors > 0 }, time.Second, 5*time.Millisecond)
	sink.Stop(time.Second)
	require.NoError(t, sink.Close())

	sub.fail = false
	sink2, err := New(Config{FlushInterval: time.Hour, BatchSize: 100, QueueCapacity: 10, SpillPath: spillPath}, sub, zerolog.Nop())
	require.NoError(t, err)
	defer sink2.Close()

	require.NoError(t, sink2.Start(context.Background()))
	defer sink2.Stop(time.Second)

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRestartTogglesHealthy(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 10})

	require.NoError(t, sink.Start(context.Background()))
	assert.True(t, sink.Healthy())

	require.NoError(t, sink.Restart(context.Background(), time.Second))
	assert.True(t, sink.Healthy())
	sink.Stop(time.Second)
	assert.False(t, sink.Healthy())
}

func TestStartFailsFatallyWhenRequiredAndProbeFails(t *testing.T) {
	sub := &fakeSubmitter{failProbe: true}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 10, Required: true})

	err := sink.Start(context.Background())
	require.Error(t, err)
	assert.False(t, sink.Healthy())
}

func TestStartContinuesDisabledWhenNotRequiredAndProbeFails(t *testing.T) {
	sub := &fakeSubmitter{failProbe: true}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 10, Required: false})

	require.NoError(t, sink.Start(context.Background()))
	assert.False(t, sink.Healthy(), "a failed probe must leave the flush loop stopped, not silently running")
}

func TestEnqueueFiltersBelowMinLevel(t *testing.T) {
	sub := &fakeSubmitter{}
	sink := newTestSink(t, sub, Config{FlushInterval: time.Hour, BatchSize: 10, MinLevel: types.LevelWarning})

	sink.Enqueue(types.LogRecord{Message: "debug noise", Level: types.LevelDebug})
	sink.Enqueue(types.LogRecord{Message: "important", Level: types.LevelError})

	assert.Equal(t, int64(1), sink.StatsSnapshot().Queued, "only the at-or-above-MinLevel record should reach the queue")
}
