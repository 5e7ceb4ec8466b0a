// Package logsink is the Log Sink (C3): a centralized, non-blocking,
// async-batched channel for every LogRecord the orchestrator and its
// workers emit, separate from the structured stderr/stdout logging that
// pkg/log provides for operator-facing output.
//
// Submission never blocks the caller. Records are queued in-memory and
// flushed in batches on a timer or when a batch fills up; a batch that
// fails to submit is spilled to a local BoltDB file so it survives a
// process restart instead of being silently dropped, repurposing the
// embedded key/value store the cluster-state layer otherwise uses for the
// same "never lose it, account for every byte" guarantee.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/rs/zerolog"

	"github.com/google/uuid"
	"github.com/wan2gp/gpuctl/pkg/log"
	"github.com/wan2gp/gpuctl/pkg/types"
)

var pendingBucket = []byte("pending_batches")

// Submitter delivers a batch of LogRecords to the shared log store.
type Submitter interface {
	SubmitBatch(ctx context.Context, records []types.LogRecord) error
	// Probe verifies the shared log store's RPC is reachable and present,
	// without submitting any real records. Start calls this before
	// anything else so a broken log destination fails loudly instead of
	// silently accepting records it can never deliver.
	Probe(ctx context.Context) error
}

// levelOrder ranks LogLevel by severity, lowest first, for DB_LOG_LEVEL
// filtering in Enqueue.
var levelOrder = map[types.LogLevel]int{
	types.LevelDebug:    0,
	types.LevelInfo:     1,
	types.LevelWarning:  2,
	types.LevelError:    3,
	types.LevelCritical: 4,
}

// Stats is a snapshot of the sink's lifetime counters, exposed to the
// status server and to health checks.
type Stats struct {
	Queued  int64
	Sent    int64
	Dropped int64
	Errors  int64
	Batches int64
	Alive   bool
}

// Config controls batching and durability behaviour.
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	QueueCapacity int
	SpillPath     string
	// Required, when true, makes a failed Start fatal (DB_LOGGING_REQUIRED).
	Required bool
	// MinLevel filters Enqueue: records below this severity are dropped
	// before ever reaching the queue (DB_LOG_LEVEL). Zero value means no
	// filtering (a misconfigured empty level must never silently black-hole
	// every record).
	MinLevel types.LogLevel
}

// diagnosticPath is where Start writes its fail-loud diagnostic when the
// submitter's connectivity probe fails. Derived from SpillPath rather
// than a separate config knob, since the spill file is already the
// operator-visible artifact for this sink's durability story.
func (c Config) diagnosticPath() string {
	return c.SpillPath + ".init-failure.log"
}

// Sink is the Log Sink. Zero value is not usable; construct with New.
type Sink struct {
	cfg       Config
	submitter Submitter
	spill     *bolt.DB
	logger    zerolog.Logger

	queue chan types.LogRecord
	stop  chan struct{}
	done  chan struct{}

	queued  int64
	sent    int64
	dropped int64
	errors  int64
	batches int64
	alive   int32

	mu      sync.Mutex
	running bool
}

// New constructs a Sink. It does not start the background flusher; call
// Start for that.
func New(cfg Config, submitter Submitter, logger zerolog.Logger) (*Sink, error) {
	spill, err := bolt.Open(cfg.SpillPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open log sink spill file %s: %w", cfg.SpillPath, err)
	}
	if err := spill.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	}); err != nil {
		spill.Close()
		return nil, fmt.Errorf("create pending_batches bucket: %w", err)
	}

	return &Sink{
		cfg:       cfg,
		submitter: submitter,
		spill:     spill,
		logger:    logger,
		queue:     make(chan types.LogRecord, cfg.QueueCapacity),
	}, nil
}

// Enqueue submits a record without blocking. Records below cfg.MinLevel
// are dropped before ever reaching the queue, silently (they were never
// wanted, so no drop counter increment). If the internal queue is full
// the record is dropped and the drop counter incremented; the caller is
// never blocked or failed.
func (s *Sink) Enqueue(record types.LogRecord) {
	if s.cfg.MinLevel != "" && levelOrder[record.Level] < levelOrder[s.cfg.MinLevel] {
		return
	}
	select {
	case s.queue <- record:
		atomic.AddInt64(&s.queued, 1)
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Start launches the background flush loop. Before anything else it
// probes the submitter's connectivity and RPC presence: a log
// destination that is unreachable or missing the expected endpoint must
// be caught here, not discovered the first time a real batch silently
// fails to deliver. A failed probe writes a diagnostic to a local file
// and logs CRITICAL to stderr; with DB_LOGGING_REQUIRED set this is
// fatal and the sink never starts, otherwise it returns nil with the
// flusher left stopped so the driver's periodic health probe sees it
// unhealthy and can retry via Restart.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.submitter.Probe(ctx); err != nil {
		atomic.AddInt64(&s.errors, 1)
		s.reportInitFailure(err)
		if s.cfg.Required {
			return fmt.Errorf("log sink: fatal, DB_LOGGING_REQUIRED and connectivity probe failed: %w", err)
		}
		return nil
	}

	if err := s.drainSpill(ctx); err != nil {
		atomic.AddInt64(&s.errors, 1)
		if s.cfg.Required {
			return fmt.Errorf("log sink: fatal, DB_LOGGING_REQUIRED and spill drain failed: %w", err)
		}
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	atomic.StoreInt32(&s.alive, 1)

	go s.run(ctx)
	return nil
}

// reportInitFailure is the fail-loud path: it writes a local diagnostic
// file documenting the failure so an operator can find it even if stderr
// was lost, and logs CRITICAL regardless of Required so the failure is
// visible even when the sink is allowed to continue without logging.
func (s *Sink) reportInitFailure(cause error) {
	log.Critical(s.logger).Err(cause).Msg("log sink initialisation failed: connectivity or RPC probe failed")
	fmt.Fprintf(os.Stderr, "CRITICAL: log sink initialisation failed: %v\n", cause)

	diagnostic := fmt.Sprintf("%s log sink initialisation failed: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
	if err := os.WriteFile(s.cfg.diagnosticPath(), []byte(diagnostic), 0644); err != nil {
		s.logger.Error().Err(err).Str("path", s.cfg.diagnosticPath()).Msg("failed to write log sink init-failure diagnostic")
	}
}

// ReportDegraded is the driver's periodic-health-probe counterpart to
// reportInitFailure: it logs ERROR "logging degraded" to stderr and
// appends the same detail to the local diagnostic file, for a sink that
// started successfully but has since gone unhealthy or wedged.
func (s *Sink) ReportDegraded(detail string) {
	s.logger.Error().Str("detail", detail).Msg("logging degraded")
	fmt.Fprintf(os.Stderr, "ERROR: logging degraded: %s\n", detail)

	line := fmt.Sprintf("%s logging degraded: %s\n", time.Now().UTC().Format(time.RFC3339), detail)
	f, err := os.OpenFile(s.cfg.diagnosticPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.cfg.diagnosticPath()).Msg("failed to append log sink degraded diagnostic")
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Stop drains the in-memory queue (flushing whatever batch is pending) and
// shuts the flush loop down, blocking until it exits or deadline elapses.
func (s *Sink) Stop(deadline time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(deadline):
	}

	s.mu.Lock()
	s.running = false
	atomic.StoreInt32(&s.alive, 0)
	s.mu.Unlock()
}

// Restart implements the Log Sink's health-check recovery path: a literal
// stop then start of the background flusher, used when its health check
// reports the flush loop has wedged.
func (s *Sink) Restart(ctx context.Context, deadline time.Duration) error {
	s.Stop(deadline)
	return s.Start(ctx)
}

// Close releases the spill database. Call after Stop.
func (s *Sink) Close() error {
	return s.spill.Close()
}

// Healthy reports whether the flush loop is currently running.
func (s *Sink) Healthy() bool {
	return atomic.LoadInt32(&s.alive) == 1
}

// StatsSnapshot returns the current counters.
func (s *Sink) StatsSnapshot() Stats {
	return Stats{
		Queued:  atomic.LoadInt64(&s.queued),
		Sent:    atomic.LoadInt64(&s.sent),
		Dropped: atomic.LoadInt64(&s.dropped),
		Errors:  atomic.LoadInt64(&s.errors),
		Batches: atomic.LoadInt64(&s.batches),
		Alive:   s.Healthy(),
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.LogRecord, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.submitOrSpill(ctx, batch)
		batch = make([]types.LogRecord, 0, s.cfg.BatchSize)
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) submitOrSpill(ctx context.Context, batch []types.LogRecord) {
	atomic.AddInt64(&s.batches, 1)

	if err := s.submitter.SubmitBatch(ctx, batch); err != nil {
		atomic.AddInt64(&s.errors, 1)
		if spillErr := s.spillBatch(batch); spillErr != nil {
			// The batch is genuinely lost here; account for it rather
			// than pretend it was delivered.
			atomic.AddInt64(&s.dropped, int64(len(batch)))
		}
		return
	}
	atomic.AddInt64(&s.sent, int64(len(batch)))
}

func (s *Sink) spillBatch(batch []types.LogRecord) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal spilled batch: %w", err)
	}
	return s.spill.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		return b.Put([]byte(uuid.New().String()), data)
	})
}

// drainSpill attempts to resubmit every spilled batch, removing it from
// the spill bucket on success. A batch that fails again is left in place
// for the next drain attempt.
func (s *Sink) drainSpill(ctx context.Context) error {
	var keys [][]byte
	var batches [][]types.LogRecord

	err := s.spill.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		return b.ForEach(func(k, v []byte) error {
			var batch []types.LogRecord
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("unmarshal spilled batch %s: %w", string(k), err)
			}
			keyCopy := append([]byte(nil), k...)
			keys = append(keys, keyCopy)
			batches = append(batches, batch)
			return nil
		})
	})
	if err != nil {
		return err
	}

	for i, batch := range batches {
		if err := s.submitter.SubmitBatch(ctx, batch); err != nil {
			atomic.AddInt64(&s.errors, 1)
			continue
		}
		atomic.AddInt64(&s.sent, int64(len(batch)))
		if err := s.spill.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(pendingBucket).Delete(keys[i])
		}); err != nil {
			return fmt.Errorf("delete drained spill entry: %w", err)
		}
	}
	return nil
}
