/*
scheduler.go - Periodic integrity sweep

PURPOSE:
  The ledger and the relational mirror are written by separate calls and
  can drift. The sweeper periodically rehashes every mirror row and checks
  it against the ledger's current copy of the batch, recording the outcome
  as an integrity run.

WHICH CHECK:
  The sweep uses Engine.VerifyLedgerIntegrity, not the stored-hash check.
  Status is part of the hashed fields, so the hash captured at registration
  stops matching after the first status change even when both copies
  agree. Rehashing the ledger copy compares current state with current
  state.

OUTCOMES PER BATCH:
  VALID     Mirror row and ledger copy hash the same
  MISMATCH  Hashes differ
  MISSING   Mirror row has no ledger entry
  ERROR     The check itself failed

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Rows are hashed on an ants worker pool
  - Each run is saved to integrity_runs when it starts and again when it ends

USAGE:
  sweeper, err := NewIntegritySweeper(store, engine, log, 8)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: GetSweepReport, TriggerSweep endpoints
  - ../batch/integrity.go: Hashing and verification
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/plancana/batch-ledger/batch"
	"github.com/plancana/batch-ledger/store/sqlite"
)

// Sweep outcomes beyond batch.IntegrityValid and batch.IntegrityMismatch.
const (
	SweepMissing = "MISSING"
	SweepError   = "ERROR"
)

// SweepResult is the outcome for one batch.
type SweepResult struct {
	BatchID      string `json:"batchId"`
	Status       string `json:"status"`
	DatabaseHash string `json:"databaseHash,omitempty"`
	LedgerHash   string `json:"ledgerHash,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	RunID      string        `json:"runId"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Checked    int           `json:"checked"`
	Valid      int           `json:"valid"`
	Mismatched int           `json:"mismatched"`
	Missing    int           `json:"missing"`
	Failed     int           `json:"failed"`
	Results    []SweepResult `json:"results"`
}

// IntegritySweeper checks every mirrored batch against the ledger.
type IntegritySweeper struct {
	Store         *sqlite.Store
	Engine        *batch.Engine
	Log           *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	pool   *ants.Pool
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *SweepReport
}

// NewIntegritySweeper creates a sweeper hashing rows on poolSize workers.
func NewIntegritySweeper(store *sqlite.Store, engine *batch.Engine, log *zap.Logger, poolSize int) (*IntegritySweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if engine == nil {
		engine = batch.NewEngine(log)
	}
	pool, err := ants.NewPool(poolSize,
		ants.WithPanicHandler(func(p any) {
			log.Error("integrity worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &IntegritySweeper{
		Store:         store,
		Engine:        engine,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		pool:          pool,
		stop:          make(chan struct{}),
	}, nil
}

// Start begins periodic sweeps. The first runs immediately.
func (s *IntegritySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("integrity sweep disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info("integrity sweep started", zap.Duration("interval", s.CheckInterval))
}

// Stop ends periodic sweeps and releases the worker pool.
func (s *IntegritySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("integrity sweep stopped")
	}
	if err := s.pool.ReleaseTimeout(30 * time.Second); err != nil {
		s.Log.Warn("integrity pool shutdown timeout", zap.Error(err))
	}
}

func (s *IntegritySweeper) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.sweepAndLog(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *IntegritySweeper) sweepAndLog(ctx context.Context) {
	rep, err := s.RunOnce(ctx)
	if err != nil {
		s.Log.Error("integrity sweep failed", zap.Error(err))
		return
	}
	if rep.Mismatched > 0 || rep.Missing > 0 || rep.Failed > 0 {
		s.Log.Warn("integrity sweep found drift",
			zap.String("run_id", rep.RunID),
			zap.Int("checked", rep.Checked),
			zap.Int("mismatched", rep.Mismatched),
			zap.Int("missing", rep.Missing),
			zap.Int("failed", rep.Failed),
		)
		return
	}
	s.Log.Info("integrity sweep clean", zap.String("run_id", rep.RunID), zap.Int("checked", rep.Checked))
}

// RunOnce performs one sweep and records it.
func (s *IntegritySweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	rep := &SweepReport{RunID: "sweep-" + uuid.NewString(), StartedAt: time.Now().UTC()}
	run := sqlite.IntegrityRun{ID: rep.RunID, Status: "running", StartedAt: rep.StartedAt}
	if err := s.Store.SaveIntegrityRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run record: %w", err)
	}

	rows, err := s.Store.ListBatchRows(ctx)
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		if serr := s.Store.SaveIntegrityRun(ctx, run); serr != nil {
			s.Log.Error("failed to record failed integrity run",
				zap.String("run_id", run.ID),
				zap.Error(serr),
			)
		}
		return nil, fmt.Errorf("failed to list batch rows: %w", err)
	}

	rep.Results = make([]SweepResult, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		i, row := i, row
		wg.Add(1)
		if err := s.pool.Submit(func() {
			defer wg.Done()
			rep.Results[i] = s.check(ctx, row)
		}); err != nil {
			wg.Done()
			rep.Results[i] = SweepResult{BatchID: row.BatchID, Status: SweepError, Error: err.Error()}
		}
	}
	wg.Wait()

	for _, res := range rep.Results {
		rep.Checked++
		switch res.Status {
		case batch.IntegrityValid:
			rep.Valid++
		case batch.IntegrityMismatch:
			rep.Mismatched++
			run.MismatchedIDs = append(run.MismatchedIDs, res.BatchID)
		case SweepMissing:
			rep.Missing++
			run.MismatchedIDs = append(run.MismatchedIDs, res.BatchID)
		default:
			rep.Failed++
		}
	}
	sort.Strings(run.MismatchedIDs)
	rep.FinishedAt = time.Now().UTC()

	run.Status = "completed"
	run.Checked, run.Valid, run.Mismatched = rep.Checked, rep.Valid, rep.Mismatched
	run.Missing, run.Failed = rep.Missing, rep.Failed
	run.CompletedAt = &rep.FinishedAt
	if err := s.Store.SaveIntegrityRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run record: %w", err)
	}

	s.reportMu.Lock()
	s.last = rep
	s.reportMu.Unlock()
	return rep, nil
}

// check hashes one mirror row and compares it with the ledger copy.
func (s *IntegritySweeper) check(ctx context.Context, row sqlite.BatchRow) SweepResult {
	res := SweepResult{BatchID: row.BatchID}
	hash, err := row.ComputeHash()
	if err != nil {
		res.Status, res.Error = SweepError, err.Error()
		return res
	}
	res.DatabaseHash = hash

	var out *batch.IntegrityResult
	err = s.Store.Invoke(ctx, func(l batch.Ledger) error {
		var err error
		out, err = s.Engine.VerifyLedgerIntegrity(ctx, l, row.BatchID, hash)
		return err
	})
	switch {
	case errors.Is(err, batch.ErrNotFound):
		res.Status = SweepMissing
	case err != nil:
		res.Status, res.Error = SweepError, err.Error()
	default:
		res.Status = out.IntegrityStatus
		res.LedgerHash = out.LedgerHash
	}
	return res
}

// LastReport returns the most recent sweep, or nil before the first one.
func (s *IntegritySweeper) LastReport() *SweepReport {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.last
}
