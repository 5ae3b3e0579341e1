// Package sweep is the scheduling layer: a periodic reconcile pass over
// every sweepable proposal, a slower orphan scan, and execute attempts
// chained onto rows the sync proves ready. Event-driven triggers (webhook,
// operator command) funnel through the same per-match guard so work for one
// match never runs twice at once inside a process.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"stakesettle/execution"
	"stakesettle/proposal"
	"stakesettle/reconcile"
)

const (
	defaultInterval       = 30 * time.Second
	defaultOrphanInterval = 10 * time.Minute
	defaultConcurrency    = 8
	defaultBatchLimit     = 200
)

// Config tunes the sweep cadence. Zero values fall back to defaults.
type Config struct {
	// Interval is the reconcile-and-execute cadence.
	Interval time.Duration
	// OrphanInterval is the vault walk cadence. Walking every vault's
	// trailing indices is RPC-heavy, so it runs far less often than the
	// record sweep.
	OrphanInterval time.Duration
	// Concurrency bounds parallel execute attempts across distinct matches.
	Concurrency int
	// BatchLimit caps rows per sweep pass.
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.OrphanInterval <= 0 {
		c.OrphanInterval = defaultOrphanInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	return c
}

// Reconciling is the slice of the reconciler the sweeper drives.
type Reconciling interface {
	SweepRecords(ctx context.Context, limit int) (reconcile.BatchReport, error)
	ScanOrphans(ctx context.Context) ([]reconcile.Orphan, []reconcile.MatchError)
	Reconcile(ctx context.Context, matchID string, force bool) (reconcile.Outcome, error)
}

// Executing is the slice of the execution coordinator the sweeper drives.
type Executing interface {
	TryExecute(ctx context.Context, matchID string) (execution.Outcome, error)
}

// Sweeper owns the tickers and the in-process per-match guard. The guard is
// the cheap first line; the coordinator's lease lock is the cross-process
// one.
type Sweeper struct {
	recon Reconciling
	exec  Executing
	cfg   Config
	log   slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	kick chan struct{}
	quit chan struct{}
}

func New(recon Reconciling, exec Executing, cfg Config, log slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Disabled
	}
	return &Sweeper{
		recon:    recon,
		exec:     exec,
		cfg:      cfg.withDefaults(),
		log:      log,
		inflight: make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// Stop ends Run. Call once.
func (s *Sweeper) Stop() { close(s.quit) }

// Kick pulls the next sweep forward without waiting for the tick. Safe from
// any goroutine; coalesces when a kick is already pending.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks, sweeping on the configured cadence until ctx ends or Stop is
// called.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Infof("sweep: started (interval %s, orphan interval %s, concurrency %d)",
		s.cfg.Interval, s.cfg.OrphanInterval, s.cfg.Concurrency)
	defer s.log.Infof("sweep: stopped")

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	ot := time.NewTicker(s.cfg.OrphanInterval)
	defer ot.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return nil
		case <-s.kick:
			s.SweepOnce(ctx)
		case <-t.C:
			s.SweepOnce(ctx)
		case <-ot.C:
			s.OrphanScanOnce(ctx)
		}
	}
}

// SweepOnce reconciles one batch and chains execute attempts onto every row
// that came out READY_TO_EXECUTE. Failures are logged per match; the pass
// always completes.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	report, err := s.recon.SweepRecords(ctx, s.cfg.BatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Errorf("sweep: batch failed: %v", err)
		}
		return
	}
	for _, me := range report.Errors {
		s.log.Warnf("sweep: %v", me)
	}
	if len(report.Outcomes) > 0 {
		counts := report.Counts()
		s.log.Infof("sweep: %d proposals: %d in sync, %d healed, %d retryable, %d parked",
			len(report.Outcomes),
			counts[reconcile.ClassInSync],
			counts[reconcile.ClassHealed],
			counts[reconcile.ClassRetryable],
			counts[reconcile.ClassFatalMissing]+counts[reconcile.ClassDriftUnresolved])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, out := range report.Outcomes {
		if out.New != proposal.StatusReadyToExecute {
			continue
		}
		matchID := out.MatchID
		if !s.claim(matchID) {
			continue
		}
		g.Go(func() error {
			defer s.done(matchID)
			res, err := s.exec.TryExecute(gctx, matchID)
			if err != nil {
				s.log.Errorf("sweep: execute match %s: %v", matchID, err)
				return nil
			}
			s.logExecution(res)
			return nil
		})
	}
	g.Wait()
}

// OrphanScanOnce walks every registered vault once.
func (s *Sweeper) OrphanScanOnce(ctx context.Context) {
	orphans, errs := s.recon.ScanOrphans(ctx)
	for _, me := range errs {
		s.log.Warnf("sweep: orphan scan: %v", me)
	}
	if len(orphans) > 0 {
		s.log.Warnf("sweep: %d ledger proposals have no local record", len(orphans))
	}
}

// SettleMatch is the event-driven path: force-sync one match and execute if
// the sync lands on READY_TO_EXECUTE. Concurrent triggers for the same match
// collapse into ALREADY_IN_PROGRESS.
func (s *Sweeper) SettleMatch(ctx context.Context, matchID string) (execution.Outcome, error) {
	if !s.claim(matchID) {
		return execution.Outcome{MatchID: matchID, Result: execution.ResultAlreadyInProgress}, nil
	}
	defer s.done(matchID)

	rout, err := s.recon.Reconcile(ctx, matchID, true)
	if errors.Is(err, proposal.ErrNotFound) {
		return execution.Outcome{MatchID: matchID, Result: execution.ResultNotFound}, nil
	}
	if err != nil {
		return execution.Outcome{MatchID: matchID}, err
	}

	switch rout.New {
	case proposal.StatusReadyToExecute:
		res, err := s.exec.TryExecute(ctx, matchID)
		if err == nil {
			s.logExecution(res)
		}
		return res, err
	case proposal.StatusExecuted:
		out := execution.Outcome{
			MatchID:    matchID,
			ProposalID: rout.ProposalID,
			Result:     execution.ResultAlreadyExecuted,
		}
		if rout.RecoveredReceipt != nil {
			out.Signature = rout.RecoveredReceipt.Signature
			out.Slot = rout.RecoveredReceipt.Slot
		}
		return out, nil
	default:
		return execution.Outcome{
			MatchID:    matchID,
			ProposalID: rout.ProposalID,
			Result:     execution.ResultNotEligible,
			Reason:     fmt.Sprintf("status %s after sync", rout.New),
		}, nil
	}
}

func (s *Sweeper) logExecution(res execution.Outcome) {
	switch res.Result {
	case execution.ResultExecuted:
		s.log.Infof("sweep: match %s executed: %s", res.MatchID, res.Signature)
	case execution.ResultAlreadyExecuted, execution.ResultAlreadyInProgress:
		s.log.Debugf("sweep: match %s: %s", res.MatchID, res.Result)
	default:
		s.log.Warnf("sweep: match %s: %s %s", res.MatchID, res.Result, res.Reason)
	}
}

func (s *Sweeper) claim(matchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[matchID]; busy {
		return false
	}
	s.inflight[matchID] = struct{}{}
	return true
}

func (s *Sweeper) done(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, matchID)
}
