package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"stakesettle/config"
	"stakesettle/db"
	"stakesettle/execution"
	"stakesettle/ledger"
	"stakesettle/lock"
	"stakesettle/logging"
	"stakesettle/match"
	"stakesettle/proposal"
	"stakesettle/reconcile"
	"stakesettle/squads"
	"stakesettle/vault"
)

// app wires the dependency graph once per invocation. Subcommands build it,
// use the parts they need, and close it on the way out.
type app struct {
	cfg  config.Config
	logs *logging.Backend

	pool    *pgxpool.Pool
	client  *ledger.RPCClient
	matches *match.PGRepository
	vaults  *vault.Repository
	store   *proposal.Store
	svc     *proposal.Service
	recon   *reconcile.Reconciler

	program solana.PublicKey
	redis   *redis.Client
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Debug != "" {
		cfg.DebugLevel = opts.Debug
	}
	logs := logging.NewBackend(os.Stderr, cfg.DebugLevel)

	program := squads.DefaultProgramID
	if cfg.Ledger.ProgramID != "" {
		program, err = solana.PublicKeyFromBase58(cfg.Ledger.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("settled: parse program id: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	client := ledger.NewRPCClient(
		cfg.Ledger.ReadEndpoint,
		cfg.SubmitEndpointOrRead(),
		program,
		cfg.Ledger.Commitment,
		cfg.Ledger.RequestTimeout.Std(),
		logs.Logger("LDGR"),
	)

	matches := match.NewRepository(pool)
	vaults := vault.NewRepository(pool)

	recon := reconcile.New(pool, client, matches, vaults, reconcile.Config{
		NotFoundGrace:    cfg.Reconcile.NotFoundGrace.Std(),
		MinInterval:      cfg.Reconcile.MinInterval.Std(),
		ActivityLookback: cfg.Reconcile.ActivityLookback,
		OrphanScanSpan:   cfg.Reconcile.OrphanScanSpan,
		FeeWallet:        cfg.FeeWallet,
	}, logs.Logger("RECO"))

	return &app{
		cfg:     cfg,
		logs:    logs,
		pool:    pool,
		client:  client,
		matches: matches,
		vaults:  vaults,
		store:   proposal.NewStore(pool),
		svc:     proposal.NewService(pool, nil),
		recon:   recon,
		program: program,
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

// locker returns the cross-process execution lease. Without Redis the
// in-process lock still serializes one daemon; running several instances
// that way is unsafe, hence the warning.
func (a *app) locker() (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		a.logs.Logger("EXEC").Warnf("no redis configured, execution lock is process-local only")
		return lock.NewMemoryLocker(), nil
	}
	ropts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("settled: parse redis url: %w", err)
	}
	a.redis = redis.NewClient(ropts)
	return lock.NewRedisLocker(a.redis, ""), nil
}

// coordinator builds the execution side. It needs the signing key, so only
// commands that may broadcast pay that cost.
func (a *app) coordinator() (*execution.Coordinator, error) {
	if a.cfg.Execute.KeyFile == "" {
		return nil, fmt.Errorf("settled: execute.key_file is not configured")
	}
	signer, err := execution.LoadSigner(a.cfg.Execute.KeyFile)
	if err != nil {
		return nil, err
	}
	locker, err := a.locker()
	if err != nil {
		return nil, err
	}
	return execution.NewCoordinator(execution.Deps{
		Pool:       a.pool,
		Store:      a.store,
		Matches:    a.matches,
		Findings:   a.recon.Findings(),
		Reconciler: a.recon,
		Ledger:     a.client,
		Locker:     locker,
		Signer:     signer,
		Log:        a.logs.Logger("EXEC"),
	}, execution.Config{
		MaxAttempts:     a.cfg.Execute.MaxAttempts,
		ConfirmTimeout:  a.cfg.Execute.ConfirmTimeout.Std(),
		BackoffBase:     a.cfg.Execute.BackoffBase.Std(),
		PriorityFeeBase: a.cfg.Execute.PriorityFeeBase,
		PriorityFeeStep: a.cfg.Execute.PriorityFeeStep,
		ComputeLimit:    a.cfg.Execute.ComputeLimit,
		LockTTL:         a.cfg.Execute.LockTTL.Std(),
	}), nil
}

// commandContext falls back to Background for direct calls; tests drive
// cancellation through cmd.SetContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
