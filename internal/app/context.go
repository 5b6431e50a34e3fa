package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"quorumledger/internal/config"
	"quorumledger/internal/db"
	"quorumledger/internal/domain"
	"quorumledger/internal/engine"
	"quorumledger/internal/ledger"
	"quorumledger/internal/migrate"
	"quorumledger/internal/repo"
)

// App is an opened workspace: migrated database, loaded config and the
// task manager and ledger wired to each other.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Ledger    ledger.Ledger
	Logger    *slog.Logger
}

// Open opens an initialized workspace.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return openWith(ctx, workspace, cfg, logger)
}

func openWith(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng, led, err := Wire(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened", "path", db.Path(workspace), "schema_version", version)
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: eng, Ledger: led, Logger: logger}, nil
}

// Wire builds the task manager and the ledger from cfg over conn.
func Wire(conn *sql.DB, cfg *config.Config, logger *slog.Logger) (engine.Engine, ledger.Ledger, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return engine.Engine{}, ledger.Ledger{}, err
	}
	tm := domain.Address(cfg.Addresses.TaskManager)
	eng := engine.New(conn, tm, policy, logger.With("component", "task_manager"))
	meta := ledger.Metadata{
		Name:        cfg.Token.Name,
		Symbol:      cfg.Token.Symbol,
		Decimals:    cfg.Token.Decimals,
		TotalSupply: cfg.Token.TotalSupply,
	}
	led := ledger.New(conn, eng, domain.Address(cfg.Addresses.Ledger), tm, meta, logger.With("component", "ledger"))
	return eng, led, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Init prepares workspace: writes a default config naming admin when none
// exists, migrates, seeds the role registry and deploys the ledger. Each
// step is skipped when already done, so Init can be rerun safely.
func Init(ctx context.Context, workspace string, admin domain.Address, logger *slog.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if admin.IsZero() {
			return nil, fmt.Errorf("%w: an admin address is required to create %s", domain.ErrInvalidConfiguration, config.FileName)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(admin)), 0o644); err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}
		if cfg, err = config.Load(workspace); err != nil {
			return nil, err
		}
	}
	a, err := openWith(ctx, workspace, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.seed(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) seed(ctx context.Context) error {
	seeded, err := a.Engine.Repo.AnyRoles(ctx, nil)
	if err != nil {
		return err
	}
	if !seeded {
		c := a.Config.Committee
		if err := a.Engine.Bootstrap(ctx, engine.Committee{
			Admins:     c.Members(domain.RoleAdmin),
			Creators:   c.Members(domain.RoleCreator),
			Approvers:  c.Members(domain.RoleApprover),
			Executors:  c.Members(domain.RoleExecutor),
			Finalizers: c.Members(domain.RoleFinalizer),
		}); err != nil {
			return fmt.Errorf("bootstrap roles: %w", err)
		}
	}
	if _, err := a.Ledger.Info(ctx); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrInvalidConfiguration) {
		return err
	}
	if _, err := a.Ledger.Deploy(ctx); err != nil {
		return fmt.Errorf("deploy ledger: %w", err)
	}
	return nil
}

// Deployed reports whether the ledger metadata exists.
func (a *App) Deployed(ctx context.Context) (bool, error) {
	_, err := a.Engine.Repo.GetLedgerMeta(ctx, nil)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
