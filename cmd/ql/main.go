package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quorumledger/internal/app"
	"quorumledger/internal/config"
	"quorumledger/internal/domain"
	"quorumledger/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Quorum Ledger CLI",
	Long: `Quorum Ledger runs a committee-governed token.
Core concepts:
- Roles: admin, creator, approver, executor and finalizer. Membership only changes through approved administrative tasks.
- Tasks: proposals that collect approvals. Administrative tasks are approved by admins, operational ones by approvers.
- Quorum: a task is approved once more than half of the current committee has voted (configurable).
- Ledger: a fixed-supply token minted to the task manager's treasury; treasury payouts need an approved operational task.
- Locks: accounts paid with a lock timestamp cannot transfer until it passes.
- Event log: every state change, view with 'ql log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code := domain.Code(err); code != "" {
			fmt.Fprintln(os.Stderr, "code:", code)
		}
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUORUMLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "address acting on the command")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, seed the committee and deploy the ledger",
		Long:  "init writes quorumledger.yml naming --admin (or --actor) as the sole committee member when no config exists, then bootstraps roles and mints the supply to the treasury. Rerunning it is harmless.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			raw := admin
			if raw == "" {
				raw = viper.GetString("actor")
			}
			var addr domain.Address
			if raw != "" {
				if addr, err = domain.ParseAddress(raw); err != nil {
					return err
				}
			}
			a, err := app.Init(cmd.Context(), viper.GetString("workspace"), addr, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			info, err := a.Ledger.Info(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(info)
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "initial admin address")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect quorumledger.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the normalized config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			policy, err := c.Policy()
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"valid": true, "policy": policy.Name()})
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath, auditSchedule string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				deployed, err := a.Deployed(ctx)
				if err != nil {
					return err
				}
				if !deployed {
					return fmt.Errorf("%w: ledger not deployed; run ql init", domain.ErrInvalidConfiguration)
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: dev,
					DevLogin:               dev,
					Logger:                 a.Logger.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("QUORUMLEDGER_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Ledger:   a.Ledger,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Logger.With("component", "http"),
				})
				if err != nil {
					return err
				}
				if _, err := app.StartAudit(ctx, a.Ledger, auditSchedule, a.Logger); err != nil {
					return err
				}
				hooks := server.StartWebhooks(ctx, a.Engine.Repo, a.Config.Webhooks, a.Logger)
				if err := watchConfig(ctx, a.Workspace, a.Logger, func(cfg *config.Config) {
					hooks.SetWebhooks(ctx, cfg.Webhooks)
				}); err != nil {
					a.Logger.Warn("config watch disabled", "error", err)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving", "addr", addr, "base_path", basePath, "dev", dev)
				fmt.Printf("Serving Quorum Ledger API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable /auth/dev/login and the X-Actor-Id header")
	cmd.Flags().StringVar(&auditSchedule, "audit", "@every 10m", "cron schedule for the supply conservation audit (empty disables)")
	return cmd
}

// --- helpers ---

func newLogger() (*slog.Logger, error) {
	return app.NewLogger(os.Stderr, viper.GetString("log-level"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actor() (domain.Address, error) {
	raw := strings.TrimSpace(viper.GetString("actor"))
	if raw == "" {
		return "", fmt.Errorf("--actor (or QUORUMLEDGER_ACTOR) is required")
	}
	return domain.ParseAddress(raw)
}

func parseTaskID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
