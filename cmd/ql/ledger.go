package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quorumledger/internal/app"
	"quorumledger/internal/domain"
)

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Token balances, transfers and locks",
		Long:  "The whole supply starts in the task manager's treasury. Treasury payouts ('ql ledger batch') and lock updates ('ql ledger lock') each consume an approved operational task; holders move their own tokens with 'ql ledger transfer' once their lock has passed.",
	}
	l.AddCommand(ledgerInfoCmd())
	l.AddCommand(ledgerBalanceCmd())
	l.AddCommand(ledgerBalancesCmd())
	l.AddCommand(ledgerTransferCmd())
	l.AddCommand(ledgerBatchCmd())
	l.AddCommand(ledgerLockCmd())
	l.AddCommand(ledgerAuditCmd())
	return l
}

func ledgerInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Token metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				info, err := a.Ledger.Info(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(info)
			})
		},
	}
}

func ledgerBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Balance and lock of one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				acc, err := a.Ledger.Account(ctx, addr)
				if err != nil {
					return err
				}
				return printJSONOrTable(acc)
			})
		},
	}
}

func ledgerBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "All accounts with a balance or a lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				accounts, err := a.Ledger.Accounts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(accounts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Balance", "Locked Until"})
				for _, acc := range accounts {
					tw.AppendRow(table.Row{acc.Address, acc.Balance, lockCell(acc.LockUntil)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ledgerTransferCmd() *cobra.Command {
	var to string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer tokens from --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := actor()
			if err != nil {
				return err
			}
			target, err := domain.ParseAddress(to)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Ledger.Transfer(ctx, from, target, amount); err != nil {
					return err
				}
				acc, err := a.Ledger.Account(ctx, from)
				if err != nil {
					return err
				}
				return printJSONOrTable(acc)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount in base units")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func ledgerBatchCmd() *cobra.Command {
	var taskID uint64
	var entries []string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Pay recipients from the treasury under an approved operational task",
		Long:  "Each --pay is address:amount[:lock], where lock is a unix timestamp or an RFC3339 time. The whole batch applies atomically and consumes the task.",
		RunE: func(cmd *cobra.Command, args []string) error {
			executor, err := actor()
			if err != nil {
				return err
			}
			recipients := make([]domain.Address, 0, len(entries))
			amounts := make([]uint64, 0, len(entries))
			locks := make([]int64, 0, len(entries))
			for _, entry := range entries {
				r, amt, lock, err := parsePayment(entry)
				if err != nil {
					return err
				}
				recipients = append(recipients, r)
				amounts = append(amounts, amt)
				locks = append(locks, lock)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Ledger.DoBatchTransferWithLock(ctx, executor, taskID, recipients, amounts, locks); err != nil {
					return err
				}
				var total uint64
				for _, amt := range amounts {
					total += amt
				}
				return printJSONOrTable(map[string]any{"task_id": taskID, "recipients": len(recipients), "total": total})
			})
		},
	}
	cmd.Flags().Uint64Var(&taskID, "task", 0, "approved operational task to consume")
	cmd.Flags().StringArrayVar(&entries, "pay", nil, "address:amount[:lock] (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func ledgerLockCmd() *cobra.Command {
	var taskID uint64
	var entries []string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Set account locks under an approved operational task",
		Long:  "Each --set is address:lock, where lock is a unix timestamp, an RFC3339 time, or 0 to clear.",
		RunE: func(cmd *cobra.Command, args []string) error {
			executor, err := actor()
			if err != nil {
				return err
			}
			accounts := make([]domain.Address, 0, len(entries))
			locks := make([]int64, 0, len(entries))
			for _, entry := range entries {
				parts := strings.SplitN(entry, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --set %q: want address:lock", entry)
				}
				addr, err := domain.ParseAddress(parts[0])
				if err != nil {
					return err
				}
				lock, err := parseLock(parts[1])
				if err != nil {
					return err
				}
				accounts = append(accounts, addr)
				locks = append(locks, lock)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Ledger.UpdateLockTs(ctx, executor, taskID, accounts, locks); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": taskID, "accounts": len(accounts)})
			})
		},
	}
	cmd.Flags().Uint64Var(&taskID, "task", 0, "approved operational task to consume")
	cmd.Flags().StringArrayVar(&entries, "set", nil, "address:lock (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func ledgerAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check that balances sum to the total supply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Ledger.Audit(ctx); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"ok": true})
			})
		},
	}
}

func parsePayment(entry string) (domain.Address, uint64, int64, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 2 {
		return "", 0, 0, fmt.Errorf("invalid --pay %q: want address:amount[:lock]", entry)
	}
	addr, err := domain.ParseAddress(parts[0])
	if err != nil {
		return "", 0, 0, err
	}
	amount, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid amount %q", parts[1])
	}
	var lock int64
	if len(parts) == 3 {
		if lock, err = parseLock(parts[2]); err != nil {
			return "", 0, 0, err
		}
	}
	return addr, amount, lock, nil
}

func parseLock(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid lock %q: want unix seconds or RFC3339", raw)
	}
	return t.Unix(), nil
}

func lockCell(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
