package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quorumledger/internal/app"
	"quorumledger/internal/domain"
	"quorumledger/internal/engine"
	"quorumledger/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are proposals voted on by a committee. Administrative tasks (role changes) are opened by admins and approved by admins; operational tasks (treasury payouts, locks) are opened by creators and approved by approvers. A task flows created -> approved -> finalized; rejected is the other exit.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskFinalizeCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var kind, details string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, caller, domain.TaskKind(kind), details)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.TaskOperational), "task kind (administrative or operational)")
	cmd.Flags().StringVar(&details, "details-uri", "", "off-system document describing the task")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Vote for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskAction(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, caller domain.Address, id uint64) (domain.Task, error) {
				return e.ApproveTask(ctx, caller, id)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending task (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskAction(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, caller domain.Address, id uint64) (domain.Task, error) {
				return e.RejectTask(ctx, caller, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskFinalizeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Consume an approved task without a ledger operation (admin or finalizer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskAction(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, caller domain.Address, id uint64) (domain.Task, error) {
				return e.FinalizeTask(ctx, caller, id, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "finalization reason")
	return cmd
}

func taskAction(ctx context.Context, rawID string, fn func(context.Context, engine.Engine, domain.Address, uint64) (domain.Task, error)) error {
	id, err := parseTaskID(rawID)
	if err != nil {
		return err
	}
	caller, err := actor()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		t, err := fn(ctx, a.Engine, caller, id)
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var kind, state, creator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = domain.TaskKind(kind)
			f.State = domain.TaskState(state)
			if creator != "" {
				addr, err := domain.ParseAddress(creator)
				if err != nil {
					return err
				}
				f.Creator = addr
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Approvals", "Creator", "Details"})
				for _, t := range tasks {
					th, err := a.Engine.Threshold(ctx, t.Kind)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{t.ID, t.Kind, t.State, approvalsCell(len(t.Approvals), th), t.Creator, t.DetailsURI})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&creator, "creator", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task and whether it can be consumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				approved, err := a.Engine.IsTaskApproved(ctx, id)
				if err != nil {
					return err
				}
				th, err := a.Engine.Threshold(ctx, t.Kind)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.Task
					Threshold int  `json:"threshold"`
					Approved  bool `json:"approved"`
				}{Task: t, Threshold: th, Approved: approved})
			})
		},
	}
}

func approvalsCell(n, threshold int) string {
	return fmt.Sprintf("%d/%d", n, threshold)
}
