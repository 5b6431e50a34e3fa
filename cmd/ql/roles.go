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
)

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Inspect and change committee membership",
		Long:  "Every membership change consumes an approved administrative task: open one with 'ql task create --kind administrative', collect admin votes, then run 'ql role grant|revoke --task <id>'.",
	}
	role.AddCommand(roleListCmd())
	role.AddCommand(roleChangeCmd(true))
	role.AddCommand(roleChangeCmd(false))
	role.AddCommand(roleWhoamiCmd())
	return role
}

type roleSummary struct {
	Role      domain.RoleKind  `json:"role"`
	Count     int              `json:"count"`
	Threshold int              `json:"threshold"`
	Members   []domain.Address `json:"members"`
}

func roleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [role]",
		Short: "List role members and the approval threshold they imply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := domain.Roles
			if len(args) == 1 {
				r := domain.RoleKind(args[0])
				if !r.Valid() {
					return fmt.Errorf("%w: unknown role %q", domain.ErrInvalidConfiguration, args[0])
				}
				roles = []domain.RoleKind{r}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var out []roleSummary
				for _, r := range roles {
					members, err := a.Engine.Members(ctx, r)
					if err != nil {
						return err
					}
					out = append(out, roleSummary{Role: r, Count: len(members), Threshold: a.Engine.Policy.Threshold(len(members)), Members: members})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Count", "Threshold", "Member"})
				for _, s := range out {
					if len(s.Members) == 0 {
						tw.AppendRow(table.Row{s.Role, s.Count, s.Threshold, ""})
					}
					for _, m := range s.Members {
						tw.AppendRow(table.Row{s.Role, s.Count, s.Threshold, m})
					}
					tw.AppendSeparator()
				}
				tw.Render()
				return nil
			})
		},
	}
}

func roleChangeCmd(grant bool) *cobra.Command {
	var taskID uint64
	use, short := "grant <role> <address>", "Add a member under an approved administrative task"
	if !grant {
		use, short = "revoke <role> <address>", "Remove a member under an approved administrative task"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			target, err := domain.ParseAddress(args[1])
			if err != nil {
				return err
			}
			role := domain.RoleKind(args[0])
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var t domain.Task
				if grant {
					t, err = a.Engine.GrantRole(ctx, taskID, caller, role, target)
				} else {
					t, err = a.Engine.RevokeRole(ctx, taskID, caller, role, target)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Uint64Var(&taskID, "task", 0, "approved administrative task to consume")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func roleWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the roles held by --actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Engine.RolesOf(ctx, caller)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"address": caller, "roles": roles})
			})
		},
	}
}
