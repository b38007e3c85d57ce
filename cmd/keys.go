package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and administer pooled provider keys",
	}
	cmd.AddCommand(
		newKeysStatsCmd(),
		newKeysAddCmd(),
		newKeysRemoveCmd(),
		newKeysUpdateCmd(),
		newKeysTestCmd(),
		newKeysVerifyCmd(),
		newKeysResetCmd("reset-daily", "Zero daily usage and reactivate exhausted keys", false),
		newKeysResetCmd("reset-monthly", "Zero daily and monthly usage", true),
	)
	return cmd
}

func newKeysStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool totals and per-key usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p := appInstance.Pool()
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"stats":       p.Stats(),
				"credentials": p.DetailedStats(),
			})
		},
	}
}

func newKeysAddCmd() *cobra.Command {
	var daily, monthly int
	cmd := &cobra.Command{
		Use:   "add <secret>",
		Short: "Register a provider key at runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cred, err := appInstance.Pool().AddCredential(args[0], daily, monthly)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cred)
		},
	}
	cmd.Flags().IntVar(&daily, "daily-limit", 0, "daily limit (default pool.daily_limit)")
	cmd.Flags().IntVar(&monthly, "monthly-limit", 0, "monthly limit (default pool.monthly_limit)")
	return cmd
}

func newKeysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a key from the pool and the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Pool().RemoveCredential(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newKeysUpdateCmd() *cobra.Command {
	var daily, monthly, priority int
	var status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change limits, priority or status of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var upd tracker.CredentialUpdate
			flags := cmd.Flags()
			if flags.Changed("daily-limit") {
				upd.DailyLimit = &daily
			}
			if flags.Changed("monthly-limit") {
				upd.MonthlyLimit = &monthly
			}
			if flags.Changed("priority") {
				upd.Priority = &priority
			}
			if flags.Changed("status") {
				s := tracker.CredentialStatus(status)
				upd.Status = &s
			}
			cred, err := appInstance.Pool().UpdateCredential(args[0], upd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cred)
		},
	}
	cmd.Flags().IntVar(&daily, "daily-limit", 0, "new daily limit")
	cmd.Flags().IntVar(&monthly, "monthly-limit", 0, "new monthly limit")
	cmd.Flags().IntVar(&priority, "priority", 0, "new priority (lower is preferred)")
	cmd.Flags().StringVar(&status, "status", "", "active, exhausted or paused")
	return cmd
}

func newKeysTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <secret>",
		Short: "Probe a key without adding it to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), appInstance.Pool().TestCredential(cmd.Context(), args[0]))
		},
	}
}

func newKeysVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Probe a pooled key and update its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Pool().VerifyCredential(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newKeysResetCmd(use, short string, monthly bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			p := appInstance.Pool()
			if monthly {
				p.ResetMonthlyUsage()
			} else {
				p.ResetDailyUsage()
			}
			return printJSON(cmd.OutOrStdout(), p.Stats())
		},
	}
}
