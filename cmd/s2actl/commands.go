package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/features/family"
)

// ─── migrate ────────────────────────────────────────────────────────────────

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				// Opening the store migrates it.
				printf(cmd, "Migrations applied (%s)\n", e.cfg.DBDriver)
				return nil
			})
		},
	}
}

// ─── seed-rules ─────────────────────────────────────────────────────────────

func newSeedRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-rules",
		Short: "Install the default reward rules when none exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				created, err := e.services.Rules.SeedDefaults(cmd.Context())
				if err != nil {
					return err
				}
				if len(created) == 0 {
					printf(cmd, "Rules already configured, nothing seeded\n")
					return nil
				}
				for _, r := range created {
					printf(cmd, "#%d %-20s %s  %s\n", r.ID, r.TriggerType,
						common.FormatMinutesDelta(r.RewardMinutes), r.Description)
				}
				return nil
			})
		},
	}
}

// ─── audit ──────────────────────────────────────────────────────────────────

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit CHILD_ID",
		Short: "Replay a child's ledger and compare it with the stored balance",
		Long: `audit replays every reward grant and activity log entry of the child in
time order starting from zero. It fails when the replayed balance differs
from the stored one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			childID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || childID <= 0 {
				return fmt.Errorf("invalid child id %q", args[0])
			}
			return withEnv(cmd.Context(), func(e *env) error {
				report, err := e.services.Wallet.Audit(cmd.Context(), childID)
				if err != nil {
					return err
				}
				printf(cmd, "child:    %d\n", report.ChildID)
				printf(cmd, "stored:   %s\n", common.FormatMinutes(report.Stored))
				printf(cmd, "replayed: %s\n", common.FormatMinutes(report.Replayed))
				printf(cmd, "grants:   %d\n", report.Grants)
				printf(cmd, "entries:  %d\n", report.Entries)
				printf(cmd, "lowest:   %s\n", common.FormatMinutes(report.LowestBalance))
				if !report.Balanced {
					return fmt.Errorf("ledger of child %d is out of balance by %d", childID, report.Stored-report.Replayed)
				}
				printf(cmd, "OK\n")
				return nil
			})
		},
	}
}

// ─── rollover ───────────────────────────────────────────────────────────────

func newRolloverCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Expire unused balances of wallets without carry-over",
		Long: `rollover does what the midnight job does, for the given day (yesterday
by default). Running it twice for the same day changes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), func(e *env) error {
				day := common.NewSystemClock(e.cfg.Location()).Today().AddDate(0, 0, -1)
				if date != "" {
					d, err := common.ParseDate(date)
					if err != nil {
						return fmt.Errorf("invalid --date %q: %w", date, err)
					}
					day = d
				}
				results, err := e.services.Wallet.Rollover(cmd.Context(), day)
				for _, r := range results {
					printf(cmd, "child %d: %s expired\n", r.ChildID, common.FormatMinutes(r.Expired))
				}
				if err != nil {
					return err
				}
				printf(cmd, "Rollover of %s done, %d wallet(s) touched\n", common.FormatDate(day), len(results))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to roll over (YYYY-MM-DD), default yesterday")
	return cmd
}

// ─── hash-pin ───────────────────────────────────────────────────────────────

func newHashPINCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-pin PIN",
		Short: "Print the Argon2id hash of a 4-8 digit PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := family.ValidatePIN(args[0]); err != nil {
				return err
			}
			hash, err := family.HashPIN(args[0])
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", hash)
			return nil
		},
	}
}
