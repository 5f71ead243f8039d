// Command s2actl is the operator CLI: schema migrations, the default rule
// catalog, ledger audits, manual rollovers and PIN hashes.
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"serotonyl.ru/s2a/internal/app"
	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/config"
	"serotonyl.ru/s2a/internal/store"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetLevel(log.WarnLevel)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "s2actl",
		Short: "Operate a Study to Activity installation",
		Long: `s2actl runs maintenance tasks against the database configured by the
same environment variables as the server (DB_DRIVER, SQLITE_PATH, DB_HOST, ...).`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newSeedRulesCmd(),
		newAuditCmd(),
		newRolloverCmd(),
		newHashPINCmd(),
	)
	return root
}

// env is what every database command needs.
type env struct {
	cfg      *config.Config
	store    store.Store
	services *app.Services
}

// withEnv loads configuration, opens the store and runs fn.
func withEnv(ctx context.Context, fn func(e *env) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	clock := common.NewSystemClock(cfg.Location())
	return fn(&env{cfg: cfg, store: st, services: app.NewServices(st, cfg, clock)})
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
