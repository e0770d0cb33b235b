package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/propledger/propledger/internal/app"
	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/movement"
	"github.com/propledger/propledger/internal/platform/cache"
	"github.com/propledger/propledger/internal/platform/db"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/seed"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/users"
)

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load roles, business units, users, workflows and properties from YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fh, err := os.Open(file)
			if err != nil {
				return err
			}
			defer fh.Close()
			doc, err := seed.Load(fh)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg)
			ctx := cmd.Context()
			pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			// Workflow writes bump the cache generation so running servers see the seed.
			var definitions *approval.DefinitionCache
			if rdb, err := cache.New(ctx, cfg.RedisAddr); err != nil {
				logger.Warn("redis unavailable, workflow cache not invalidated", slog.Any("error", err))
			} else {
				defer rdb.Close()
				definitions = approval.NewDefinitionCache(rdb, cfg.WorkflowCacheTTL)
			}

			audit := shared.NewAuditLogger(pool)
			roles := rbac.NewService(rbac.NewRepository(pool), audit, logger)
			seeder := seed.Seeder{
				Roles:      roles,
				Users:      users.NewService(users.NewRepository(pool), roles, audit, logger),
				Workflows:  approval.NewWorkflowService(approval.NewRepository(pool), roles, audit, definitions, logger),
				Properties: movement.NewRepository(pool),
				Logger:     logger,
			}
			rep, err := seeder.Apply(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d roles, %d units, %d users (%d memberships), %d workflows, %d properties\n",
				rep.Roles, rep.Units, rep.Users, rep.Memberships, rep.Workflows, rep.Properties)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "deploy/seed/demo.yaml", "seed document")
	return cmd
}
