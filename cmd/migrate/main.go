package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/repository/postgres"
)

func main() {
	cmd := &cli.Command{
		Name:  "sequence-migrate",
		Usage: "Apply the embedded PostgreSQL schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List the embedded migrations without applying them",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("list") {
				names, err := postgres.Migrations()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(" ", n)
				}
				fmt.Printf("Total: %d migrations\n", len(names))
				return nil
			}

			db, err := postgres.Open(ctx, cmd.String("database-url"), postgres.PoolConfig{MaxOpenConns: 2})
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := postgres.Migrate(ctx, db)
			if err != nil {
				return err
			}
			for _, n := range applied {
				logger.Info("migration applied", "file", n)
			}
			logger.Info("migrations complete", "applied", len(applied))
			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}
