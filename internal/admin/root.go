// Package admin implements the vidadmin operator CLI: dead letter queue
// inspection and requeue, session garbage collection, and token minting.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/abdul-hamid-achik/job-queue/pkg/broker"
	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/vidcore/internal/config"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
)

var (
	jsonOutput bool
	cfg        *config.Config
)

var (
	okIcon   = color.GreenString("✓")
	errIcon  = color.RedString("✗")
	infoIcon = color.CyanString("→")
)

var rootCmd = &cobra.Command{
	Use:   "vidadmin",
	Short: "vidcore operator CLI - inspect pipelines, requeue dead letters, sweep sessions",
	Long: `vidadmin is the operations CLI for a vidcore deployment.

Examples:
  vidadmin dlq list                      # List parked jobs
  vidadmin dlq requeue <id>              # Put a dead letter back on its pipeline
  vidadmin sessions gc                   # Sweep expired upload sessions
  vidadmin token issue --owner <uuid>    # Mint a bearer token`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load()
		return err
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON (for scripting)")

	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(tokenCmd)
}

func openStore(ctx context.Context) (*db.Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return db.NewStore(pool), pool, nil
}

func openEnqueuer(ctx context.Context) (queue.Enqueuer, *redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	b := broker.NewRedisStreamsBroker(client,
		broker.WithWorkerID(fmt.Sprintf("vidadmin-%d", os.Getpid())),
	)
	return queue.NewBrokerEnqueuer(b), client, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
