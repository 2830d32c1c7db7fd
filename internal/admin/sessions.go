package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/vidcore/internal/chunkindex"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
	"github.com/abdul-hamid-achik/vidcore/internal/worker"
)

var gcBatch int32

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and garbage-collect upload sessions",
}

var sessionsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove expired sessions with their staged chunks",
	RunE:  runSessionsGC,
}

var sessionsInspectCmd = &cobra.Command{
	Use:   "inspect <id>",
	Short: "Show a session's state and missing chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsInspect,
}

func init() {
	sessionsGCCmd.Flags().Int32Var(&gcBatch, "batch", 500, "Maximum sessions per sweep")

	sessionsCmd.AddCommand(sessionsGCCmd)
	sessionsCmd.AddCommand(sessionsInspectCmd)
}

func openSessionManager(ctx context.Context) (*session.Manager, storage.Storage, func(), error) {
	store, pool, err := openStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)

	blobs, err := storage.NewMinIOStorage(&storage.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
		Region:    cfg.MinIORegion,
	})
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, nil, nil, fmt.Errorf("create storage: %w", err)
	}

	index := chunkindex.New(redisClient, cfg.SessionTTL)
	manager := session.NewManager(store, index, blobs,
		cfg.MaxFileSize, cfg.MaxChunkSize, cfg.SessionTTL)

	cleanup := func() {
		pool.Close()
		_ = redisClient.Close()
	}
	return manager, blobs, cleanup, nil
}

func runSessionsGC(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	manager, blobs, cleanup, err := openSessionManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sweeper := worker.NewSweeper(manager, blobs, 0, gcBatch)
	removed, err := sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]int{"removed": removed})
	}
	fmt.Printf("%s removed %d expired sessions\n", okIcon, removed)
	return nil
}

func runSessionsInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	store, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(sess)
	}

	fmt.Printf("%s session %s\n", infoIcon, sess.ID)
	fmt.Printf("  %s %s\n", color.HiBlackString("owner:"), sess.Owner)
	fmt.Printf("  %s %s\n", color.HiBlackString("state:"), sess.State)
	fmt.Printf("  %s %s\n", color.HiBlackString("file:"), sess.OriginalFilename)
	fmt.Printf("  %s %d/%d\n", color.HiBlackString("chunks:"), len(sess.Received), sess.TotalChunks)
	fmt.Printf("  %s %s\n", color.HiBlackString("expires:"), sess.ExpiresAt.Format(time.RFC3339))

	missing := sess.MissingChunks()
	if len(missing) > 0 {
		fmt.Printf("  %s %v\n", color.HiBlackString("missing:"), missing)
	}
	return nil
}
