package admin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	dlqPipeline string
	dlqLimit    int32
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered jobs",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked jobs awaiting operator action",
	RunE:  runDLQList,
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead letter including its payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQShow,
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Republish a dead letter to its original pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRequeue,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Drop a dead letter permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqPipeline, "pipeline", "", "Filter by pipeline")
	dlqListCmd.Flags().Int32Var(&dlqLimit, "limit", 50, "Maximum entries to list")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	dlqCmd.AddCommand(dlqDeleteCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	letters, err := store.ListDeadLetters(ctx, dlqPipeline, dlqLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(letters)
	}

	if len(letters) == 0 {
		fmt.Printf("%s no dead letters\n", okIcon)
		return nil
	}

	for _, d := range letters {
		fmt.Printf("%s %s  %s  attempts=%d  %s\n",
			errIcon,
			d.ID,
			color.New(color.Bold).Sprint(d.Pipeline),
			d.Attempts,
			d.CreatedAt.Format(time.RFC3339),
		)
		fmt.Printf("  %s %s\n", color.HiBlackString("error:"), d.LastError)
	}
	return nil
}

func runDLQShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid dead letter id: %w", err)
	}

	store, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	d, err := store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(d)
	}

	fmt.Printf("%s dead letter %s\n", infoIcon, d.ID)
	fmt.Printf("  %s %s\n", color.HiBlackString("pipeline:"), d.Pipeline)
	fmt.Printf("  %s %d\n", color.HiBlackString("attempts:"), d.Attempts)
	fmt.Printf("  %s %s\n", color.HiBlackString("error:"), d.LastError)
	fmt.Printf("  %s %s\n", color.HiBlackString("created:"), d.CreatedAt.Format(time.RFC3339))
	if d.RequeuedAt != nil {
		fmt.Printf("  %s %s\n", color.HiBlackString("requeued:"), d.RequeuedAt.Format(time.RFC3339))
	}
	fmt.Printf("  %s %s\n", color.HiBlackString("payload:"), string(d.Payload))
	return nil
}

func runDLQRequeue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid dead letter id: %w", err)
	}

	store, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	enqueuer, redisClient, err := openEnqueuer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	d, err := store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	// Marking first makes double-requeue a visible error instead of a
	// silent duplicate job.
	if err := store.MarkDeadLetterRequeued(ctx, id); err != nil {
		return fmt.Errorf("dead letter already requeued or missing: %w", err)
	}

	if err := enqueuer.Enqueue(ctx, d.Pipeline, json.RawMessage(d.Payload)); err != nil {
		return fmt.Errorf("republish to %s: %w", d.Pipeline, err)
	}

	fmt.Printf("%s requeued %s to %s\n", okIcon, d.ID, d.Pipeline)
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid dead letter id: %w", err)
	}

	store, pool, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.DeleteDeadLetter(ctx, id); err != nil {
		return err
	}

	fmt.Printf("%s deleted %s\n", okIcon, id)
	return nil
}
