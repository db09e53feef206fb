package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/artifact"
)

var statusCmd = &cobra.Command{
	Use:   "status [slug]",
	Short: "Show recorded tasks, or one task's record and artifact",
	Long: `Status lists every task slug with its last recorded state. With a slug it
prints that task's meta record, task artifact and latest audit.

Examples:
  autopilot status
  autopilot status add_request_validation`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, root)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 0 {
		return listTasks(ctx, cmd.OutOrStdout(), store)
	}
	return showTask(ctx, cmd.OutOrStdout(), store, args[0])
}

func listTasks(ctx context.Context, w io.Writer, store artifact.Store) error {
	metas, err := store.ListMeta(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(metas) == 0 {
		fmt.Fprintln(w, "no tasks recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tSTATUS\tRETRIES\tUPDATED")
	for _, m := range metas {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.Slug, m.Status, m.RetryCount, m.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showTask(ctx context.Context, w io.Writer, store artifact.Store, slug string) error {
	if err := artifact.ValidSlug(slug); err != nil {
		return err
	}
	meta, err := store.ReadMeta(ctx, slug)
	if err != nil {
		return fmt.Errorf("reading task %s: %w", slug, err)
	}

	fmt.Fprintf(w, "slug:    %s\n", meta.Slug)
	fmt.Fprintf(w, "status:  %s\n", meta.Status)
	fmt.Fprintf(w, "retries: %d\n", meta.RetryCount)
	fmt.Fprintf(w, "run:     %s\n", meta.RunID)
	if meta.Goal != "" {
		fmt.Fprintf(w, "goal:    %s\n", meta.Goal)
	}
	if meta.Message != "" {
		fmt.Fprintf(w, "message: %s\n", meta.Message)
	}

	for _, doc := range []struct {
		name string
		read func(context.Context, string) (string, error)
	}{
		{"task", store.ReadTask},
		{"audit", store.ReadAudit},
	} {
		content, err := doc.read(ctx, slug)
		if errors.Is(err, artifact.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s artifact: %w", doc.name, err)
		}
		fmt.Fprintf(w, "\n--- %s ---\n%s\n", doc.name, content)
	}
	return nil
}
