package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/conductor/internal/core/domain"
	"github.com/vietddude/conductor/internal/infra/storage"
	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
)

var (
	statusLimit int
	statusState string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted job history",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of recent jobs to show")
	statusCmd.Flags().StringVar(&statusState, "state", "", "only show jobs in this state")
	rootCmd.AddCommand(statusCmd)
}

// openHistory connects to the configured history database.
func openHistory(ctx context.Context) (*sqlstore.DB, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is not configured")
	}
	db, err := sqlstore.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	db, err := openHistory(ctx)
	if err != nil {
		slog.Error("Failed to open job history", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()
	repo := sqlstore.NewJobRepo(db)

	counts, err := repo.CountByState(ctx)
	if err != nil {
		slog.Error("Failed to count jobs", "error", err)
		os.Exit(1)
	}
	jobs, err := repo.List(ctx, storage.JobFilter{State: domain.JobState(statusState), Limit: statusLimit})
	if err != nil {
		slog.Error("Failed to list jobs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATE\tCOUNT")
	for _, state := range []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed, domain.JobStateCancelled} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", state, counts[state])
	}
	_ = w.Flush()
	fmt.Println()

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tCOMMAND\tSTATE\tEXIT\tATTEMPTS\tDURATION\tENDED")
	for _, job := range jobs {
		exit, duration := "-", "-"
		if job.Result != nil {
			exit = fmt.Sprint(job.Result.ExitCode)
			if d := job.Result.Duration(); d > 0 {
				duration = d.Round(time.Millisecond).String()
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.Command.String(), job.State, exit, job.Attempts, duration,
			job.EndedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
