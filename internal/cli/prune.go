package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/conductor/internal/infra/storage/sqlstore"
)

var pruneCmd = &cobra.Command{
	Use:   "prune [older_than]",
	Short: "Delete persisted jobs that ended before the given age (e.g. 720h)",
	Args:  cobra.ExactArgs(1),
	Run:   runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) {
	age, err := time.ParseDuration(args[0])
	if err != nil || age <= 0 {
		fmt.Printf("Invalid age %q: expected a positive duration\n", args[0])
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := openHistory(ctx)
	if err != nil {
		slog.Error("Failed to open job history", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	before := time.Now().Add(-age)
	n, err := sqlstore.NewJobRepo(db).DeleteBefore(ctx, before)
	if err != nil {
		slog.Error("Failed to prune jobs", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Deleted %d jobs that ended before %s\n", n, before.Format(time.RFC3339))
}
