// Command lbctl maintains the leaderboard cache.
//
// Usage:
//
//	lbctl rebuild --season 7
//	lbctl rebuild --season 7 --stat points --start 2025-01-01 --label shell
//	lbctl backfill --from 1 --to 6
//	lbctl snapshot --season 7 --stat ft_pct --label live
//	lbctl snapshot --season 7 --reset
//	lbctl invalidate --season 7 --stat points
//	lbctl list --season 7
//	lbctl versions --season 7 --stat points
//	lbctl rollback --season 7 --stat points --etag 9f2c...
//	lbctl progress --season 7
//	lbctl migrate
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hoopslab/leaderboards/internal/app"
	"hoopslab/leaderboards/internal/config"
	"hoopslab/leaderboards/internal/leaderboard"
	"hoopslab/leaderboards/internal/models"
)

func main() {
	setupLogger()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lbctl",
		Short:        "Leaderboard cache maintenance",
		SilenceUsage: true,
	}

	root.AddCommand(rebuildCmd())
	root.AddCommand(backfillCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(invalidateCmd())
	root.AddCommand(listCmd())
	root.AddCommand(versionsCmd())
	root.AddCommand(rollbackCmd())
	root.AddCommand(progressCmd())
	root.AddCommand(migrateCmd())
	return root
}

// setupLogger writes human readable logs to stderr so command output stays
// clean on stdout
func setupLogger() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	level := zerolog.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

// withApp loads configuration, connects every backend and runs fn
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

// filterFlags are the date and label filters shared by several commands
type filterFlags struct {
	start  string
	end    string
	labels []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&f.labels, "label", nil, "Session label filter (repeatable)")
}

func (f *filterFlags) parse() (models.Filters, error) {
	return leaderboard.ParseFilters(f.start, f.end, strings.Join(f.labels, ","))
}

// seasonsInRange keeps the ids within [from, to]
func seasonsInRange(ids []int, from, to int) []int {
	var out []int
	for _, id := range ids {
		if id >= from && id <= to {
			out = append(out, id)
		}
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
