package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hoopslab/leaderboards/internal/app"
	"hoopslab/leaderboards/internal/cache"
	"hoopslab/leaderboards/internal/leaderboard"
	"hoopslab/leaderboards/internal/models"
)

var errRebuildsDisabled = errors.New("season rebuilds are disabled (REBUILDS_ENABLED=false)")

func rebuildCmd() *cobra.Command {
	var (
		season  int
		stats   []string
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild and store leaderboard payloads",
		Long: `Without --stat every stat of the season is rebuilt and progress is
reported under the season's progress key. With --stat only those payloads are
rebuilt, honouring the date and label filters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.parse()
			if err != nil {
				return err
			}
			if len(stats) == 0 && !f.IsZero() {
				return errors.New("filters require --stat")
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				if len(stats) == 0 {
					if !a.Config.RebuildsEnabled {
						return errRebuildsDisabled
					}
					if err := a.Scheduler.RebuildSeason(ctx, season); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d stat(s) for season %d.\n", a.Service.Catalog().Len(), season)
					return nil
				}

				for _, stat := range stats {
					res, err := a.Service.Build(ctx, season, stat, f)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d rows\n", stat, res.ETag, len(res.Payload.Rows))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	cmd.Flags().StringSliceVar(&stats, "stat", nil, "Stat key (repeatable)")
	filters.register(cmd)
	_ = cmd.MarkFlagRequired("season")
	return cmd
}

func backfillCmd() *cobra.Command {
	var from, to int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Rebuild every stat of a range of seasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from > to {
				return fmt.Errorf("--from %d is after --to %d", from, to)
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				if !a.Config.RebuildsEnabled {
					return errRebuildsDisabled
				}
				ids, err := a.DB.Seasons.IDs(ctx)
				if err != nil {
					return err
				}
				ids = seasonsInRange(ids, from, to)
				if len(ids) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No seasons between %d and %d.\n", from, to)
					return nil
				}

				start := time.Now()
				if err := a.Scheduler.RebuildSeasons(ctx, ids); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %d %s in %s.\n",
					len(ids), plural(len(ids), "season", "seasons"), time.Since(start).Round(time.Second))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&from, "from", 1, "First season id")
	cmd.Flags().IntVar(&to, "to", 0, "Last season id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var (
		seasons []int
		stats   []string
		reset   bool
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Refresh stored baseline aggregates",
		Long: `Refreshes leaderboard snapshots from live stat rows. Without filters or
--stat the unfiltered baseline of every stat is refreshed. Seasons default to
every known season.

--reset first deletes every stored snapshot of each season, filtered slices
included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.parse()
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				ids := seasons
				if len(ids) == 0 {
					if ids, err = a.DB.Seasons.IDs(ctx); err != nil {
						return err
					}
				}

				refreshed := 0
				for _, id := range ids {
					if reset {
						removed, err := a.Service.ResetSnapshots(ctx, id)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d snapshot(s) of season %d.\n", removed, id)
					}

					if f.IsZero() && len(stats) == 0 {
						n, err := a.Service.RefreshSeasonBaselines(ctx, id)
						refreshed += n
						if err != nil {
							return err
						}
						continue
					}

					keys := stats
					if len(keys) == 0 {
						keys = a.Service.Catalog().Keys()
					}
					for _, key := range keys {
						if _, err := a.Service.RefreshSnapshot(ctx, id, key, f); err != nil {
							return err
						}
						refreshed++
					}
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %d snapshot(s) across %d season(s).\n", refreshed, len(ids))
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&seasons, "season", nil, "Season id (repeatable)")
	cmd.Flags().StringSliceVar(&stats, "stat", nil, "Stat key (repeatable)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Delete the seasons' stored snapshots before refreshing")
	filters.register(cmd)
	return cmd
}

func invalidateCmd() *cobra.Command {
	var (
		season  int
		stat    string
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop hot cache entries",
		Long: `Drops hot cache entries of a season. --stat, --start and --end narrow the
match. When --label is given only entries with exactly those labels match.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.parse()
			if err != nil {
				return err
			}
			m := invalidationMatch(season, stat, f, cmd.Flags().Changed("label"))

			return withApp(func(ctx context.Context, a *app.App) error {
				removed, err := a.Service.Invalidate(ctx, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d cache %s.\n", removed, plural(removed, "entry", "entries"))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	cmd.Flags().StringVar(&stat, "stat", "", "Stat key")
	filters.register(cmd)
	_ = cmd.MarkFlagRequired("season")
	return cmd
}

// invalidationMatch builds the registry match for the invalidate command.
// Labels stay nil unless the caller filtered on them.
func invalidationMatch(season int, stat string, f models.Filters, labelsSet bool) cache.Match {
	spec := f.Spec()
	m := cache.Match{
		SeasonID: season,
		StatKey:  stat,
		Start:    spec.Start,
		End:      spec.End,
	}
	if labelsSet {
		m.Labels = leaderboard.NormalizeLabels(f.Labels)
		if m.Labels == nil {
			m.Labels = []string{}
		}
	}
	return m
}

func listCmd() *cobra.Command {
	var season int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest stored payload of every stat in a season",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				observations, err := a.DB.Stats.CountForSeason(ctx, season)
				if err != nil {
					return err
				}
				latest, err := a.Service.LatestForSeason(ctx, season)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Season %d: %d stat %s, %d of %d leaderboards stored.\n",
					season, observations, plural(int(observations), "row", "rows"), len(latest), a.Service.Catalog().Len())
				return writeSeasonList(cmd.OutOrStdout(), a.Service.Catalog().Keys(), latest)
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	_ = cmd.MarkFlagRequired("season")
	return cmd
}

// writeSeasonList prints one line per catalog stat in catalog order
func writeSeasonList(out io.Writer, keys []string, latest map[string]*models.Payload) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAT\tROWS\tBUILT")
	for _, key := range keys {
		payload, ok := latest[key]
		if !ok {
			fmt.Fprintf(w, "%s\t-\tnever\n", key)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", key, len(payload.Rows), payload.BuiltAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func versionsCmd() *cobra.Command {
	var (
		season  int
		stat    string
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List stored payload versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.parse()
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				versions, err := a.DB.Leaderboards.List(ctx, season, stat, leaderboard.VariantKey(leaderboard.NormalizeFilters(f)))
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tETAG\tSCHEMA\tFORMATTER\tUPDATED")
				for _, v := range versions {
					fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
						v.ID, v.ETag, v.SchemaVersion, v.FormatterVersion, v.UpdatedAt.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	cmd.Flags().StringVar(&stat, "stat", "", "Stat key")
	filters.register(cmd)
	_ = cmd.MarkFlagRequired("season")
	_ = cmd.MarkFlagRequired("stat")
	return cmd
}

func rollbackCmd() *cobra.Command {
	var (
		season  int
		stat    string
		etag    string
		filters filterFlags
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Delete stored versions newer than an etag",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filters.parse()
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app.App) error {
				removed, err := a.Service.Rollback(ctx, season, stat, f, etag)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d newer %s.\n", removed, plural(removed, "version", "versions"))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	cmd.Flags().StringVar(&stat, "stat", "", "Stat key")
	cmd.Flags().StringVar(&etag, "etag", "", "Etag of the version to keep as latest")
	filters.register(cmd)
	_ = cmd.MarkFlagRequired("season")
	_ = cmd.MarkFlagRequired("stat")
	_ = cmd.MarkFlagRequired("etag")
	return cmd
}

func progressCmd() *cobra.Command {
	var season int
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show season rebuild progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				p, err := a.Progress.Get(ctx, leaderboard.ProgressKey(season))
				if err != nil {
					return err
				}
				if p == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "No progress recorded for season %d.\n", season)
					return nil
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			})
		},
	}
	cmd.Flags().IntVar(&season, "season", 0, "Season id")
	_ = cmd.MarkFlagRequired("season")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				if err := a.DB.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Schema applied.")
				return nil
			})
		},
	}
}
