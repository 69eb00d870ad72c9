package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sync/internal/config"
	"github.com/austindbirch/harbor_sync/internal/content"
	"github.com/austindbirch/harbor_sync/internal/dispatch"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/payload"
	"github.com/austindbirch/harbor_sync/internal/queue"
)

// local is a dispatcher wired straight to the stores named by the
// environment, for commands that run next to the worker instead of
// talking to it.
type local struct {
	cfg        config.Config
	store      *content.SQLiteStore
	queue      queue.Store
	settings   config.Provider
	dispatcher *dispatch.Dispatcher
}

func openLocal(ctx context.Context, cfg config.Config) (*local, error) {
	store, err := content.OpenSQLite(ctx, cfg.ContentDB)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	q, err := queue.Open(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	builder, err := payload.NewBuilder(store, cfg.Dispatcher.PublicBaseURL)
	if err != nil {
		store.Close()
		q.Close()
		return nil, err
	}
	settings := config.FileProvider{Path: cfg.Dispatcher.TargetsFile}
	d := dispatch.New(dispatch.Deps{
		Queue:    q,
		Source:   store,
		Settings: settings,
		Builder:  builder,
		Client:   &http.Client{},
		Logger:   logging.New("syncctl"),
	}, dispatch.OptionsFromConfig(cfg.Dispatcher))
	return &local{cfg: cfg, store: store, queue: q, settings: settings, dispatcher: d}, nil
}

func (l *local) Close() error {
	return errors.Join(l.queue.Close(), l.store.Close())
}

func withLocal(fn func(ctx context.Context, l *local) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	l, err := openLocal(ctx, config.FromEnv())
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, l)
}

// SyncResult is printed by the sync command
type SyncResult struct {
	EntityID int64  `json:"entity_id"`
	TargetID string `json:"target_id"`
	Outcome  string `json:"outcome"`
	RemoteID string `json:"remote_id,omitempty"`
	Status   int    `json:"http_status,omitempty"`
	Error    string `json:"error,omitempty"`
}

func syncNow(ctx context.Context, l *local, entityID int64, targetID string) (SyncResult, error) {
	out, err := l.dispatcher.SyncNow(ctx, entityID, targetID)
	res := SyncResult{
		EntityID: entityID,
		TargetID: targetID,
		Outcome:  out.Kind.String(),
		RemoteID: out.RemoteID,
		Status:   out.Status,
	}
	if err != nil {
		res.Error = err.Error()
		if out.Kind == dispatch.Success {
			res.Outcome = "error"
		}
	}
	return res, err
}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync <entity-id> <target-id>",
	Short: "Push one entity to one target now, bypassing the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseEntityID(args[0])
		if err != nil {
			return err
		}
		return withLocal(func(ctx context.Context, l *local) error {
			res, err := syncNow(ctx, l, id, args[1])
			if outputJSON {
				printOutput(cmd.OutOrStdout(), res)
				return err
			}
			if err != nil {
				return fmt.Errorf("sync failed (%s): %w", res.Outcome, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entity %d synced to %s as %s\n", id, res.TargetID, res.RemoteID)
			return nil
		})
	},
}

// drainCmd represents the drain command
var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one dispatch tick against the queue",
	Long: `Claim a batch of due jobs, push them and reap exhausted ones, exactly
as one scheduled tick of the worker would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(ctx context.Context, l *local) error {
			sum, err := l.dispatcher.Tick(ctx)
			if outputJSON {
				printOutput(cmd.OutOrStdout(), sum)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d succeeded=%d retried=%d failed=%d dropped=%d reaped=%d\n",
				sum.Claimed, sum.Succeeded, sum.Retried, sum.Failed, sum.Dropped, sum.Reaped)
			return err
		})
	},
}

// queueCmd groups queue inspection subcommands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the replication job queue",
}

var queueDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Print the number of pending jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(ctx context.Context, l *local) error {
			n, err := l.queue.Depth(ctx)
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]int{"depth": n})
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) pending\n", n)
			return nil
		})
	},
}

var queueExhaustedCmd = &cobra.Command{
	Use:   "exhausted",
	Short: "List jobs that used up their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(ctx context.Context, l *local) error {
			maxRetries := l.cfg.Dispatcher.MaxRetries
			if maxRetries <= 0 {
				maxRetries = dispatch.DefaultMaxRetries
			}
			jobs, err := l.queue.ListExhausted(ctx, maxRetries)
			if err != nil {
				return err
			}
			if outputJSON {
				printOutput(cmd.OutOrStdout(), jobs)
				return nil
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No exhausted jobs")
				return nil
			}
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s entity=%d target=%s attempts=%d\n", j.ID, j.EntityID, j.TargetID, j.AttemptCount)
			}
			return nil
		})
	},
}

// targetsCmd represents the targets command
var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List configured targets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cfg := config.FromEnv()
		settings, err := config.FileProvider{Path: cfg.Dispatcher.TargetsFile}.Load(ctx)
		if err != nil {
			return err
		}
		type row struct {
			ID                 string  `json:"id"`
			BaseURL            string  `json:"base_url"`
			ExcludedCategories []int64 `json:"excluded_categories,omitempty"`
			PushMedia          bool    `json:"push_media"`
		}
		rows := make([]row, 0, len(settings.Targets))
		for _, t := range settings.Targets {
			rows = append(rows, row{ID: t.ID, BaseURL: t.BaseURL, ExcludedCategories: t.ExcludedCategories, PushMedia: t.PushMedia})
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{"auto_sync": settings.AutoSync, "targets": rows})
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "auto_sync=%v\n", settings.AutoSync)
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\texcluded=%v\tpush_media=%v\n", r.ID, r.BaseURL, r.ExcludedCategories, r.PushMedia)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueDepthCmd)
	queueCmd.AddCommand(queueExhaustedCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(targetsCmd)
}
