package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stitchwork/stitch/internal/actor"
	"github.com/stitchwork/stitch/internal/journal"
	"github.com/stitchwork/stitch/internal/watcher"
)

// withActor builds the runtime, resolves the target repository, and runs fn
// against its actor.
func withActor(cmd *cobra.Command, fn func(*runtime, *actor.Actor) error) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	repo, err := resolveRepo(rt)
	if err != nil {
		return err
	}
	a, err := rt.registry.Get(repo)
	if err != nil {
		return err
	}
	return fn(rt, a)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reconcile tracker and journal in both directions",
		Long: `Pull every tracker issue into the local store, push unlinked
local issues to the tracker in rate-limited batches, and commit the
re-exported journal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, func(rt *runtime, a *actor.Actor) error {
				res, err := a.BulkSync(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Pulled %d remote issues, created %d, %d errors\n",
					res.RemotePulled, res.RemoteCreated, res.Errors)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the canonical journal for the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, func(rt *runtime, a *actor.Actor) error {
				content, err := a.ExportJournal(cmd.Context())
				if err != nil {
					return err
				}
				if out == "" {
					_, err = os.Stdout.Write(content)
					return err
				}
				return os.WriteFile(out, content, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a journal file into the local store",
		Long: `Read a journal file, upsert its issues into the local store, and
propagate changes to the tracker. Unparseable lines are reported and
skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, func(rt *runtime, a *actor.Actor) error {
				records, bad, err := journal.ReadFile(args[0])
				if err != nil {
					return err
				}
				journal.LogParseErrors(rt.logger, args[0], bad)
				if err := a.Import(cmd.Context(), records); err != nil {
					return err
				}
				fmt.Printf("Imported %d issues, skipped %d bad lines\n", len(records), len(bad))
				return nil
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <journal-file>",
		Short: "Watch a working-copy journal and import changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, func(rt *runtime, a *actor.Actor) error {
				w, err := watcher.New(a, args[0], &watcher.Config{
					DebounceInterval: debounce,
					Logger:           rt.logger,
				})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return w.Start(ctx)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before importing")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync health for the configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			var all []*actor.Status
			for _, a := range rt.registry.All() {
				st, err := a.Status(cmd.Context())
				if err != nil {
					return err
				}
				all = append(all, st)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		},
	}
}
