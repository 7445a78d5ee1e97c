package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/donmikel/photobatch/applications/client/domain"
	"github.com/donmikel/photobatch/applications/client/persistence"
	"github.com/donmikel/photobatch/applications/client/queue"
	"github.com/donmikel/photobatch/applications/client/runtime"
)

var version = "dev"

type globalFlags struct {
	server      string
	stateDir    string
	uploadedBy  string
	concurrency int
	retries     int
	debug       bool
}

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "photobatch",
		Short: "Upload batches of photos to an event",
		Long: `photobatch uploads photos to an event gallery.

Uploads are kept in a local session so an interrupted batch can be
resumed where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.server, "server", "http://localhost:8002", "upload server base URL")
	rootCmd.PersistentFlags().StringVar(&g.stateDir, "state-dir", defaultStateDir(), "directory for upload sessions")
	rootCmd.PersistentFlags().StringVar(&g.uploadedBy, "user", "", "uploader name sent with each photo")
	rootCmd.PersistentFlags().IntVar(&g.concurrency, "concurrency", queue.DefaultMaxConcurrent, "parallel uploads")
	rootCmd.PersistentFlags().IntVar(&g.retries, "retries", queue.DefaultMaxRetries, "retries per file")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "verbose logging")

	rootCmd.AddCommand(
		uploadCmd(&g),
		sessionsCmd(&g),
		resumeCmd(&g),
		pruneCmd(&g),
		historyCmd(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".photobatch"
	}
	return filepath.Join(dir, "photobatch")
}

func newLogger(debug bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if debug {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowWarn())
}

func newRuntime(g *globalFlags) (*runtime.Runtime, error) {
	return runtime.New(runtime.Config{
		ServerURL:     g.server,
		StateDir:      g.stateDir,
		UploadedBy:    g.uploadedBy,
		MaxConcurrent: g.concurrency,
		MaxRetries:    g.retries,
	}, newLogger(g.debug))
}

func uploadCmd(g *globalFlags) *cobra.Command {
	var eventID string

	cmd := &cobra.Command{
		Use:   "upload <files...>",
		Short: "Upload photos to an event",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g)
			if err != nil {
				return err
			}
			session, err := rt.NewSession(eventID, args)
			if err != nil {
				return err
			}
			fmt.Printf("session %s: %d files, %s\n", session.ID, len(session.Files), humanize.IBytes(uint64(session.TotalBytes())))
			return run(cmd.Context(), rt, session)
		},
	}

	cmd.Flags().StringVar(&eventID, "event", "", "event to upload to")
	_ = cmd.MarkFlagRequired("event")

	return cmd
}

func resumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g)
			if err != nil {
				return err
			}
			session, err := rt.Open(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("resuming session %s: %d of %d files left\n", session.ID, len(session.Pending()), len(session.Files))
			return run(cmd.Context(), rt, session)
		},
	}
}

// run uploads session until it is done or the process is interrupted. An
// interrupted session stays on disk for resume.
func run(parent context.Context, rt *runtime.Runtime, session *domain.Session) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	upload, err := rt.Start(ctx, session)
	if err != nil {
		return err
	}
	upload.Queue.Subscribe(printEvent)

	waitErr := upload.Wait(ctx)
	if err := upload.Close(); err != nil {
		return err
	}

	stats := upload.Queue.GetStats()
	if waitErr != nil {
		fmt.Printf("interrupted: %d of %d uploaded, resume with: photobatch resume %s\n", stats.Completed, stats.Total, session.ID)
		return nil
	}
	fmt.Printf("done: %d uploaded, %d failed\n", stats.Completed, stats.Failed)
	if stats.Failed > 0 {
		return fmt.Errorf("%d files failed to upload", stats.Failed)
	}
	return nil
}

func printEvent(e queue.Event) {
	switch e.Type {
	case queue.EventFileCompleted:
		fmt.Printf("  ✓ %s (%s)\n", e.File.File.Name, humanize.IBytes(uint64(e.File.File.Size)))
	case queue.EventFileRetrying:
		fmt.Printf("  ↻ %s: %s, retry %d in %s\n", e.File.File.Name, e.File.Error, e.Attempt, e.Delay)
	case queue.EventFileFailed:
		fmt.Printf("  ✗ %s: %s\n", e.File.File.Name, e.File.Error)
	}
}

func sessionsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with uploads left",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g)
			if err != nil {
				return err
			}
			pending, err := rt.Resumable()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending uploads")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tEVENT\tPENDING\tREMAINING\tUPDATED")
			for _, p := range pending {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", p.ID, p.EventID, p.PendingCount, p.FileCount,
					humanize.IBytes(uint64(p.RemainingSize)), humanize.Time(p.UpdatedAt))
			}
			return w.Flush()
		},
	}
}

func pruneCmd(g *globalFlags) *cobra.Command {
	var (
		retention time.Duration
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old upload sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g)
			if err != nil {
				return err
			}
			prune := persistence.Prune
			if all {
				prune = persistence.PruneAll
			}
			n, err := prune(rt.Store(), retention, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d sessions\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "keep sessions updated within this window")
	cmd.Flags().BoolVar(&all, "all", false, "also delete unfinished sessions")

	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show recently finished sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(g)
			if err != nil {
				return err
			}
			entries, err := rt.History()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tEVENT\tUPLOADED\tFAILED\tSIZE\tFINISHED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n", e.SessionID, e.EventID, e.Completed, e.FileCount, e.Failed,
					humanize.IBytes(uint64(e.TotalBytes)), humanize.Time(e.FinishedAt))
			}
			return w.Flush()
		},
	}
}
