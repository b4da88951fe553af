package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/morphic-labs/imagewal"
	"github.com/morphic-labs/imagewal/internal/cliconfig"
	logpkg "github.com/morphic-labs/imagewal/pkg/log"
)

const longHelp = `Inspect, replay, follow, and compact imagewal transaction logs.

The log is a line-oriented append-only file of transactional frames. These
commands never require the owning process to be stopped except where noted
(truncate needs exclusive access).`

const exampleUsage = `  imagewal scan --log /data/index.wal
  imagewal replay --log /data/index.wal --from 120
  imagewal follow --log /data/index.wal
  imagewal truncate --log /data/index.wal --before 120`

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	zl := cliconfig.Logger()

	root := &cobra.Command{
		Use:     "imagewal",
		Short:   "Inspect and maintain imagewal transaction logs",
		Long:    longHelp,
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.imagewal/config.toml)")
	root.PersistentFlags().StringVar(&cfg.LogPath, "log", cfg.LogPath, "path to the log file")
	root.PersistentFlags().StringVar(&cfg.SnapshotDir, "snapshot-dir", cfg.SnapshotDir, "snapshot directory (defaults to <log dir>/snapshots)")
	root.PersistentFlags().IntVar(&cfg.Retain, "retain", cfg.Retain, "snapshots to keep")
	root.PersistentFlags().StringVar(&cfg.SyncMode, "sync-mode", cfg.SyncMode, "fsync policy: always or disabled")
	root.PersistentFlags().BoolVar(&cfg.Interleaved, "interleaved", cfg.Interleaved, "allow transactions with distinct tags to interleave")
	root.PersistentFlags().DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "follow-mode rescan debounce")
	root.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "debug logging")

	// load resolves config precedence: flags > env > file > defaults.
	load := func(cmd *cobra.Command) (logpkg.Logger, error) {
		cfgFile := cfgPath
		if cfgFile == "" {
			cfgFile = cliconfig.DefaultConfigPath()
		}

		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		if cfgFile != "" && cliconfig.FileExists(cfgFile) {
			fc, err := cliconfig.LoadFileConfig(cfgFile)
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
				return nil, err
			}
		}
		if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		level := zerolog.InfoLevel
		if cfg.Verbose {
			level = zerolog.DebugLevel
		}
		zl = zl.Level(level)
		return logpkg.NewZerologAdapterWithLogger(zl), nil
	}

	root.AddCommand(
		newScanCmd(&cfg, load),
		newVerifyCmd(&cfg, load),
		newReplayCmd(&cfg, load),
		newMarkCmd(&cfg, load),
		newTruncateCmd(&cfg, load),
		newFollowCmd(&cfg, load),
	)

	if err := root.Execute(); err != nil {
		zl.Error().Err(err).Msg("imagewal")
		os.Exit(1)
	}
}

type loadFunc func(cmd *cobra.Command) (logpkg.Logger, error)

func newScanCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Classify every frame in the log and report anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}

			res, scanErr := imagewal.Scan(cfg.LogPath, logger)
			if res != nil {
				for _, fr := range res.Frames {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-24s seq %d..%d entries %d\n",
						fr.Status, fr.Tag, fr.FirstSeq, fr.LastSeq, len(fr.Entries))
				}
				for _, d := range res.Diagnostics {
					fmt.Fprintf(cmd.OutOrStdout(), "diagnostic at byte %d: %s\n", d.Offset, d.Msg)
				}
			}
			return scanErr
		},
	}
}

func newVerifyCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Exit nonzero unless the log parses cleanly end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}

			res, err := imagewal.Scan(cfg.LogPath, logger)
			if err != nil {
				return err
			}
			if len(res.Diagnostics) > 0 {
				return fmt.Errorf("%d anomalies in %s (first: %s)",
					len(res.Diagnostics), cfg.LogPath, res.Diagnostics[0].Msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d frames, last sequence %d, clean\n",
				cfg.LogPath, len(res.Frames), res.LastSeq)
			return nil
		},
	}
}

func newReplayCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	var from uint64
	var skipOnError bool

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Dry-run replay: print every entry a recovery would apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}

			sink := imagewal.ApplyFunc(func(fr imagewal.Frame) error {
				for _, e := range fr.Entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s\n", e.Sequence, fr.Tag, e.Payload)
				}
				return nil
			})
			report, err := imagewal.Replay(cfg.LogPath, sink, imagewal.ReplayOptions{
				FromSequence: from,
				SkipOnError:  skipOnError,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d frame(s), skipped %d\n",
				report.Applied, len(report.Skipped))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "skip frames wholly at or before this sequence")
	cmd.Flags().BoolVar(&skipOnError, "skip-on-error", false, "continue past frames the sink rejects")
	return cmd
}

func newMarkCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <tag> [payload]",
		Short: "Append a standalone annotation record to the log",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}

			wal, err := imagewal.Open(cfg.LogPath, walOptions(cfg, logger)...)
			if err != nil {
				return err
			}
			defer wal.Close()

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			seq, err := wal.Mark(args[0], payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked at sequence %d\n", seq)
			return nil
		},
	}
}

func newTruncateCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Drop log entries below a snapshot-covered sequence",
		Long: `Rewrites the log without the entries strictly below --before. Requires a
snapshot covering the dropped prefix and exclusive access to the log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}
			seq, err := strconv.ParseUint(before, 10, 64)
			if err != nil {
				return fmt.Errorf("parse --before: %w", err)
			}
			if err := imagewal.TruncateLogBefore(cfg.LogPath, cfg.SnapshotDir, seq, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "truncated %s below sequence %s\n", cfg.LogPath, before)
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "drop entries with sequence strictly below this value")
	cmd.MarkFlagRequired("before")
	return cmd
}

func newFollowCmd(cfg *cliconfig.Config, load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "follow",
		Short: "Tail the log, printing frames as they complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := load(cmd)
			if err != nil {
				return err
			}
			return follow(cmd, cfg, logger)
		},
	}
}

// follow watches the log's directory and rescans after each burst of writes,
// printing frames not seen on a previous pass. Rescans are debounced so a
// busy writer does not trigger a scan per append.
func follow(cmd *cobra.Command, cfg *cliconfig.Config, logger logpkg.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: truncation replaces the file by
	// rename and a file watch would silently die with it.
	if err := watcher.Add(dirOf(cfg.LogPath)); err != nil {
		return fmt.Errorf("watch %s: %w", cfg.LogPath, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	seen := make(map[uint64]bool)
	emit := func() {
		res, err := imagewal.Scan(cfg.LogPath, logger)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Error("scan failed", logpkg.Err(err))
			}
			return
		}
		for _, fr := range res.Frames {
			if fr.Status == imagewal.StatusIncomplete || seen[fr.FirstSeq] {
				continue
			}
			seen[fr.FirstSeq] = true
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-24s seq %d..%d entries %d\n",
				fr.Status, fr.Tag, fr.FirstSeq, fr.LastSeq, len(fr.Entries))
		}
	}
	emit()

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(cfg.LogPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(cfg.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			emit()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", logpkg.Err(err))
		case <-sigCh:
			logger.Info("received signal, stopping")
			return nil
		}
	}
}

func dirOf(path string) string {
	return filepath.Dir(path)
}

func walOptions(cfg *cliconfig.Config, logger logpkg.Logger) []imagewal.Option {
	opts := []imagewal.Option{
		imagewal.WithLogger(logger),
		imagewal.WithSnapshotDir(cfg.SnapshotDir),
		imagewal.WithSnapshotRetention(cfg.Retain),
	}
	if cfg.SyncMode == "disabled" {
		opts = append(opts, imagewal.WithSyncMode(imagewal.SyncDisabled))
	}
	if cfg.Interleaved {
		opts = append(opts, imagewal.WithInterleavedTags())
	}
	return opts
}
