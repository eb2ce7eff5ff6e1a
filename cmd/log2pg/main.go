// Command log2pg tails configured log files, segments appended bytes into
// records, and forwards them as batched INSERTs to PostgreSQL. It loads a
// YAML configuration file, starts the watcher/parser/writer pipeline, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/torrentg/log2pg/internal/config"
	"github.com/torrentg/log2pg/internal/pipeline"
)

const version = "0.1.0"

// daemonizedEnvVar marks a re-exec'd child so it does not daemonize again.
const daemonizedEnvVar = "LOG2PG_DAEMONIZED"

func main() {
	os.Exit(run())
}

func run() int {
	var daemon, seek0, showVersion bool
	var file string

	flag.BoolVar(&daemon, "d", false, "detach and run as a daemon")
	flag.BoolVar(&daemon, "daemon", false, "detach and run as a daemon")
	flag.StringVar(&file, "f", "/etc/log2pg/log2pg.yaml", "path to the configuration file")
	flag.StringVar(&file, "file", "/etc/log2pg/log2pg.yaml", "path to the configuration file")
	flag.BoolVar(&seek0, "s", false, "read pre-existing file contents from the beginning instead of the current end")
	flag.BoolVar(&seek0, "seek0", false, "read pre-existing file contents from the beginning instead of the current end")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("log2pg " + version)
		return 0
	}

	if daemon && os.Getenv(daemonizedEnvVar) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "log2pg: daemonize: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := config.LoadConfig(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log2pg: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Syslog)
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("path", file),
		slog.Int("directories", len(cfg.Directories)),
		slog.Int("tables", len(cfg.Tables)),
	)

	p := pipeline.New(cfg, pipeline.WithLogger(logger), pipeline.WithSeek0(seek0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", slog.Any("error", err))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-p.Done():
		logger.Error("pipeline terminated itself")
	}

	p.Stop()

	if err := p.Err(); err != nil {
		logger.Error("pipeline exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("log2pg exited cleanly")
	return 0
}

// daemonize re-execs the current binary with a sentinel environment
// variable and Setsid set on the child's process attributes, then exits
// the parent. Go cannot safely fork() a multi-threaded process, so
// re-exec is the portable way to detach: the child becomes its own
// session leader at exec time instead of via a separate setsid() call.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), daemonizedEnvVar+"=1"),
		Files: []*os.File{devnull, os.Stdout, os.Stderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	return proc.Release()
}

// newLogger builds the process-wide JSON handler, tagged with the
// configured syslog tag, at the configured minimum level.
func newLogger(s config.Syslog) *slog.Logger {
	var level slog.Level
	switch s.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("tag", s.Tag))
}
