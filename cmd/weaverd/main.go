// Command weaverd hosts the kernel as a daemon: it recovers the world from
// the checkpoint folder, starts the scheduler and the periodic checkpointer,
// and serves the admin API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	slogmulti "github.com/samber/slog-multi"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/cache"
	"github.com/mudworks/weaver/checkpoint"
	"github.com/mudworks/weaver/restapi"
	"github.com/mudworks/weaver/scheduler"
	"github.com/mudworks/weaver/store"
)

func main() {
	configPath := flag.String("config", "weaver.json", "path to the JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	opts, err := loadOptions(configPath)
	if err != nil {
		return err
	}
	closeLog, err := configureLogging(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New()

	var cp *checkpoint.Checkpointer
	if opts.Checkpoint.Folder != "" {
		cp, err = checkpoint.Open(ctx, st, opts.Checkpoint)
		if err != nil {
			return fmt.Errorf("opening checkpoint folder %s: %w", opts.Checkpoint.Folder, err)
		}
		defer cp.Close()
		cp.Start(ctx)
	} else {
		log.Warn("no checkpoint folder configured, running without durability")
	}

	shared, err := cache.NewShared(opts.CacheType, opts.RedisConfig)
	if err != nil {
		return err
	}
	if err := shared.Ping(ctx); err != nil {
		log.Warn("shared cache unreachable, inspection caching degraded", "details", err)
	}

	sched := scheduler.New(ctx, st, opts.Scheduler)
	defer sched.Shutdown()

	admin := restapi.NewServer(st, sched, cp, shared, opts.Admin)
	log.Info("weaver kernel up", "version", weaver.Version, "store_version", st.CurrentVersion())
	return admin.Run(ctx)
}

// loadOptions reads the JSON config. A missing file is not an error; the
// kernel runs on defaults (no durability, no admin listener).
func loadOptions(path string) (weaver.Options, error) {
	var opts weaver.Options
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return opts, err
	}
	if err := weaver.NewMarshaler().Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", path, err)
	}
	return opts, nil
}

// configureLogging fans log records out to stdout (text, human-facing) and,
// when a checkpoint folder exists, a JSON log file next to the world data.
func configureLogging(opts weaver.Options) (func(), error) {
	weaver.ConfigureLogging()

	if opts.Checkpoint.Folder == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(opts.Checkpoint.Folder, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(opts.Checkpoint.Folder, "weaverd.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	handler := slogmulti.Fanout(
		log.NewTextHandler(os.Stdout, &log.HandlerOptions{Level: weaver.LogLevel()}),
		log.NewJSONHandler(io.Writer(f), &log.HandlerOptions{Level: weaver.LogLevel()}),
	)
	log.SetDefault(log.New(handler))
	return func() { f.Close() }, nil
}
