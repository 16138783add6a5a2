package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/backup"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/config"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/logx"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/metrics"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/schedule"
	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/version"
)

// Test seams: overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)          = config.Load
	newRunner  func(cfg config.Config) *backup.Runner = defaultRunner
	exit       func(int)                              = os.Exit
)

func defaultRunner(cfg config.Config) *backup.Runner {
	return backup.NewRunner(cfg.Workdir, cfg.RetryOptions())
}

const usage = `
Usage:
  backuplet run  [--interval <duration>]
  backuplet once
  backuplet version | --version | -v
  backuplet help    | --help    | -h

Notes:
  - Any invocation carrying --interval runs in continuous mode.
  - Settings come from env vars (or BACKUP_CONFIG_FILE, a YAML file):
      BACKUP_INTERVAL, BACKUP_ERRORS (propagate|log), BACKUP_CLOUD (google|aws|azure),
      BACKUP_PATH, RETHINK_HOST, RETHINK_DB, RETHINK_USER, RETHINK_PASSWORD ...
  - First SIGINT/SIGTERM stops scheduling (the running cycle completes), a second one aborts.
`

// main wires CLI -> config -> runner.
// Exit codes: 0 success, 1 runtime/config error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
		return
	}
	action := strings.ToLower(args[0])

	if action == "version" || action == "--version" || action == "-v" {
		fmt.Printf("backuplet %s\n", version.Info())
		exit(0)
		return
	}

	if action == "help" || action == "--help" || action == "-h" {
		fmt.Print(usage)
		exit(0)
		return
	}

	interval, hasInterval := intervalArg(args)
	var continuous bool
	switch {
	case action == "run" || hasInterval:
		continuous = true
	case action == "once":
	default:
		fmt.Print(usage)
		exit(2)
		return
	}
	if interval != "" {
		// the flag wins over BACKUP_INTERVAL
		_ = os.Setenv("BACKUP_INTERVAL", interval)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
		return
	}

	r := newRunner(cfg)
	if r.Registry == nil {
		r.Registry = schedule.NewRegistry()
	}
	rc := cfg.RunContext(continuous)

	ctx := withSignals(context.Background(), func() {
		n := r.Registry.CancelAll()
		log.Info().Str("action", "shutdown").Int("timers", n).Msg("shutdown requested, no further cycle will start")
	})

	if continuous && cfg.MetricsAddr != "" {
		r.Metrics = metrics.New()
		stop := r.Metrics.Serve(cfg.MetricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stop(sctx)
		}()
	}

	start := time.Now()
	if err := r.Run(ctx, rc); err != nil {
		log.Error().Err(err).Str("action", "backup").Bool("continuous", continuous).Msg("backup failed")
		exit(1)
		return
	}
	log.Info().
		Str("action", "backup").
		Str("backend", string(rc.Target.Kind())).
		Bool("continuous", continuous).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup OK")
}

// intervalArg finds --interval, --interval=<d> or --interval <d> in args.
func intervalArg(args []string) (value string, ok bool) {
	for i, a := range args {
		if a == "--interval" {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				return args[i+1], true
			}
			return "", true
		}
		if v, found := strings.CutPrefix(a, "--interval="); found {
			return v, true
		}
	}
	return "", false
}

// withSignals calls onFirst on the first SIGINT/SIGTERM and cancels the
// returned context on the next one. A nil onFirst cancels on the first signal.
func withSignals(parent context.Context, onFirst func()) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		if onFirst != nil {
			select {
			case <-ch:
				onFirst()
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
