package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/history"
	"github.com/wellpulse/loadsim/internal/logger"
	"github.com/wellpulse/loadsim/internal/profile"
	"github.com/wellpulse/loadsim/internal/runner"
	"github.com/wellpulse/loadsim/internal/schedule"
	"github.com/wellpulse/loadsim/internal/shutdown"
)

// Version is set at build time
var Version = "dev"

const usage = `Usage:
  loadsim [run] [flags]            generate load against a sink
  loadsim schedule --cron EXPR     repeat runs on a cron schedule
  loadsim history [--limit N]      list recorded runs
  loadsim profiles                 list load profiles
  loadsim version
`

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var code int
	switch cmd {
	case "run":
		code = runCommand(args)
	case "schedule":
		code = scheduleCommand(args)
	case "history":
		code = historyCommand(args)
	case "profiles":
		code = profilesCommand()
	case "version":
		fmt.Println(Version)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 1
	}
	os.Exit(code)
}

// loadConfig parses args into a config and sets up logging. Commands that
// generate load also validate it.
func loadConfig(fs *pflag.FlagSet, args []string, validate bool) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func runCommand(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	config.RegisterRunFlags(fs)

	cfg, err := loadConfig(fs, args, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	log.Info().Str("version", Version).Msg("Starting loadsim")
	if err := runOnce(context.Background(), cfg); err != nil {
		log.Error().Err(err).Msg("Run failed")
		return 1
	}
	return 0
}

// runOnce executes a single run with a fresh run context
func runOnce(ctx context.Context, cfg *config.Config) error {
	rc, err := runner.NewRunContext(cfg)
	if err != nil {
		return err
	}
	defer rc.Close()

	res, err := runner.Run(ctx, rc, cfg)
	if err != nil {
		return err
	}
	if res.Cancelled {
		log.Info().Msg("Run interrupted, partial results reported")
	}
	return nil
}

func scheduleCommand(args []string) int {
	fs := pflag.NewFlagSet("schedule", pflag.ContinueOnError)
	config.RegisterRunFlags(fs)
	fs.String("cron", "", "cron expression, e.g. \"0 */6 * * *\" or \"@hourly\"")

	cfg, err := loadConfig(fs, args, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	sched, err := schedule.New(cfg.Schedule.Cron, func(ctx context.Context) error {
		return runOnce(ctx, cfg)
	}, logger.Get("schedule"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Schedule error: %v\n", err)
		return 1
	}

	coord := shutdown.New(time.Minute, logger.Get("shutdown"))
	ctx, stop := coord.NotifyContext(context.Background())
	defer stop()

	coord.RegisterHook("scheduler", func(ctx context.Context) error {
		select {
		case <-sched.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, shutdown.PriorityProducers)

	if err := sched.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler")
		return 1
	}
	log.Info().
		Str("cron", cfg.Schedule.Cron).
		Time("next", sched.Next(time.Now())).
		Msg("Waiting for scheduled runs")

	<-ctx.Done()
	if err := coord.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduled run did not finish before the shutdown timeout")
	}

	log.Info().
		Int64("runs", sched.Runs()).
		Int64("skipped", sched.Skipped()).
		Int64("failed", sched.Failed()).
		Msg("Scheduler stopped")
	return 0
}

func historyCommand(args []string) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.String("config", "", "path to a loadsim.toml file")
	limit := fs.Int("limit", 20, "number of runs to show")

	cfg, err := loadConfig(fs, args, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if _, err := os.Stat(cfg.History.Path); errors.Is(err, os.ErrNotExist) {
		fmt.Println("No runs recorded yet.")
		return 0
	}

	store, err := history.Open(cfg.History.Path, logger.Get("history"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.List(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "History error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPROFILE\tSINK\tDURATION\tSENT\tFAILED\tSUCCESS\tP95\tSTATUS")
	for _, r := range runs {
		p95 := "-"
		if r.P95LatencyMs != nil {
			p95 = fmt.Sprintf("%.1fms", *r.P95LatencyMs)
		}
		status := "completed"
		if r.Cancelled {
			status = "cancelled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.2f%%\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Profile, r.Sink,
			r.Duration().Round(time.Second), r.ReadingsSent, r.ReadingsFailed,
			r.SuccessRate, p95, status)
	}
	_ = w.Flush()
	return 0
}

func profilesCommand() int {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tWELLS\tTAGS/WELL\tINTERVAL\tENTRIES/MIN\tDURATION\tREADINGS/SEC")
	for _, name := range profile.Names() {
		p, err := profile.Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%g\t%s\t%.0f\n",
			p.Name, p.WellCount, p.TagsPerWell, p.ReadingInterval,
			p.EntriesPerMinute, p.Duration, p.ReadingsPerSecond())
	}
	_ = w.Flush()
	return 0
}
