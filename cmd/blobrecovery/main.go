// Command blobrecovery restores replica invariants across a ring of
// storage nodes. It has two modes: merge (recovery within a single
// ring after a topology change) and dc (replica reconciliation
// across rings).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"blobring/recovery"
)

type maincmd struct{}

func main() {
	flag.Parse()

	err := subcmd.Run(context.Background(), maincmd{}, flag.Args())
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"merge": {F: c.merge},
		"dc":    {F: c.dc},
	}
}

func (c maincmd) merge(ctx context.Context, args []string) error {
	return run(ctx, "merge", args)
}

func (c maincmd) dc(ctx context.Context, args []string) error {
	return run(ctx, "dc", args)
}

func run(ctx context.Context, typ string, args []string) error {
	fs := flag.NewFlagSet(typ, flag.ContinueOnError)
	var (
		remote    = fs.String("r", "", "bootstrap node, host:port:family (required)")
		groupSpec = fs.String("g", "", "comma-separated group ids to recover")
		batch     = fs.Int("b", 1024, "batch size for bulk operations")
		workers   = fs.Int("n", 1, "worker count")
		minTime   = fs.String("t", "", "min timestamp: epoch seconds or 12h/1d/4w")
		tmpDir    = fs.String("D", "", "tmp dir; the %TYPE% literal is substituted")
		lockFile  = fs.String("k", "", "advisory lockfile path")
		logPath   = fs.String("l", "", "log file path")
		logLevel  = fs.Int("L", 1, "log verbosity")
		dryRun    = fs.Bool("N", false, "dry run: diff only, no transfers")
		safe      = fs.Bool("S", false, "safe mode: no source deletion after merge")
		statsFmt  = fs.String("s", "text", "stats output format: text or none")
		monPort   = fs.Int("m", 0, "monitor HTTP port")
		wait      = fs.Int("w", 60, "per-operation wait timeout, seconds")
		debug     = fs.Bool("d", false, "debug logging")
		pause     = fs.Bool("e", false, "pause for user input at exit")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	groups, err := parseGroups(*groupSpec)
	if err != nil {
		return err
	}

	cfg := recovery.Config{
		Remote:      *remote,
		Groups:      groups,
		BatchSize:   *batch,
		Workers:     *workers,
		MinTimeSpec: *minTime,
		TmpDir:      *tmpDir,
		LockFile:    *lockFile,
		LogPath:     *logPath,
		LogLevel:    *logLevel,
		DryRun:      *dryRun,
		Safe:        *safe,
		StatsFormat: *statsFmt,
		MonitorPort: *monPort,
		WaitTimeout: time.Duration(*wait) * time.Second,
		Debug:       *debug,
		PauseAtExit: *pause,
	}

	rctx, err := recovery.NewContext(typ, cfg)
	if err != nil {
		return err
	}
	defer rctx.Close()

	switch typ {
	case "merge":
		return recovery.NewMergeCoordinator(rctx).Run(ctx)
	case "dc":
		return recovery.NewDcCoordinator(rctx).Run(ctx)
	}
	return errors.Errorf("unknown recovery type %s", typ)
}

func parseGroups(spec string) ([]int, error) {
	if spec == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(spec, ",") {
		g, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing group %q", part)
		}
		out = append(out, g)
	}
	return out, nil
}
