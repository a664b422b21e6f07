// Command pipeline runs the full batch: decode every device capture under
// the input directory, export feature tables, align each capture session
// across its device group and record the run in the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/csisync/internal/batch"
	"github.com/banshee-data/csisync/internal/config"
	"github.com/banshee-data/csisync/internal/ledger"
	"github.com/banshee-data/csisync/internal/monitoring"
	"github.com/banshee-data/csisync/internal/version"
)

var errRunFailed = errors.New("run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if batch.IsCancelled(err) {
			log.Printf("interrupted: %v", err)
			os.Exit(130)
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a .json or .yaml configuration file (defaults apply when empty)")
	inputDir := fs.String("input", "", "override input_dir")
	outputDir := fs.String("output", "", "override output_dir")
	ledgerPath := fs.String("ledger", "", "override ledger_path")
	listRuns := fs.Bool("list-runs", false, "list the runs recorded in the ledger and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, "pipeline", version.String())
		return nil
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *inputDir != "" {
		cfg.InputDir = inputDir
	}
	if *outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if *ledgerPath != "" {
		cfg.LedgerPath = ledgerPath
	}

	var l *ledger.Ledger
	if path := cfg.GetLedgerPath(); path != "" {
		var err error
		if l, err = ledger.Open(path); err != nil {
			return err
		}
		defer l.Close()
	}
	if *listRuns {
		if l == nil {
			return fmt.Errorf("-list-runs needs a ledger (set ledger_path or -ledger)")
		}
		return printRuns(ctx, l, stdout)
	}

	var metrics *monitoring.Metrics
	if cfg.GetMetricsPath() != "" {
		metrics = monitoring.NewMetrics()
	}

	monitoring.Logf("[pipeline] %s", version.String())
	r, err := batch.NewRunner(cfg, batch.Options{Ledger: l, Metrics: metrics})
	if err != nil {
		return err
	}
	sum, err := r.Run(ctx)
	if err != nil {
		return err
	}

	capFailed, alignFailed := sum.Failed()
	fmt.Fprintf(stdout, "run %s: %s, %d captures (%d failed), %d alignments (%d failed) in %s\n",
		sum.RunID, sum.Status, len(sum.Captures), capFailed, len(sum.Alignments), alignFailed, sum.Duration.Round(time.Millisecond))
	if sum.Status == ledger.StatusFailed {
		return errRunFailed
	}
	return nil
}

func printRuns(ctx context.Context, l *ledger.Ledger, w io.Writer) error {
	runs, err := l.Runs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tCAPTURES\tFAILED")
	for _, run := range runs {
		captures, err := l.Captures(ctx, run.ID)
		if err != nil {
			return err
		}
		failed := 0
		for _, c := range captures {
			if c.Status == ledger.StatusFailed {
				failed++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", run.ID, run.StartedAt.Format(time.RFC3339), run.Status, len(captures), failed)
	}
	return tw.Flush()
}
