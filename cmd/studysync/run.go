package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-study-sync/internal/sink"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/internal/sync"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/utils"
)

func runSync(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sites, err := selectSites(cfg, c.StringSlice("site"))
	if err != nil {
		return err
	}
	end, err := parseDay("end", c.String("end"))
	if err != nil {
		return err
	}
	force, err := forceRange(c)
	if err != nil {
		return err
	}

	sources, err := buildSources(cfg, source.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("failed to set up sources: %w", err)
	}
	sinks, err := buildSinks(cfg, sink.DefaultRegistry())
	if err != nil {
		return fmt.Errorf("failed to set up sinks: %w", err)
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	every := c.Duration("every")
	for {
		for _, site := range sites {
			var bar *pb.ProgressBar
			opts := sync.Options{
				Layout:    cfg.LocalLayout(),
				Algorithm: cfg.HashAlgorithm(),
				Retry:     retryPolicy(cfg),
				Logger:    log.StandardLogger(),
			}
			if c.Bool("progress") && !c.Bool("log-json") {
				bar = pb.New(len(sources) * len(site.Subjects))
				bar.SetWriter(os.Stderr)
				bar.SetTemplateString(`Site {{string . "site"}} {{counters . }} {{bar . }} {{percent . }} {{string . "unit"}}`)
				bar.Set("site", site.ID)
				bar.Start()
				opts.OnUnit = func(source, subject string) {
					bar.Set("unit", source+"/"+subject)
					bar.Increment()
				}
			}

			runner := sync.NewRunner(afero.NewOsFs(), ledger, opts)
			sum, err := runner.Run(ctx, sync.RunScope{
				ProjectID: cfg.Project,
				SiteID:    site.ID,
				Subjects:  site.Subjects,
				End:       end,
				Force:     force,
			}, sources, sinks)
			if bar != nil {
				bar.Finish()
			}
			if sum != nil {
				printSummary(site.ID, sum)
			}
			if errors.Is(err, context.Canceled) {
				log.Info("Interrupted")
				return nil
			}
			if err != nil {
				return fmt.Errorf("site %s: %w", site.ID, err)
			}
		}

		if every <= 0 {
			return nil
		}
		log.WithField("next", time.Now().Add(every).Format(time.RFC3339)).Info("Waiting for next run")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(every):
		}
	}
}

func printSummary(site string, sum *sync.Summary) {
	fmt.Printf("Site %s (run %s, %s)\n", site, sum.RunID, utils.FormatDuration(sum.Duration))
	fmt.Printf("  Fetched: %d  Skipped: %d  Tombstoned: %d  Empty days: %d\n",
		sum.Fetched, sum.Skipped, sum.Tombstoned, sum.Empty)
	fmt.Printf("  Pushed: %d  Already delivered: %d\n", sum.Pushed, sum.PushSkipped)
	if len(sum.Failures) > 0 {
		fmt.Printf("  Failures: %d\n", len(sum.Failures))
		for _, f := range sum.Failures {
			fmt.Printf("    - %v\n", f)
		}
	}
}
