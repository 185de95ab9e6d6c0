package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-study-sync/internal/config"
	"github.com/chmdznr/oss-study-sync/internal/sync"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
	"github.com/chmdznr/oss-study-sync/pkg/utils"
)

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sites, err := selectSites(cfg, c.StringSlice("site"))
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	l := cfg.LocalLayout()
	fmt.Printf("Project: %s\n", cfg.Project)
	for _, site := range sites {
		scope := models.Scope{ProjectID: cfg.Project, SiteID: site.ID}
		stats, err := ledger.GetStats(c.Context, scope, l.SiteDir(cfg.Project, site.ID))
		if err != nil {
			return fmt.Errorf("failed to get stats for site %s: %w", site.ID, err)
		}
		fmt.Printf("\nSite: %s (%d subjects)\n", site.ID, len(site.Subjects))
		fmt.Printf("Files: %s (%s)\n", humanize.Comma(stats.Files), utils.FormatSize(stats.TotalSize))
		fmt.Printf("Deleted upstream: %s\n", humanize.Comma(stats.Tombstones))
		fmt.Printf("Pulls: %s, last %s\n", humanize.Comma(stats.Pulls), when(stats.LastPull))
		fmt.Printf("Pushes: %s, last %s\n", humanize.Comma(stats.Pushes), when(stats.LastPush))
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	pulls, err := ledger.PullsFor(c.Context, models.Scope{
		ProjectID: cfg.Project,
		SiteID:    c.String("site"),
		SubjectID: c.String("subject"),
		Source:    c.String("source"),
	})
	if err != nil {
		return fmt.Errorf("failed to list pulls: %w", err)
	}
	if limit := c.Int("limit"); limit > 0 && len(pulls) > limit {
		pulls = pulls[:limit]
	}
	if len(pulls) == 0 {
		fmt.Println("No pulls recorded")
		return nil
	}
	for _, p := range pulls {
		detail := p.FilePath
		if date := p.Metadata.String(sync.DateMetadataKey); date != "" {
			detail = date + " " + detail
		}
		fmt.Printf("%-14s %s/%s/%s %s (%s)\n",
			humanize.Time(p.Timestamp), p.SiteID, p.SubjectID, p.Source,
			detail, utils.FormatDuration(p.Duration))
	}
	return nil
}

func showMissing(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sc, err := findSource(cfg, c.String("source"))
	if err != nil {
		return err
	}
	start, err := parseDay("start", c.String("start"))
	if err != nil {
		return err
	}
	if start.IsZero() {
		if start, err = sc.Start(); err != nil {
			return err
		}
	}
	if start.IsZero() {
		return fmt.Errorf("source %s has no start_date: %w", sc.Name, errors.MissingFieldError{Field: "start"})
	}
	end, err := parseDay("end", c.String("end"))
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now()
	}
	force, err := forceRange(c)
	if err != nil {
		return err
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	scope := models.Scope{
		ProjectID: cfg.Project,
		SiteID:    c.String("site"),
		SubjectID: c.String("subject"),
		Source:    sc.Name,
	}
	days, err := sync.NewReconciler(ledger).MissingDates(c.Context, scope, start, end, force)
	if err != nil {
		return err
	}
	if len(days) == 0 {
		fmt.Println("Nothing to fetch")
		return nil
	}
	fmt.Printf("%d days to fetch:\n", len(days))
	for _, d := range days {
		fmt.Println(d.Format("2006-01-02"))
	}
	return nil
}

func findSource(cfg *config.Config, name string) (config.SourceConfig, error) {
	var names []string
	for _, sc := range cfg.Sources {
		if sc.Name == name {
			return sc, nil
		}
		names = append(names, sc.Name)
	}
	return config.SourceConfig{}, fmt.Errorf("source %q is not configured (have %s): %w",
		name, strings.Join(names, ", "), errors.ErrNotFound)
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
