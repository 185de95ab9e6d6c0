package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/oss-study-sync/internal/config"
	"github.com/chmdznr/oss-study-sync/internal/db"
	"github.com/chmdznr/oss-study-sync/internal/sink"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/internal/sync"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openLedger(cfg *config.Config) (*db.DB, error) {
	ledger, err := db.New(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return ledger, nil
}

// selectSites returns the configured sites named in ids, or all of them.
func selectSites(cfg *config.Config, ids []string) ([]config.Site, error) {
	if len(ids) == 0 {
		if len(cfg.Sites.Items) == 0 {
			return nil, fmt.Errorf("no sites configured: %w", errors.ErrInvalidArgument)
		}
		return cfg.Sites.Items, nil
	}
	sites := make([]config.Site, 0, len(ids))
	for _, id := range ids {
		site, ok := cfg.Sites.Find(id)
		if !ok {
			return nil, fmt.Errorf("site %q is not configured: %w", id, errors.ErrNotFound)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// buildSources resolves every configured source through reg.
func buildSources(cfg *config.Config, reg *source.Registry) ([]sync.SourceSpec, error) {
	specs := make([]sync.SourceSpec, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		spec := sync.SourceSpec{
			Name:     sc.Name,
			Modality: sc.ModalityOrName(),
			Root:     sc.Root,
		}
		if reg.IsDated(sc.Type) {
			dated, err := reg.ResolveDated(sc.Source())
			if err != nil {
				return nil, err
			}
			start, err := sc.Start()
			if err != nil {
				return nil, err
			}
			spec.Dated = dated
			spec.Start = start
		} else {
			srcCfg := sc.Source()
			srcCfg.Fingerprint = cfg.FingerprintOptions()
			tree, err := reg.Resolve(srcCfg)
			if err != nil {
				return nil, err
			}
			spec.Tree = tree
			spec.Walk = sync.WalkerConfig{
				Include:         sc.Include,
				CaseInsensitive: sc.CaseInsensitive,
			}
			if m := sc.Marker; m != nil {
				spec.Walk.Marker = &sync.MarkerConfig{
					Name:           m.Name,
					ScopeField:     m.ScopeField,
					TimestampField: m.TimestampField,
				}
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// buildSinks resolves every configured sink through reg.
func buildSinks(cfg *config.Config, reg *sink.Registry) ([]sync.SinkSpec, error) {
	specs := make([]sync.SinkSpec, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		s, err := reg.Resolve(sc.Sink())
		if err != nil {
			return nil, err
		}
		specs = append(specs, sync.SinkSpec{ID: sc.ID, Sink: s})
	}
	return specs, nil
}

func retryPolicy(cfg *config.Config) sync.RetryPolicy {
	return sync.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		MaxElapsed:      cfg.Retry.MaxElapsed,
		MaxAttempts:     cfg.Retry.MaxAttempts,
	}
}

// parseDay parses a YYYY-MM-DD flag value. Empty yields the zero time.
func parseDay(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(source.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s %q: expected YYYY-MM-DD: %w", name, value, errors.ErrInvalidArgument)
	}
	return t, nil
}

func forceRange(c *cli.Context) (sync.DateRange, error) {
	return parseForceRange(c.String("force-start"), c.String("force-end"))
}

// parseForceRange reads the --force-start/--force-end pair. Either bound
// alone forces that single day.
func parseForceRange(startValue, endValue string) (sync.DateRange, error) {
	start, err := parseDay("force-start", startValue)
	if err != nil {
		return sync.DateRange{}, err
	}
	end, err := parseDay("force-end", endValue)
	if err != nil {
		return sync.DateRange{}, err
	}
	switch {
	case end.IsZero():
		end = start
	case start.IsZero():
		start = end
	}
	if start.After(end) {
		return sync.DateRange{}, fmt.Errorf("--force-start %s is after --force-end %s: %w",
			startValue, endValue, errors.ErrInvalidArgument)
	}
	return sync.DateRange{Start: start, End: end}, nil
}
