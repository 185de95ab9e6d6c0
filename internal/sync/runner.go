package sync

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/sink"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// SourceSpec is one configured source. Exactly one of Tree and Dated is set.
type SourceSpec struct {
	Name     string
	Modality string
	// Root is the remote directory holding one directory per subject.
	Root  string
	Tree  source.Source
	Dated source.DatedSource
	// Walk configures the tree walk. Its Layout and Algorithm are taken
	// from the runner.
	Walk WalkerConfig
	// Start is the first day a dated source is reconciled from.
	Start time.Time
}

// SinkSpec is one configured sink.
type SinkSpec struct {
	ID   string
	Sink sink.Sink
}

// RunScope is the (project, site) a run covers.
type RunScope struct {
	ProjectID string
	SiteID    string
	Subjects  []string
	// End is the last day dated sources are reconciled to. Zero means today.
	End time.Time
	// Force is re-fetched from dated sources even when already pulled.
	Force DateRange
}

// ItemFailure is a per-item error that did not stop the run.
type ItemFailure struct {
	Scope  models.Scope
	Source string
	Sink   string
	Path   string
	Err    error
}

func (f ItemFailure) Error() string {
	var b strings.Builder
	b.WriteString(f.Scope.String())
	if f.Sink != "" {
		b.WriteString(" -> " + f.Sink)
	}
	if f.Path != "" {
		b.WriteString(" " + f.Path)
	}
	b.WriteString(": " + f.Err.Error())
	return b.String()
}

func (f ItemFailure) Unwrap() error { return f.Err }

// Summary reports what a run did.
type Summary struct {
	RunID       string
	Started     time.Time
	Duration    time.Duration
	Fetched     int
	Skipped     int
	Tombstoned  int
	Empty       int
	Pushed      int
	PushSkipped int
	Failures    []ItemFailure
}

// Options configures a Runner.
type Options struct {
	Layout    layout.Layout
	Algorithm identity.Algorithm
	Retry     RetryPolicy
	Logger    log.FieldLogger
	// OnUnit is called after each (source, subject) unit of a run.
	OnUnit func(source, subject string)
}

// Runner executes sync runs. It is the scheduler-facing entry point and the
// only place retry policy is applied.
type Runner struct {
	fs         afero.Fs
	ledger     Ledger
	opts       Options
	gate       *Gate
	reconciler *Reconciler
	dated      *DatedFetcher
	log        log.FieldLogger
	now        func() time.Time
}

// NewRunner returns a runner writing the local tree on fs.
func NewRunner(fs afero.Fs, ledger Ledger, opts Options) *Runner {
	if opts.Algorithm == "" {
		opts.Algorithm = identity.DefaultAlgorithm
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Runner{
		fs:         fs,
		ledger:     ledger,
		opts:       opts,
		gate:       NewGate(ledger),
		reconciler: NewReconciler(ledger),
		dated:      NewDatedFetcher(fs, ledger, opts.Layout, opts.Algorithm),
		log:        logger,
		now:        time.Now,
	}
}

// Run syncs every source for every subject of scope and relays what it
// holds to every sink. Per-item failures are collected in the summary.
// Run fails only for setup errors, ledger write failures and cancellation,
// returning the summary of the work done so far.
func (r *Runner) Run(ctx context.Context, scope RunScope, sources []SourceSpec, sinks []SinkSpec) (*Summary, error) {
	walkers, err := r.setup(scope, sources, sinks)
	if err != nil {
		return nil, err
	}

	sum := &Summary{RunID: uuid.NewString(), Started: r.now()}
	logger := r.log.WithFields(log.Fields{
		"run_id":  sum.RunID,
		"project": scope.ProjectID,
		"site":    scope.SiteID,
	})
	logger.WithFields(log.Fields{
		"sources":  len(sources),
		"sinks":    len(sinks),
		"subjects": len(scope.Subjects),
	}).Info("Starting sync run")

	for i, src := range sources {
		for _, subject := range scope.Subjects {
			t := Target{
				Scope: models.Scope{
					ProjectID: scope.ProjectID,
					SiteID:    scope.SiteID,
					SubjectID: subject,
					Source:    src.Name,
				},
				Modality: src.Modality,
				Root:     strings.Trim(path.Join(src.Root, subject), "/"),
				RunID:    sum.RunID,
			}
			entry := logger.WithFields(log.Fields{"subject": subject, "source": src.Name})

			if src.Tree != nil {
				err = r.runTree(ctx, sum, entry, walkers[i], src, t, sinks)
			} else {
				err = r.runDated(ctx, sum, entry, src, t, scope, sinks)
			}
			if r.opts.OnUnit != nil {
				r.opts.OnUnit(src.Name, subject)
			}
			if err != nil {
				sum.Duration = r.now().Sub(sum.Started)
				entry.WithError(err).Error("Sync run aborted")
				return sum, err
			}
		}
	}

	sum.Duration = r.now().Sub(sum.Started)
	logger.WithFields(log.Fields{
		"fetched":      sum.Fetched,
		"skipped":      sum.Skipped,
		"tombstoned":   sum.Tombstoned,
		"pushed":       sum.Pushed,
		"push_skipped": sum.PushSkipped,
		"failures":     len(sum.Failures),
		"duration":     sum.Duration.Round(time.Millisecond),
	}).Info("Sync run finished")
	return sum, nil
}

func (r *Runner) setup(scope RunScope, sources []SourceSpec, sinks []SinkSpec) ([]*Walker, error) {
	switch {
	case scope.ProjectID == "":
		return nil, errors.MissingFieldError{Field: "project"}
	case scope.SiteID == "":
		return nil, errors.MissingFieldError{Field: "site"}
	case len(scope.Subjects) == 0:
		return nil, fmt.Errorf("site %s has no subjects: %w", scope.SiteID, errors.ErrInvalidArgument)
	case len(sources) == 0:
		return nil, fmt.Errorf("site %s has no configured sources: %w", scope.SiteID, errors.ErrInvalidArgument)
	case len(sinks) == 0:
		return nil, fmt.Errorf("site %s has no configured sinks: %w", scope.SiteID, errors.ErrInvalidArgument)
	}

	seen := map[string]bool{}
	for _, s := range sinks {
		if s.ID == "" || s.Sink == nil {
			return nil, fmt.Errorf("sink %q is incomplete: %w", s.ID, errors.ErrInvalidArgument)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate sink %q: %w", s.ID, errors.ErrInvalidArgument)
		}
		seen[s.ID] = true
	}

	walkers := make([]*Walker, len(sources))
	for i, src := range sources {
		if src.Name == "" {
			return nil, fmt.Errorf("source %d: %w", i, errors.MissingFieldError{Field: "name"})
		}
		if (src.Tree == nil) == (src.Dated == nil) {
			return nil, fmt.Errorf("source %s needs exactly one of a tree or a dated source: %w", src.Name, errors.ErrInvalidArgument)
		}
		if src.Dated != nil {
			if src.Start.IsZero() {
				return nil, fmt.Errorf("source %s: %w", src.Name, errors.MissingFieldError{Field: "start"})
			}
			continue
		}
		cfg := src.Walk
		cfg.Layout = r.opts.Layout
		cfg.Algorithm = r.opts.Algorithm
		w, err := NewWalker(r.fs, r.ledger, cfg, r.log)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		walkers[i] = w
	}
	return walkers, nil
}

func (r *Runner) runTree(ctx context.Context, sum *Summary, entry log.FieldLogger, w *Walker, src SourceSpec, t Target, sinks []SinkSpec) error {
	var actions []Action
	err := r.opts.Retry.Do(ctx, func() error {
		var err error
		actions, err = w.Plan(ctx, src.Tree, t)
		return err
	}, r.notify(entry))
	if err != nil {
		return r.fail(sum, entry, ItemFailure{Scope: t.Scope, Source: src.Name, Path: t.Root, Err: err})
	}

	failed := map[string]bool{}
	for _, a := range actions {
		e := entry.WithField("path", a.LocalPath)
		switch a.Decision {
		case Skip:
			sum.Skipped++
			e.WithField("reason", a.Reason).Debug("Skip")
			if a.Reason != reasonUnchanged && a.Reason != reasonSubmissionUnchanged {
				continue
			}
			f, err := r.ledger.LatestFile(ctx, a.LocalPath)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if f.IsTombstone() {
				continue
			}
			if err := r.deliver(ctx, sum, e, t.Scope, *f, sinks); err != nil {
				return err
			}

		case Tombstone:
			if err := w.Tombstone(ctx, a); err != nil {
				return err
			}
			sum.Tombstoned++
			e.Info("Recorded upstream deletion")

		case Fetch:
			dir := path.Dir(a.Item.Path)
			if a.Marker && failed[dir] {
				sum.Skipped++
				e.Warn("Holding back submission marker until its directory is complete")
				continue
			}
			var f *models.File
			err := r.opts.Retry.Do(ctx, func() error {
				var err error
				f, err = w.Fetch(ctx, src.Tree, t, a)
				return err
			}, r.notify(e))
			if err != nil {
				failed[dir] = true
				if err := r.fail(sum, e, ItemFailure{Scope: t.Scope, Source: src.Name, Path: a.Item.Path, Err: err}); err != nil {
					return err
				}
				continue
			}
			sum.Fetched++
			e.WithFields(log.Fields{"reason": a.Reason, "size": f.Size}).Debug("Fetched")
			if err := r.deliver(ctx, sum, e, t.Scope, *f, sinks); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) runDated(ctx context.Context, sum *Summary, entry log.FieldLogger, src SourceSpec, t Target, scope RunScope, sinks []SinkSpec) error {
	end := scope.End
	if end.IsZero() {
		end = r.now()
	}
	days, err := r.reconciler.MissingDates(ctx, t.Scope, src.Start, end, scope.Force)
	if err != nil {
		return r.fail(sum, entry, ItemFailure{Scope: t.Scope, Source: src.Name, Err: err})
	}
	entry.WithField("days", len(days)).Debug("Reconciled dated source")

	for _, day := range days {
		e := entry.WithField("date", day.Format(source.DateLayout))
		var f *models.File
		err := r.opts.Retry.Do(ctx, func() error {
			var err error
			f, err = r.dated.Fetch(ctx, src.Dated, t, day)
			return err
		}, r.notify(e))
		if errors.Is(err, errors.ErrNotFound) {
			sum.Empty++
			e.Debug("No data for day")
			continue
		}
		if err != nil {
			if err := r.fail(sum, e, ItemFailure{Scope: t.Scope, Source: src.Name, Path: day.Format(source.DateLayout), Err: err}); err != nil {
				return err
			}
			continue
		}
		sum.Fetched++
		if err := r.deliver(ctx, sum, e.WithField("path", f.Path), t.Scope, *f, sinks); err != nil {
			return err
		}
	}
	return nil
}

// deliver relays f to every sink through the gate.
func (r *Runner) deliver(ctx context.Context, sum *Summary, entry log.FieldLogger, scope models.Scope, f models.File, sinks []SinkSpec) error {
	for _, s := range sinks {
		e := entry.WithField("sink", s.ID)
		var delivered bool
		err := r.opts.Retry.Do(ctx, func() error {
			var err error
			_, delivered, err = r.gate.Deliver(ctx, f, s.ID, r.transfer(s.Sink, scope, sum.RunID))
			return err
		}, r.notify(e))
		if err != nil {
			if err := r.fail(sum, e, ItemFailure{Scope: scope, Source: scope.Source, Sink: s.ID, Path: f.Path, Err: err}); err != nil {
				return err
			}
			continue
		}
		if delivered {
			sum.Pushed++
			e.Debug("Pushed")
		} else {
			sum.PushSkipped++
		}
	}
	return nil
}

// transfer uploads the local copy of a file under its path below the
// layout root.
func (r *Runner) transfer(s sink.Sink, scope models.Scope, runID string) TransferFunc {
	return func(ctx context.Context, f models.File, sinkID string) (models.Metadata, error) {
		in, err := r.fs.Open(f.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Path, err)
		}
		defer in.Close()
		info, err := in.Stat()
		if err != nil {
			return nil, err
		}

		name := r.objectName(f.Path)
		dst, err := s.Upload(ctx, name, in, info.Size(), map[string]string{
			"project": scope.ProjectID,
			"site":    scope.SiteID,
			"subject": scope.SubjectID,
			"source":  scope.Source,
			"hash":    f.Hash,
			"path":    name,
		})
		if err != nil {
			return nil, err
		}
		meta := dst.Metadata()
		meta["run_id"] = runID
		return meta, nil
	}
}

func (r *Runner) objectName(local string) string {
	rel, err := filepath.Rel(r.opts.Layout.Root, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(local)
	}
	return filepath.ToSlash(rel)
}

// fail records a per-item failure. Failures that must stop the run are
// returned instead.
func (r *Runner) fail(sum *Summary, entry log.FieldLogger, f ItemFailure) error {
	if fatal(f.Err) {
		return f.Err
	}
	sum.Failures = append(sum.Failures, f)
	entry.WithError(f.Err).Warn("Item failed")
	return nil
}

func (r *Runner) notify(entry log.FieldLogger) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		entry.WithError(err).WithField("retry_in", wait.Round(time.Millisecond)).Info("Retrying")
	}
}

func fatal(err error) bool {
	return errors.Is(err, errors.ErrLedgerWrite) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
