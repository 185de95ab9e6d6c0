package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/internal/source"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

// DateMetadataKey is the pull metadata field holding a dated pull's
// partition day, formatted with source.DateLayout.
const DateMetadataKey = "date"

// DateRange is an inclusive range of days. The zero value is empty.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether r is unset.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Days returns every day in r at midnight UTC, in order. A range whose start
// falls after its end holds no days.
func (r DateRange) Days() ([]time.Time, error) {
	if r.Start.IsZero() || r.End.IsZero() {
		return nil, fmt.Errorf("date range needs both ends: %w", errors.ErrInvalidArgument)
	}
	start, end := Midnight(r.Start), Midnight(r.End)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days, nil
}

// Midnight truncates t to the start of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Reconciler finds the days of a dated source the ledger has no pull for.
type Reconciler struct {
	ledger Ledger
}

// NewReconciler returns a reconciler reading ledger.
func NewReconciler(ledger Ledger) *Reconciler {
	return &Reconciler{ledger: ledger}
}

// MissingDates returns, in order, the days of [start, end] without a pull
// for scope, unioned with every day of force. A scope with no pulls at all
// is missing every day of the range; a start after end asks for no days.
func (r *Reconciler) MissingDates(ctx context.Context, scope models.Scope, start, end time.Time, force DateRange) ([]time.Time, error) {
	days, err := DateRange{Start: start, End: end}.Days()
	if err != nil {
		return nil, err
	}
	var forced []time.Time
	if !force.IsZero() {
		if forced, err = force.Days(); err != nil {
			return nil, fmt.Errorf("force range: %w", err)
		}
	}

	n, err := r.ledger.CountPulls(ctx, scope)
	if err != nil {
		return nil, err
	}

	missing := make(map[time.Time]bool, len(days)+len(forced))
	if n == 0 {
		for _, d := range days {
			missing[d] = true
		}
	} else {
		pulls, err := r.ledger.PullsFor(ctx, scope)
		if err != nil {
			return nil, err
		}
		pulled := make(map[time.Time]bool, len(pulls))
		for _, p := range pulls {
			if d, ok := pullDate(p); ok {
				pulled[d] = true
			}
		}
		for _, d := range days {
			if !pulled[d] {
				missing[d] = true
			}
		}
	}
	for _, d := range forced {
		missing[d] = true
	}

	out := make([]time.Time, 0, len(missing))
	for d := range missing {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// pullDate returns the partition day recorded on p.
func pullDate(p models.Pull) (time.Time, bool) {
	s := p.Metadata.String(DateMetadataKey)
	if s == "" {
		return time.Time{}, false
	}
	for _, format := range []string{source.DateLayout, time.RFC3339} {
		if t, err := time.Parse(format, s); err == nil {
			return Midnight(t), true
		}
	}
	return time.Time{}, false
}

// DatedFetcher materializes one day of a dated source.
type DatedFetcher struct {
	fs        afero.Fs
	ledger    Ledger
	layout    layout.Layout
	algorithm identity.Algorithm
}

// NewDatedFetcher returns a fetcher writing below l on fs.
func NewDatedFetcher(fs afero.Fs, ledger Ledger, l layout.Layout, alg identity.Algorithm) *DatedFetcher {
	if alg == "" {
		alg = identity.DefaultAlgorithm
	}
	return &DatedFetcher{fs: fs, ledger: ledger, layout: l, algorithm: alg}
}

// Fetch downloads the partition of t's subject for date and records it
// exactly like a tree fetch, with the day in the pull metadata. It returns
// an error matching errors.ErrNotFound when the source has no data for the
// day.
func (f *DatedFetcher) Fetch(ctx context.Context, src source.DatedSource, t Target, date time.Time) (*models.File, error) {
	start := time.Now()
	day := Midnight(date)

	item, rc, err := src.FetchDate(ctx, t.Scope.SubjectID, day)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch %s: %w", day.Format(source.DateLayout), errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	defer rc.Close()

	local, err := f.layout.ArtifactPath(t.Scope.ProjectID, t.Scope.SiteID, t.Scope.SubjectID, t.Modality, item.Name())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errors.ErrInvalidArgument)
	}
	file, err := materialize(f.fs, local, rc, f.algorithm, item.ModTime)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", day.Format(source.DateLayout), err)
	}
	files := []models.File{file}
	sc, scFile, err := stageSidecar(f.fs, local, item, f.algorithm)
	if err != nil {
		return nil, err
	}
	if sc != nil {
		files = append(files, scFile)
	}

	pull := models.Pull{
		Scope:    t.Scope,
		FilePath: file.Path,
		FileHash: file.Hash,
		Duration: time.Since(start),
		Metadata: models.Metadata{
			DateMetadataKey: day.Format(source.DateLayout),
			"remote_path":   remoteName(item),
			"bytes":         file.Size,
		},
	}
	annotateIdentity(pull.Metadata, item)
	if t.RunID != "" {
		pull.Metadata["run_id"] = t.RunID
	}
	if _, err := f.ledger.RecordFetch(ctx, pull, files...); err != nil {
		sc.discard()
		return nil, err
	}
	if err := sc.install(); err != nil {
		return nil, err
	}
	return &file, nil
}
