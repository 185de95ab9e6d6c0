package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/oss-study-sync/internal/identity"
	"github.com/chmdznr/oss-study-sync/internal/layout"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
	"github.com/chmdznr/oss-study-sync/pkg/models"
)

func newTestWalker(t *testing.T, fs afero.Fs, ledger Ledger, cfg WalkerConfig) *Walker {
	t.Helper()
	cfg.Layout = testLayout
	w, err := NewWalker(fs, ledger, cfg, testLogger())
	require.NoError(t, err)
	return w
}

// byName indexes actions by the base name of their local path.
func byName(actions []Action) map[string]Action {
	out := make(map[string]Action, len(actions))
	for _, a := range actions {
		out[filepath.Base(a.LocalPath)] = a
	}
	return out
}

// apply carries out every fetch and tombstone in actions.
func apply(t *testing.T, w *Walker, src *fakeSource, actions []Action) {
	t.Helper()
	ctx := context.Background()
	for _, a := range actions {
		switch a.Decision {
		case Fetch:
			_, err := w.Fetch(ctx, src, testTarget(), a)
			require.NoError(t, err)
		case Tombstone:
			require.NoError(t, w.Tombstone(ctx, a))
		}
	}
}

func TestPlan_FetchesNewItems(t *testing.T) {
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	src.put("YA01/b.txt", "beta", "hash2")
	src.put("YA02/c.txt", "gamma", "hash9")

	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{})
	actions, err := w.Plan(context.Background(), src, testTarget())
	require.NoError(t, err)

	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, Fetch, a.Decision)
		assert.Equal(t, "not present locally", a.Reason)
	}
	assert.Equal(t, subjectDir+"/a.txt", actions[0].LocalPath)
	assert.Equal(t, subjectDir+"/b.txt", actions[1].LocalPath)
	assert.Zero(t, src.fetches, "planning never downloads")
}

func TestPlan_BreadthFirst(t *testing.T) {
	src := newFakeSource()
	src.put("YA01/deep/deeper/z.txt", "z", "hz")
	src.put("YA01/deep/y.txt", "y", "hy")
	src.put("YA01/x.txt", "x", "hx")

	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{})
	actions, err := w.Plan(context.Background(), src, testTarget())
	require.NoError(t, err)

	require.Len(t, actions, 3)
	assert.Equal(t, subjectDir+"/x.txt", actions[0].LocalPath)
	assert.Equal(t, subjectDir+"/deep/y.txt", actions[1].LocalPath)
	assert.Equal(t, subjectDir+"/deep/deeper/z.txt", actions[2].LocalPath)
}

func TestFetch_WritesArtifactSidecarAndLedger(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")

	w := newTestWalker(t, fs, ledger, WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	f, err := w.Fetch(ctx, src, testTarget(), actions[0])
	require.NoError(t, err)
	assert.Equal(t, subjectDir+"/a.txt", f.Path)
	assert.Equal(t, "2c1743a391305fbf367df8e4f069f9f9", f.Hash) // md5("alpha")
	assert.Equal(t, int64(5), f.Size)

	data, err := afero.ReadFile(fs, f.Path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	sidecar := layout.SidecarPath(f.Path, "etag")
	assert.Equal(t, subjectDir+"/.a.txt.etaghash", sidecar)
	data, err = afero.ReadFile(fs, sidecar)
	require.NoError(t, err)
	assert.Equal(t, "hash1", string(data))

	for _, p := range []string{layout.PartialPath(f.Path), layout.PartialPath(sidecar)} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}

	_, err = ledger.LatestFile(ctx, sidecar)
	assert.NoError(t, err, "sidecar is recorded as a file")

	pulls, err := ledger.PullsFor(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, pulls, 1)
	assert.Equal(t, f.Hash, pulls[0].FileHash)
	assert.Equal(t, "hash1", pulls[0].Metadata.String("remote_identity"))
	assert.Equal(t, "YA01/a.txt", pulls[0].Metadata.String("remote_path"))
	assert.Equal(t, "run-1", pulls[0].Metadata.String("run_id"))
}

func TestPlan_SkipWhenSidecarMatches(t *testing.T) {
	ctx := context.Background()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	src.put("YA01/b.txt", "beta", "hash2")

	w := newTestWalker(t, afero.NewMemMapFs(), ledger, WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	fetches, files, pulls := src.fetches, count(t, ledger, "files"), count(t, ledger, "data_pull")

	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, Skip, a.Decision, a.LocalPath)
		assert.Equal(t, reasonUnchanged, a.Reason)
	}
	apply(t, w, src, actions)

	assert.Equal(t, fetches, src.fetches)
	assert.Equal(t, files, count(t, ledger, "files"))
	assert.Equal(t, pulls, count(t, ledger, "data_pull"))
}

func TestPlan_ChangedIdentityFetches(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	src.put("YA01/b.txt", "beta", "hash2")

	w := newTestWalker(t, fs, testLedger(t), WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	src.put("YA01/b.txt", "beta v2", "hash3")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)

	got := byName(actions)
	assert.Equal(t, Skip, got["a.txt"].Decision)
	assert.Equal(t, Fetch, got["b.txt"].Decision)
	assert.Equal(t, "remote identity changed", got["b.txt"].Reason)

	// A lost sidecar forces a fetch as well.
	require.NoError(t, fs.Remove(subjectDir+"/.a.txt.etaghash"))
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	assert.Equal(t, "no sidecar", byName(actions)["a.txt"].Reason)
}

func TestPlan_ItemWithoutIdentityIsAlwaysFetched(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "")

	w := newTestWalker(t, fs, testLedger(t), WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	src.put("YA01/a.txt", "alpha CHANGED", "")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, Fetch, actions[0].Decision)
	assert.Equal(t, "no remote identity", actions[0].Reason)
	apply(t, w, src, actions)

	data, err := afero.ReadFile(fs, subjectDir+"/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha CHANGED", string(data))
}

func TestPlan_ReappearedWithSameContent(t *testing.T) {
	ctx := context.Background()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")

	w := newTestWalker(t, afero.NewMemMapFs(), ledger, WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	src.remove("YA01/a.txt")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)
	latest, err := ledger.LatestFile(ctx, subjectDir+"/a.txt")
	require.NoError(t, err)
	require.True(t, latest.IsTombstone())
	pulls := count(t, ledger, "data_pull")

	src.put("YA01/a.txt", "alpha", "hash1")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, Fetch, actions[0].Decision)
	assert.Equal(t, "reappeared upstream", actions[0].Reason)
	apply(t, w, src, actions)

	want, err := identity.HashBytes([]byte("alpha"), identity.DefaultAlgorithm)
	require.NoError(t, err)
	latest, err = ledger.LatestFile(ctx, subjectDir+"/a.txt")
	require.NoError(t, err)
	assert.False(t, latest.IsTombstone())
	assert.Equal(t, want, latest.Hash)
	assert.Equal(t, pulls, count(t, ledger, "data_pull"), "the earlier pull already covers this content")

	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, Skip, actions[0].Decision)
	assert.Equal(t, reasonUnchanged, actions[0].Reason)
}

func TestPlan_TombstonesVanishedItemsOnce(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	src.put("YA01/b.txt", "beta", "hash2")

	w := newTestWalker(t, fs, ledger, WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	src.remove("YA01/b.txt")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	got := byName(actions)
	require.Len(t, got, 2)
	assert.Equal(t, Tombstone, got["b.txt"].Decision)
	apply(t, w, src, actions)

	latest, err := ledger.LatestFile(ctx, subjectDir+"/b.txt")
	require.NoError(t, err)
	assert.Equal(t, models.DeletedUpstream, latest.Hash)

	exists, err := afero.Exists(fs, subjectDir+"/b.txt")
	require.NoError(t, err)
	assert.True(t, exists, "tombstoning leaves the bytes on disk")

	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	assert.NotContains(t, byName(actions), "b.txt", "already tombstoned")

	// The item comes back unchanged: the tombstone forces a fetch.
	src.put("YA01/b.txt", "beta", "hash2")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	assert.Equal(t, Fetch, byName(actions)["b.txt"].Decision)
	assert.Equal(t, "reappeared upstream", byName(actions)["b.txt"].Reason)
}

func TestPlan_TombstonesVanishedDirectory(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	src.put("YA01/week1/x.csv", "x", "hx")
	src.put("YA01/week1/day2/y.csv", "y", "hy")

	w := newTestWalker(t, fs, testLedger(t), WalkerConfig{})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	apply(t, w, src, actions)

	// Never synced, so never tombstoned.
	require.NoError(t, afero.WriteFile(fs, subjectDir+"/week1/notes.txt", []byte("n"), 0o644))

	src.remove("YA01/week1")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)

	var tombstoned []string
	for _, a := range actions {
		if a.Decision == Tombstone {
			tombstoned = append(tombstoned, a.LocalPath)
		}
	}
	assert.ElementsMatch(t, []string{subjectDir + "/week1/x.csv", subjectDir + "/week1/day2/y.csv"}, tombstoned)
}

func TestPlan_CaseInsensitiveNames(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/Report.PDF", "pdf", "h1")

	w := newTestWalker(t, fs, ledger, WalkerConfig{CaseInsensitive: true, Include: []string{"**/*.pdf"}})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1, "include patterns ignore case too")
	apply(t, w, src, actions)

	src.remove("YA01/Report.PDF")
	src.put("YA01/report.pdf", "pdf", "h1")

	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	for _, a := range actions {
		assert.NotEqual(t, Tombstone, a.Decision)
	}

	sensitive := newTestWalker(t, fs, ledger, WalkerConfig{})
	actions, err = sensitive.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	assert.Equal(t, Tombstone, byName(actions)["Report.PDF"].Decision)
}

func TestPlan_IncludePatterns(t *testing.T) {
	src := newFakeSource()
	src.put("YA01/a.csv", "a", "h1")
	src.put("YA01/b.log", "b", "h2")
	src.put("YA01/sub/c.csv", "c", "h3")

	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{Include: []string{"**/*.csv"}})
	actions, err := w.Plan(context.Background(), src, testTarget())
	require.NoError(t, err)
	got := byName(actions)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a.csv")
	assert.Contains(t, got, "c.csv")
}

func TestPlan_SkipsItemsWithoutReference(t *testing.T) {
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")
	item := src.dirs["YA01"]["a.txt"]
	item.Ref = ""
	src.dirs["YA01"]["a.txt"] = item

	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{})
	actions, err := w.Plan(context.Background(), src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, Skip, actions[0].Decision)
	assert.Equal(t, reasonNoRef, actions[0].Reason)
}

func TestPlan_ListFailure(t *testing.T) {
	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{})
	_, err := w.Plan(context.Background(), newFakeSource(), testTarget())
	assert.True(t, errors.Is(err, errors.ErrRemoteUnavailable))
}

func TestPlan_SubmissionMarker(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	marker := &MarkerConfig{Name: "submission.json", ScopeField: "subject_id", TimestampField: "submitted_at"}
	src.put("YA01/form1/submission.json", `{"subject_id":"YA01","submitted_at":"2024-01-02T10:00:00Z"}`, "m1")
	src.put("YA01/form1/answers.csv", "q,a", "h1")

	w := newTestWalker(t, fs, testLedger(t), WalkerConfig{Marker: marker})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	apply(t, w, src, actions)

	// Sibling identities change but the submission timestamp does not.
	src.put("YA01/form1/answers.csv", "q,a,b", "h2")
	src.put("YA01/form1/submission.json", `{"subject_id":"YA01","submitted_at":"2024-01-02T10:00:00Z","note":"x"}`, "m2")
	fetches := src.fetches
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	for _, a := range actions {
		assert.Equal(t, Skip, a.Decision)
		assert.Equal(t, reasonSubmissionUnchanged, a.Reason)
	}
	assert.Equal(t, fetches+1, src.fetches, "only the marker is downloaded")

	exists, err := afero.Exists(fs, subjectDir+"/form1/.submission.json.part")
	require.NoError(t, err)
	assert.False(t, exists)

	// A new submission is compared per file.
	src.put("YA01/form1/submission.json", `{"subject_id":"YA01","submitted_at":"2024-01-03T10:00:00Z"}`, "m3")
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	got := byName(actions)
	assert.Equal(t, Fetch, got["answers.csv"].Decision)
	assert.Equal(t, Fetch, got["submission.json"].Decision)
}

func TestPlan_SubmissionMarkerComesLast(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	marker := &MarkerConfig{Name: "submission.json", ScopeField: "subject_id", TimestampField: "submitted_at"}
	src.put("YA01/form1/aa.csv", "a", "h0")
	src.put("YA01/form1/submission.json", `{"subject_id":"YA01","submitted_at":"2024-01-02T10:00:00Z"}`, "m1")
	src.put("YA01/form1/zz.csv", "z", "h1")

	w := newTestWalker(t, fs, testLedger(t), WalkerConfig{Marker: marker})
	actions, err := w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, "aa.csv", filepath.Base(actions[0].LocalPath))
	assert.Equal(t, "zz.csv", filepath.Base(actions[1].LocalPath))
	assert.Equal(t, "submission.json", filepath.Base(actions[2].LocalPath))
	assert.True(t, actions[2].Marker)
	assert.False(t, actions[0].Marker)

	// The marker was stored but zz.csv never arrived.
	apply(t, w, src, []Action{actions[0], actions[2]})
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	got := byName(actions)
	assert.Equal(t, Fetch, got["zz.csv"].Decision)
	assert.Equal(t, "not present locally", got["zz.csv"].Reason)
	assert.Equal(t, Skip, got["aa.csv"].Decision)
	assert.Equal(t, reasonUnchanged, got["aa.csv"].Reason)
}

func TestPlan_SubmissionMarkerForAnotherSubject(t *testing.T) {
	src := newFakeSource()
	src.put("YA01/form1/submission.json", `{"subject_id":"YA02","submitted_at":"t"}`, "m1")
	src.put("YA01/form1/answers.csv", "q,a", "h1")

	marker := &MarkerConfig{Name: "submission.json", ScopeField: "subject_id", TimestampField: "submitted_at"}
	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{Marker: marker})
	actions, err := w.Plan(context.Background(), src, testTarget())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, Skip, a.Decision)
		assert.Equal(t, reasonScopeMismatch, a.Reason)
	}
}

func TestFetch_LedgerFailureLeavesNoSidecar(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	ledger := testLedger(t)
	src := newFakeSource()
	src.put("YA01/a.txt", "alpha", "hash1")

	broken := newTestWalker(t, fs, failingLedger{ledger}, WalkerConfig{})
	actions, err := broken.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	_, err = broken.Fetch(ctx, src, testTarget(), actions[0])
	assert.True(t, errors.Is(err, errors.ErrLedgerWrite))

	for _, p := range []string{subjectDir + "/.a.txt.etaghash", subjectDir + "/..a.txt.etaghash.part"} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}

	w := newTestWalker(t, fs, ledger, WalkerConfig{})
	actions, err = w.Plan(ctx, src, testTarget())
	require.NoError(t, err)
	assert.Equal(t, Fetch, actions[0].Decision, "unrecorded artifacts are fetched again")
}

func TestFetch_RejectsOtherDecisions(t *testing.T) {
	w := newTestWalker(t, afero.NewMemMapFs(), testLedger(t), WalkerConfig{})
	_, err := w.Fetch(context.Background(), newFakeSource(), testTarget(), Action{Decision: Skip})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	assert.True(t, errors.Is(w.Tombstone(context.Background(), Action{Decision: Fetch}), errors.ErrInvalidArgument))
}

func TestNewWalker_Validation(t *testing.T) {
	_, err := NewWalker(afero.NewMemMapFs(), nil, WalkerConfig{Include: []string{"[a-"}}, testLogger())
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = NewWalker(afero.NewMemMapFs(), nil, WalkerConfig{Marker: &MarkerConfig{}}, testLogger())
	var missing errors.MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "name", missing.Field)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "fetch", Fetch.String())
	assert.Equal(t, "tombstone", Tombstone.String())
	assert.Equal(t, "Decision(7)", Decision(7).String())
}
