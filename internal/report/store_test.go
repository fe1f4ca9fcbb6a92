package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
)

func newTestStore(t *testing.T, archiveSize int, events *bus.Bus) (*Store, afero.Fs, clockwork.FakeClock) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	clock := clockwork.NewFakeClock()
	cfg := config.ReportsConfig{Dir: "reports", ArchiveSize: archiveSize}
	store, err := NewStore(fsys, cfg, events, clock, nil)
	require.NoError(t, err)
	return store, fsys, clock
}

func sampleReport(store *Store, mode Mode, startedAt time.Time) *Report {
	return &Report{
		ID:                     store.NewID(mode),
		Mode:                   mode,
		Status:                 StatusInProgress,
		StartedAt:              startedAt,
		TriggeringFingerprints: []string{"a1b2c3d4e5f60718"},
	}
}

func TestCreateAndGetReturnsCopies(t *testing.T) {
	store, _, clock := newTestStore(t, 10, nil)
	rep := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(rep))

	got, err := store.Get(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	got.ExecutiveSummary = "mutated by caller"
	again, err := store.Get(rep.ID)
	require.NoError(t, err)
	assert.Empty(t, again.ExecutiveSummary)
}

func TestNewIDCarriesModePrefix(t *testing.T) {
	store, _, _ := newTestStore(t, 10, nil)

	det := store.NewID(ModeDeterministic)
	agt := store.NewID(ModeAgentic)
	assert.Regexp(t, `^det_000001_[0-9a-f]{8}$`, det)
	assert.Regexp(t, `^agt_000002_[0-9a-f]{8}$`, agt)
}

func TestSealPersistsAndRoundTrips(t *testing.T) {
	store, fsys, clock := newTestStore(t, 10, nil)
	rep := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(rep))

	clock.Advance(1500 * time.Millisecond)
	final := rep.Clone()
	final.ExecutiveSummary = "CLUSTER STATUS: OK"
	final.Findings = []Finding{{
		Category:   CategoryImagePolicy,
		Severity:   detect.SeverityHigh,
		Title:      "Image pull failing",
		SourceTool: SourceCluster,
	}}
	final.Steps = []Step{{Index: 1, Name: "cluster_overview", Status: StepCompleted, DurationMs: 12}}

	status, err := store.Seal(rep.ID, StatusCompleted, final)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	got, err := store.Get(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.False(t, got.FinishedAt.Before(got.StartedAt))
	require.NotEmpty(t, got.File)

	jsonName := got.File[:len(got.File)-len(".txt")] + ".json"
	data, err := afero.ReadFile(fsys, "reports/"+jsonName)
	require.NoError(t, err)

	var parsed Report
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, *got, parsed)

	text, err := store.ReadFile(got.File)
	require.NoError(t, err)
	assert.Contains(t, string(text), "KUBEINQUEST INVESTIGATION REPORT")
	assert.Contains(t, string(text), rep.ID)
	assert.Contains(t, string(text), "Image pull failing")
}

func TestSealIsIdempotent(t *testing.T) {
	store, _, clock := newTestStore(t, 10, nil)
	rep := sampleReport(store, ModeAgentic, clock.Now())
	require.NoError(t, store.Create(rep))

	first := rep.Clone()
	first.ExecutiveSummary = "first seal"
	_, err := store.Seal(rep.ID, StatusCompleted, first)
	require.NoError(t, err)

	second := rep.Clone()
	second.ExecutiveSummary = "second seal must not stick"
	status, err := store.Seal(rep.ID, StatusFailed, second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status, "original terminal status is returned")

	got, err := store.Get(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "first seal", got.ExecutiveSummary)
}

func TestSealUnknownReport(t *testing.T) {
	store, _, _ := newTestStore(t, 10, nil)
	_, err := store.Seal("det_999999_deadbeef", StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSealRejectsNonTerminalStatus(t *testing.T) {
	store, _, clock := newTestStore(t, 10, nil)
	rep := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(rep))

	_, err := store.Seal(rep.ID, StatusInProgress, nil)
	assert.Error(t, err)
}

func TestListNewestFirstWithFilter(t *testing.T) {
	store, _, clock := newTestStore(t, 10, nil)

	r1 := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(r1))
	r2 := sampleReport(store, ModeAgentic, clock.Now())
	require.NoError(t, store.Create(r2))
	r3 := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(r3))

	all := store.List(0, nil)
	require.Len(t, all, 3)
	assert.Equal(t, r3.ID, all[0].ID)
	assert.Equal(t, r1.ID, all[2].ID)

	limited := store.List(2, nil)
	assert.Len(t, limited, 2)

	deterministic := store.List(0, func(r *Report) bool { return r.Mode == ModeDeterministic })
	require.Len(t, deterministic, 2)
	assert.Equal(t, r3.ID, deterministic[0].ID)
}

func TestEvictionSkipsInProgress(t *testing.T) {
	store, _, clock := newTestStore(t, 2, nil)
	var evictedIDs []string
	var lastSize int
	store.OnEvict = func(id string) { evictedIDs = append(evictedIDs, id) }
	store.OnSize = func(size int) { lastSize = size }

	sealed := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(sealed))
	_, err := store.Seal(sealed.ID, StatusCompleted, nil)
	require.NoError(t, err)

	running1 := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(running1))
	running2 := sampleReport(store, ModeAgentic, clock.Now())
	require.NoError(t, store.Create(running2))

	_, err = store.Get(sealed.ID)
	assert.ErrorIs(t, err, ErrNotFound, "oldest sealed report is evicted")
	_, err = store.Get(running1.ID)
	assert.NoError(t, err)
	assert.Equal(t, []string{sealed.ID}, evictedIDs)

	// Over capacity with nothing evictable: in-progress reports all stay.
	running3 := sampleReport(store, ModeDeterministic, clock.Now())
	require.NoError(t, store.Create(running3))
	assert.Len(t, store.List(0, nil), 3)
	assert.Len(t, evictedIDs, 1)
	assert.Equal(t, 3, lastSize)
}

func TestCreateAndSealPublishNotifications(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := bus.New(nil, clock, 8)
	sub := events.Subscribe(bus.TopicReports)
	defer sub.Close()

	store, _, storeClock := newTestStore(t, 10, events)
	rep := sampleReport(store, ModeDeterministic, storeClock.Now())
	require.NoError(t, store.Create(rep))
	_, err := store.Seal(rep.ID, StatusCompleted, nil)
	require.NoError(t, err)

	created := (<-sub.Events()).(Notification)
	assert.Equal(t, "created", created.Event)
	assert.Equal(t, rep.ID, created.Report.ID)

	sealed := (<-sub.Events()).(Notification)
	assert.Equal(t, "sealed", sealed.Event)
	assert.Equal(t, StatusCompleted, sealed.Report.Status)
}

func TestReadFileRejectsTraversal(t *testing.T) {
	store, _, _ := newTestStore(t, 10, nil)

	_, err := store.ReadFile("../secrets.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ReadFile("nested/report.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ReadFile("report.exe")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireLockIsExclusive(t *testing.T) {
	fsys := afero.NewMemMapFs()

	release, err := AcquireLock(fsys, "reports")
	require.NoError(t, err)

	_, err = AcquireLock(fsys, "reports")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another process")

	release()
	release2, err := AcquireLock(fsys, "reports")
	require.NoError(t, err)
	release2()
}
