package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/investigate"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/metrics"
	"github.com/kubeinquest/kubeinquest/internal/report"
	"github.com/kubeinquest/kubeinquest/internal/scheduler"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeAdapter struct {
	mu    sync.Mutex
	snap  *cluster.Snapshot
	err   error
	calls int
}

func (f *fakeAdapter) Snapshot(_ context.Context) (*cluster.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap.Clone(), nil
}

func (f *fakeAdapter) GetPodLogs(context.Context, string, string, int64) (string, error) {
	return "no recent log lines", nil
}

func (f *fakeAdapter) ListEvents(context.Context, cluster.ObjectRef) ([]cluster.Event, error) {
	return nil, nil
}

func (f *fakeAdapter) set(snap *cluster.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

func (f *fakeAdapter) snapshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func imagePullSnapshot(now time.Time) *cluster.Snapshot {
	return &cluster.Snapshot{
		Timestamp: now,
		Nodes: []cluster.Node{
			{Name: "node-a", Ready: true, AllocatableCPUMilli: 4000, AllocatableMemoryBytes: 8 << 30},
		},
		Pods: []cluster.Pod{
			{
				Namespace: "shop",
				Name:      "web-1",
				Phase:     "Pending",
				CreatedAt: now.Add(-time.Minute),
				Containers: []cluster.ContainerStatus{
					{
						Name:  "web",
						Image: "ghcr.io/acme/web:v9",
						State: cluster.ContainerState{
							Waiting: &cluster.StateWaiting{
								Reason:  "ImagePullBackOff",
								Message: `Back-off pulling image "ghcr.io/acme/web:v9"`,
							},
						},
					},
				},
			},
		},
		Namespaces: []string{"shop"},
	}
}

func nodeDownSnapshot(now time.Time) *cluster.Snapshot {
	return &cluster.Snapshot{
		Timestamp: now,
		Nodes: []cluster.Node{
			{Name: "node-a", Ready: true, AllocatableCPUMilli: 4000, AllocatableMemoryBytes: 8 << 30},
			{Name: "node-b", Ready: false, AllocatableCPUMilli: 4000, AllocatableMemoryBytes: 8 << 30},
		},
		Pods: []cluster.Pod{
			{
				Namespace: "shop",
				Name:      "api-1",
				Phase:     "Running",
				Containers: []cluster.ContainerStatus{
					{Name: "api", Ready: true, State: cluster.ContainerState{Running: &cluster.StateRunning{}}},
				},
			},
		},
		Namespaces: []string{"shop"},
	}
}

type monitorRig struct {
	clock   clockwork.FakeClock
	adapter *fakeAdapter
	store   *report.Store
	mon     *Monitor
}

// newScenarioRig wires a real detector, scheduler, and deterministic engine
// behind the monitor, all on one fake clock.
func newScenarioRig(t *testing.T, snap *cluster.Snapshot, corpus string) *monitorRig {
	t.Helper()

	clock := clockwork.NewFakeClock()
	cfg := config.DefaultConfig()
	adapter := &fakeAdapter{snap: snap}
	detector := detect.NewDetector(cfg.Monitor, clock, zap.NewNop())

	store, err := report.NewStore(afero.NewMemMapFs(), cfg.Reports, nil, clock, zap.NewNop())
	require.NoError(t, err)

	var idx *knowledge.Index
	if corpus != "" {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "knowledge/runbook.md", []byte(corpus), 0o644))
		idx, err = knowledge.Load(fs, "knowledge", 3, zap.NewNop())
		require.NoError(t, err)
	}

	engine := investigate.NewDeterministic(adapter, nil, idx, nil, clock, zap.NewNop())
	sched := scheduler.New(cfg.Monitor, scheduler.Deps{
		Deterministic: engine,
		Store:         store,
		Tracker:       detector.Tracker(),
		Knowledge:     idx,
		Clock:         clock,
		Logger:        zap.NewNop(),
		SafeMode:      true,
	})
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	mon := New(cfg.Monitor, adapter, detector, sched, nil, nil, nil, clock, zap.NewNop())
	t.Cleanup(func() { _ = mon.Stop() })
	return &monitorRig{clock: clock, adapter: adapter, store: store, mon: mon}
}

func oneSealedReport(store *report.Store) func() bool {
	return func() bool {
		reps := store.List(0, nil)
		return len(reps) == 1 && reps[0].Status.Terminal()
	}
}

// An ImagePullBackOff pod survives two consecutive checks before it is
// investigated; the sealed report carries an image policy finding backed by
// the runbook corpus.
func TestImagePullBackOffIsInvestigatedAfterDebounce(t *testing.T) {
	corpus := "# ImagePullBackOff Runbook\n\n" +
		"Check the image name and the registry credentials.\n\n" +
		"# Approved Registries\n\n" +
		"Only registry.internal.example.com images are approved for production.\n"
	r := newScenarioRig(t, imagePullSnapshot(time.Now().UTC()), corpus)

	require.NoError(t, r.mon.Start(context.Background()))

	// First check classifies but must not dispatch yet.
	require.Eventually(t, func() bool { return r.mon.Latest().Status == StatusHighIssues }, waitFor, tick)
	assert.Empty(t, r.store.List(0, nil), "one sighting must not trigger an investigation")

	st := r.mon.Latest()
	assert.Equal(t, 1, st.IssuesCount)
	assert.Equal(t, 1, st.NodesReady)
	assert.Equal(t, 1, st.PodsPending)

	// Second consecutive sighting clears the debounce.
	r.clock.BlockUntil(1)
	r.clock.Advance(30 * time.Second)
	require.Eventually(t, oneSealedReport(r.store), waitFor, tick)

	rep := r.store.List(0, nil)[0]
	assert.Equal(t, report.StatusCompleted, rep.Status)
	assert.Equal(t, report.ModeDeterministic, rep.Mode)

	wantFP := detect.ComputeFingerprint(
		detect.KindImagePullBackOff,
		detect.Target{Kind: "Pod", Namespace: "shop", Name: "web-1", Container: "web"},
		"ImagePullBackOff")
	require.Equal(t, []string{wantFP}, rep.TriggeringFingerprints)

	var imageFinding *report.Finding
	for i := range rep.Findings {
		if rep.Findings[i].Category == report.CategoryImagePolicy {
			imageFinding = &rep.Findings[i]
			break
		}
	}
	require.NotNil(t, imageFinding, "expected an image policy finding, got %+v", rep.Findings)
	assert.Contains(t, imageFinding.Title, "ImagePullBackOff")
	assert.NotEmpty(t, imageFinding.SourceSection, "the finding should cite the runbook")

	// The next heartbeat carries the investigation id. The sealed run's
	// deadline timer still counts as a sleeper alongside the ticker.
	r.clock.BlockUntil(2)
	r.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return r.mon.Latest().LastInvestigationID == rep.ID
	}, waitFor, tick)
}

// A node going NotReady is critical and dispatches on the very first
// sighting; the cooldown keeps the next checks from re-dispatching.
func TestNodeNotReadyBypassesDebounce(t *testing.T) {
	r := newScenarioRig(t, nodeDownSnapshot(time.Now().UTC()), "")
	checkStarted := r.clock.Now()

	// No clock advance: the immediate first check alone must dispatch.
	require.NoError(t, r.mon.Start(context.Background()))
	require.Eventually(t, oneSealedReport(r.store), waitFor, tick)

	rep := r.store.List(0, nil)[0]
	assert.Equal(t, report.StatusCompleted, rep.Status)

	found := false
	for _, f := range rep.Findings {
		if f.Category == report.CategoryNodeHealth && f.Severity == detect.SeverityCritical {
			assert.Contains(t, f.Title, "node-b")
			found = true
		}
	}
	assert.True(t, found, "expected a critical node health finding, got %+v", rep.Findings)

	st := r.mon.Latest()
	assert.Equal(t, StatusCriticalIssues, st.Status)
	assert.Equal(t, 1, st.NodesReady)
	assert.Equal(t, 2, st.NodesTotal)

	// The fingerprint is cooling down: another check must not dispatch again.
	// Two sleepers: the ticker and the sealed run's deadline timer.
	r.clock.BlockUntil(2)
	r.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return r.mon.Latest().Timestamp.Equal(checkStarted.Add(30 * time.Second))
	}, waitFor, tick)
	assert.Never(t, func() bool { return len(r.store.List(0, nil)) > 1 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestStartStopStateErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := config.DefaultConfig()
	adapter := &fakeAdapter{snap: nodeDownSnapshot(time.Now().UTC())}
	detector := detect.NewDetector(cfg.Monitor, clock, zap.NewNop())
	mon := New(cfg.Monitor, adapter, detector, nil, nil, nil, nil, clock, zap.NewNop())

	require.NoError(t, mon.Start(context.Background()))
	require.ErrorIs(t, mon.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, mon.Running())

	require.NoError(t, mon.Stop())
	require.ErrorIs(t, mon.Stop(), ErrNotRunning)
	assert.False(t, mon.Running())
	assert.False(t, mon.Latest().Monitoring)

	// The loop restarts cleanly after a stop.
	require.NoError(t, mon.Start(context.Background()))
	require.NoError(t, mon.Stop())
}

func TestAdapterFailuresFlipStatusAndRecover(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := config.DefaultConfig()
	adapter := &fakeAdapter{err: errors.New("connection refused")}
	detector := detect.NewDetector(cfg.Monitor, clock, zap.NewNop())
	m := metrics.New()
	mon := New(cfg.Monitor, adapter, detector, nil, nil, nil, m, clock, zap.NewNop())
	t.Cleanup(func() { _ = mon.Stop() })

	require.NoError(t, mon.Start(context.Background()))

	// One failure is only a warning; the heartbeat stays quiet.
	require.Eventually(t, func() bool { return adapter.snapshotCalls() == 1 }, waitFor, tick)
	assert.Empty(t, mon.Latest().Status)

	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return mon.Latest().Status == StatusAdapterUnavailable
	}, waitFor, tick)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SnapshotFailuresTotal))

	// The next successful snapshot recovers the heartbeat.
	adapter.set(nodeDownSnapshot(clock.Now()), nil)
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return mon.Latest().Status == StatusCriticalIssues
	}, waitFor, tick)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SnapshotFailuresTotal))
}

func TestLatestSnapshotIsACopy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := config.DefaultConfig()
	adapter := &fakeAdapter{snap: nodeDownSnapshot(time.Now().UTC())}
	detector := detect.NewDetector(cfg.Monitor, clock, zap.NewNop())
	mon := New(cfg.Monitor, adapter, detector, nil, nil, nil, nil, clock, zap.NewNop())
	t.Cleanup(func() { _ = mon.Stop() })

	assert.Nil(t, mon.LatestSnapshot(), "no snapshot before the first check")

	require.NoError(t, mon.Start(context.Background()))
	require.Eventually(t, func() bool { return mon.LatestSnapshot() != nil }, waitFor, tick)

	first := mon.LatestSnapshot()
	first.Nodes[0].Name = "mutated"
	assert.Equal(t, "node-a", mon.LatestSnapshot().Nodes[0].Name)
}
