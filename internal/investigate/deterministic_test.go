package investigate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/analyzer"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

var deterministicPlan = []string{
	"cluster_overview",
	"node_analysis",
	"pod_analysis",
	"resource_utilization",
	"event_analysis",
	"analyzer_scan",
	"workload_analysis",
	"network_analysis",
	"report_assembly",
}

func newTestDeterministic(fc *fakeCluster, fa *fakeAnalyzer) (*Deterministic, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	d := NewDeterministic(fc, fa, nil, nil, clock, zap.NewNop())
	return d, clock
}

func TestDeterministicRunCoversDegradedCluster(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := &fakeCluster{snap: degradedSnapshot(clock.Now())}
	fa := &fakeAnalyzer{diags: []analyzer.Diagnostic{{
		Title:       "Service shop/web",
		Description: "Service has no endpoints",
		Severity:    "medium",
		Ref:         &cluster.ObjectRef{Kind: "Service", Namespace: "shop", Name: "web"},
	}}}
	d := NewDeterministic(fc, fa, nil, nil, clock, zap.NewNop())

	rep, err := d.Run(context.Background(), Request{ID: "det_000001_test0001"})
	require.NoError(t, err)
	require.Equal(t, report.StatusCompleted, rep.Status)

	require.Len(t, rep.Steps, len(deterministicPlan))
	for i, step := range rep.Steps {
		assert.Equal(t, deterministicPlan[i], step.Name)
		assert.Equal(t, i+1, step.Index)
		assert.NotEqual(t, report.StepFailed, step.Status, "step %s failed: %s", step.Name, step.Error)
	}

	titles := findingTitles(rep.Findings)
	assert.True(t, hasFindingWithTitle(rep.Findings, "Node node-b not ready"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "waiting on ImagePullBackOff"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "Failed phase"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "node-a cpu at 90%"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "BackOff warnings"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "Deployment shop/web has 1 of 3 replicas"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "Service shop/web has no ready endpoints"), "titles: %v", titles)
	assert.True(t, hasFindingWithTitle(rep.Findings, "NetworkPolicy shop/allow-web selects no pods"), "titles: %v", titles)
	// Stale FailedScheduling event is outside the 30 minute window.
	assert.False(t, hasFindingWithTitle(rep.Findings, "FailedScheduling"), "titles: %v", titles)

	assert.True(t, strings.HasPrefix(rep.ExecutiveSummary, "CLUSTER STATUS: CRITICAL — 1/2 nodes ready"), rep.ExecutiveSummary)
	require.NotEmpty(t, rep.Recommendations)
	assert.Equal(t, detect.SeverityCritical, rep.Recommendations[0].Severity)

	assert.Equal(t, 2, rep.ClusterSummary.NodesTotal)
	assert.Equal(t, 1, rep.ClusterSummary.NodesReady)
	assert.Equal(t, 3, rep.ClusterSummary.PodsTotal)
}

func TestDeterministicImageFindingCitesKnowledge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := &fakeCluster{snap: degradedSnapshot(clock.Now())}
	idx := newImagePolicyIndex(t)
	d := NewDeterministic(fc, &fakeAnalyzer{err: analyzer.ErrToolMissing}, idx, nil, clock, zap.NewNop())

	rep, err := d.Run(context.Background(), Request{ID: "det_000002_test0002"})
	require.NoError(t, err)

	var image *report.Finding
	for i := range rep.Findings {
		if rep.Findings[i].Category == report.CategoryImagePolicy {
			image = &rep.Findings[i]
			break
		}
	}
	require.NotNil(t, image)
	assert.NotEmpty(t, image.SourceSection)
	assert.True(t, idx.HasSection(image.SourceSection))
	last := image.Recommendations[len(image.Recommendations)-1]
	assert.Contains(t, last, "runbook")
}

func TestDeterministicSnapshotFailureDegradesPlan(t *testing.T) {
	fc := &fakeCluster{snapErr: errors.New("connection refused")}
	d, _ := newTestDeterministic(fc, &fakeAnalyzer{})

	rep, err := d.Run(context.Background(), Request{ID: "det_000003_test0003"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, rep.Status)

	byName := map[string]report.Step{}
	for _, s := range rep.Steps {
		byName[s.Name] = s
	}
	assert.Equal(t, report.StepFailed, byName["cluster_overview"].Status)
	assert.Equal(t, report.StepFailed, byName["node_analysis"].Status)
	assert.Equal(t, "cluster snapshot unavailable", byName["pod_analysis"].Error)
	// The analyzer does not depend on the snapshot.
	assert.Equal(t, report.StepCompleted, byName["analyzer_scan"].Status)
	assert.Equal(t, report.StepCompleted, byName["report_assembly"].Status)

	assert.True(t, hasFindingWithTitle(rep.Findings, "Cluster state unavailable"))
	assert.True(t, strings.Contains(rep.ExecutiveSummary, "0/0 nodes ready"), rep.ExecutiveSummary)
}

func TestDeterministicAnalyzerMissingIsSkipped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := &fakeCluster{snap: degradedSnapshot(clock.Now())}
	d := NewDeterministic(fc, &fakeAnalyzer{err: analyzer.ErrToolMissing}, nil, nil, clock, zap.NewNop())

	rep, err := d.Run(context.Background(), Request{ID: "det_000004_test0004"})
	require.NoError(t, err)

	var scan *report.Step
	for i := range rep.Steps {
		if rep.Steps[i].Name == "analyzer_scan" {
			scan = &rep.Steps[i]
		}
	}
	require.NotNil(t, scan)
	assert.Equal(t, report.StepSkipped, scan.Status)
	assert.Equal(t, "analyzer binary not found", scan.Summary)
	assert.Empty(t, scan.Error)
}

func TestDeterministicHonorsCancellationCause(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := &fakeCluster{snap: degradedSnapshot(clock.Now())}
	d := NewDeterministic(fc, &fakeAnalyzer{}, nil, nil, clock, zap.NewNop())

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrTimedOut)
	rep, err := d.Run(ctx, Request{ID: "det_000005_test0005"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusTimedOut, rep.Status)
	// Only assembly ran; the plan was never entered.
	require.Len(t, rep.Steps, 1)
	assert.Equal(t, "report_assembly", rep.Steps[0].Name)

	ctx2, cancel2 := context.WithCancelCause(context.Background())
	cancel2(ErrCancelled)
	rep2, err := d.Run(ctx2, Request{ID: "det_000006_test0006"})
	require.NoError(t, err)
	assert.Equal(t, report.StatusCancelled, rep2.Status)
}

func TestDeterministicNamespaceScoping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	snap := degradedSnapshot(clock.Now())
	snap.Pods = append(snap.Pods, cluster.Pod{
		Namespace: "other", Name: "noisy-1", Phase: "Running",
		Containers: []cluster.ContainerStatus{{
			Name:  "app",
			State: cluster.ContainerState{Waiting: &cluster.StateWaiting{Reason: "CrashLoopBackOff"}},
		}},
	})
	fc := &fakeCluster{snap: snap}
	d := NewDeterministic(fc, &fakeAnalyzer{}, nil, nil, clock, zap.NewNop())

	rep, err := d.Run(context.Background(), Request{ID: "det_000007_test0007", Namespace: "shop"})
	require.NoError(t, err)

	assert.False(t, hasFindingWithTitle(rep.Findings, "CrashLoopBackOff"),
		"pod outside the requested namespace leaked into findings")
	assert.True(t, hasFindingWithTitle(rep.Findings, "waiting on ImagePullBackOff"))
}
