package investigate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/analyzer"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/llm"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

// fakeCluster serves a canned snapshot with injectable failures.
type fakeCluster struct {
	snap      *cluster.Snapshot
	snapErr   error
	logs      string
	logsErr   error
	events    []cluster.Event
	eventsErr error

	snapCalls int
	lastTail  int64
}

var _ cluster.Adapter = (*fakeCluster)(nil)

func (f *fakeCluster) Snapshot(_ context.Context) (*cluster.Snapshot, error) {
	f.snapCalls++
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snap.Clone(), nil
}

func (f *fakeCluster) GetPodLogs(_ context.Context, _, _ string, tailLines int64) (string, error) {
	f.lastTail = tailLines
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
}

func (f *fakeCluster) ListEvents(_ context.Context, _ cluster.ObjectRef) ([]cluster.Event, error) {
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events, nil
}

// fakeAnalyzer returns canned diagnostics.
type fakeAnalyzer struct {
	diags []analyzer.Diagnostic
	err   error
}

var _ analyzer.Adapter = (*fakeAnalyzer)(nil)

func (f *fakeAnalyzer) Scan(_ context.Context, _ string) ([]analyzer.Diagnostic, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.diags, nil
}

// scriptedLLM replays a fixed sequence of responses and records the prompts
// it was given.
type scriptedLLM struct {
	responses []string
	errs      []error
	prompts   []string
	requests  []llm.Request
}

var _ llm.Adapter = (*scriptedLLM)(nil)

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	i := len(s.prompts)
	s.prompts = append(s.prompts, req.Prompt)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return &llm.Response{Content: s.responses[i], Model: "scripted"}, nil
	}
	return nil, context.DeadlineExceeded
}

// degradedSnapshot builds a cluster with one failure of every flavor the
// deterministic plan looks for.
func degradedSnapshot(now time.Time) *cluster.Snapshot {
	return &cluster.Snapshot{
		Timestamp: now,
		Nodes: []cluster.Node{
			{
				Name:                   "node-a",
				Ready:                  true,
				AllocatableCPUMilli:    4000,
				AllocatableMemoryBytes: 8 * 1024 * 1024 * 1024,
				Usage:                  &cluster.NodeUsage{CPUMilli: 3600, MemoryBytes: 2 * 1024 * 1024 * 1024},
			},
			{Name: "node-b", Ready: false, AllocatableCPUMilli: 4000, AllocatableMemoryBytes: 8 * 1024 * 1024 * 1024},
		},
		Pods: []cluster.Pod{
			{
				Namespace: "shop", Name: "web-1", Phase: "Pending",
				Labels:    map[string]string{"app": "web"},
				CreatedAt: now.Add(-10 * time.Minute),
				Containers: []cluster.ContainerStatus{{
					Name:  "web",
					Image: "ghcr.io/acme/web:v9",
					State: cluster.ContainerState{Waiting: &cluster.StateWaiting{
						Reason:  "ImagePullBackOff",
						Message: `Back-off pulling image "ghcr.io/acme/web:v9"`,
					}},
				}},
			},
			{
				Namespace: "shop", Name: "api-1", Phase: "Running",
				Labels:     map[string]string{"app": "api"},
				CreatedAt:  now.Add(-2 * time.Hour),
				Containers: []cluster.ContainerStatus{{Name: "api", Ready: true, State: cluster.ContainerState{Running: &cluster.StateRunning{}}}},
			},
			{
				Namespace: "shop", Name: "job-x", Phase: "Failed",
				CreatedAt: now.Add(-time.Hour),
			},
		},
		Events: []cluster.Event{
			{
				Type: "Warning", Reason: "BackOff",
				Object:   cluster.ObjectRef{Kind: "Pod", Namespace: "shop", Name: "web-1"},
				Message:  "Back-off pulling image",
				LastSeen: now.Add(-5 * time.Minute),
				Count:    4,
			},
			{
				Type: "Warning", Reason: "FailedScheduling",
				Object:   cluster.ObjectRef{Kind: "Pod", Namespace: "shop", Name: "old-1"},
				Message:  "0/2 nodes available",
				LastSeen: now.Add(-2 * time.Hour),
			},
		},
		Deployments: []cluster.Deployment{
			{Namespace: "shop", Name: "web", Desired: 3, Available: 1},
			{Namespace: "shop", Name: "api", Desired: 2, Available: 2},
		},
		Services: []cluster.Service{
			{Namespace: "shop", Name: "web", Selector: map[string]string{"app": "web-v2"}, EndpointAddresses: 0},
			{Namespace: "shop", Name: "api", Selector: map[string]string{"app": "api"}, EndpointAddresses: 2},
		},
		NetworkPolicies: []cluster.NetworkPolicy{
			{Namespace: "shop", Name: "allow-web", PodSelector: map[string]string{"app": "storefront"}},
		},
		Namespaces: []string{"default", "shop"},
	}
}

// newEmptyIndex loads an index from a directory that does not exist.
func newEmptyIndex(t *testing.T) *knowledge.Index {
	t.Helper()
	idx, err := knowledge.Load(afero.NewMemMapFs(), "missing", 3, zap.NewNop())
	require.NoError(t, err)
	return idx
}

// newImagePolicyIndex loads a one-document corpus about image pull policy.
func newImagePolicyIndex(t *testing.T) *knowledge.Index {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("knowledge", 0o755))
	doc := `# ImagePullBackOff Runbook

Containers stuck on ImagePullBackOff usually reference an image the node
cannot pull. Verify the tag exists and credentials are configured.

# Approved Registries

Production workloads must pull from registry.internal.example.com.
Images from public registries require an exception ticket.
`
	require.NoError(t, afero.WriteFile(fs, "knowledge/image-pull.md", []byte(doc), 0o644))
	idx, err := knowledge.Load(fs, "knowledge", 3, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func findingTitles(findings []report.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Title)
	}
	return out
}

func hasFindingWithTitle(findings []report.Finding, fragment string) bool {
	for _, f := range findings {
		if strings.Contains(f.Title, fragment) {
			return true
		}
	}
	return false
}

func TestExecutiveSummaryLiteral(t *testing.T) {
	cs := report.ClusterSummary{NodesReady: 2, NodesTotal: 3, PodsRunning: 10, PodsTotal: 12}

	assert.Equal(t,
		"CLUSTER STATUS: OK — 2/3 nodes ready, 10/12 pods running, 0 findings (0 critical, 0 high).",
		executiveSummary(cs, 0, 0, 0))
	assert.Equal(t,
		"CLUSTER STATUS: ISSUES DETECTED — 2/3 nodes ready, 10/12 pods running, 3 findings (0 critical, 2 high).",
		executiveSummary(cs, 3, 0, 2))
	assert.Equal(t,
		"CLUSTER STATUS: CRITICAL — 2/3 nodes ready, 10/12 pods running, 5 findings (1 critical, 2 high).",
		executiveSummary(cs, 5, 1, 2))
}

func TestBuildRecommendationsDedupesAndOrders(t *testing.T) {
	findings := []report.Finding{
		{Category: report.CategoryPodFailures, Title: "crash loop", Severity: detect.SeverityMedium, Recommendations: []string{"check logs"}},
		{Category: report.CategoryNodeHealth, Title: "node down", Severity: detect.SeverityCritical, Recommendations: []string{"check kubelet"}},
		{Category: report.CategoryPodFailures, Title: "crash loop", Severity: detect.SeverityHigh},
		{Category: report.CategoryNetwork, Title: "no endpoints", Severity: detect.SeverityMedium},
	}

	recs := buildRecommendations(findings)
	assert.Len(t, recs, 3)

	// Highest severity first; the deduped entry keeps the max severity and
	// counts both occurrences.
	assert.Equal(t, "node down", recs[0].Title)
	assert.Equal(t, "crash loop", recs[1].Title)
	assert.Equal(t, detect.SeverityHigh, recs[1].Severity)
	assert.Equal(t, 2, recs[1].Count)
	assert.Equal(t, []string{"check logs"}, recs[1].Actions)
	assert.Equal(t, "no endpoints", recs[2].Title)
}

func TestBoundTranscriptElidesOldOutputs(t *testing.T) {
	big := strings.Repeat("x", maxTranscriptChars/2)
	transcript := []observation{
		{Tool: "a", Output: big},
		{Tool: "b", Output: big},
		{Tool: "c", Output: big},
	}

	bounded := boundTranscript(transcript)
	assert.Equal(t, "(earlier output elided)", bounded[0].Output)
	assert.Equal(t, big, bounded[1].Output)
	assert.Equal(t, big, bounded[2].Output)
	// The original slice is untouched.
	assert.Equal(t, big, transcript[0].Output)
}
