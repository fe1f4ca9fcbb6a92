package investigate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/analyzer"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

const (
	eventWindow       = 30 * time.Minute
	utilizationHigh   = 80.0
	utilizationSevere = 90.0
	maxSampleMessages = 3
	maxAffectedRefs   = 10
)

// errStepSkipped marks a step as skipped rather than failed; the summary
// carries the reason.
var errStepSkipped = errors.New("step skipped")

var errSnapshotUnavailable = errors.New("cluster snapshot unavailable")

// reasonRecommendations maps waiting and event reasons to remediation
// suggestions.
var reasonRecommendations = map[string][]string{
	"Failed":                     {"Check pod logs", "Verify image availability", "Check resource limits"},
	"FailedScheduling":           {"Check node resources", "Verify node selectors and taints", "Review pod resource requests"},
	"Unschedulable":              {"Check node resources", "Verify node selectors and taints", "Review pod resource requests"},
	"ErrImagePull":               {"Verify image name and tag", "Check registry credentials", "Verify network connectivity to the registry"},
	"ImagePullBackOff":           {"Check image repository access", "Verify image pull secrets", "Confirm the image exists in an approved registry"},
	"CrashLoopBackOff":           {"Check container logs for the crash cause", "Review liveness probe configuration", "Verify resource limits"},
	"CreateContainerConfigError": {"Check referenced ConfigMaps and Secrets", "Review container environment configuration"},
	"InvalidImageName":           {"Fix the image reference in the pod spec", "Verify the registry hostname"},
	"Unhealthy":                  {"Check readiness and liveness probes", "Verify application health", "Review resource usage"},
	"FailedMount":                {"Check volume configuration", "Verify PVC status", "Check the storage class"},
	"FailedAttachVolume":         {"Check volume attachment status", "Verify the CSI driver", "Review node affinity for the volume"},
	"Evicted":                    {"Review node resource pressure", "Set resource requests and limits", "Check pod priority classes"},
	"OOMKilling":                 {"Increase the container memory limit", "Profile application memory usage"},
	"BackOff":                    {"Check container logs", "Review recent changes to the workload"},
}

func recommendationsFor(reason string) []string {
	if r, ok := reasonRecommendations[reason]; ok {
		return append([]string(nil), r...)
	}
	return []string{"Review event details", "Check related resources", "Verify configuration"}
}

// Deterministic executes a fixed ordered diagnostic plan. Every step is
// best-effort: failures are recorded on the report and the plan continues.
type Deterministic struct {
	cluster   cluster.Adapter
	analyzer  analyzer.Adapter
	knowledge *knowledge.Index
	events    *bus.Bus
	clock     clockwork.Clock
	logger    *zap.Logger
}

var _ Investigator = (*Deterministic)(nil)

// NewDeterministic wires a deterministic investigator over the given adapters.
func NewDeterministic(clusterAdapter cluster.Adapter, analyzerAdapter analyzer.Adapter, idx *knowledge.Index, events *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *Deterministic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Deterministic{
		cluster:   clusterAdapter,
		analyzer:  analyzerAdapter,
		knowledge: idx,
		events:    events,
		clock:     clock,
		logger:    logger,
	}
}

// detState carries data between plan steps.
type detState struct {
	namespace string
	snap      *cluster.Snapshot
	findings  []report.Finding
}

// Run implements Investigator.
func (d *Deterministic) Run(ctx context.Context, req Request) (*report.Report, error) {
	rep := &report.Report{
		ID:                     req.ID,
		Mode:                   report.ModeDeterministic,
		Status:                 report.StatusInProgress,
		Namespace:              req.Namespace,
		TriggeringFingerprints: append([]string(nil), req.Fingerprints...),
		StartedAt:              d.clock.Now().UTC(),
	}
	st := &detState{namespace: req.Namespace}

	plan := []struct {
		name string
		run  func(context.Context, *detState) (string, error)
	}{
		{"cluster_overview", d.clusterOverview},
		{"node_analysis", d.nodeAnalysis},
		{"pod_analysis", d.podAnalysis},
		{"resource_utilization", d.resourceUtilization},
		{"event_analysis", d.eventAnalysis},
		{"analyzer_scan", d.analyzerScan},
		{"workload_analysis", d.workloadAnalysis},
		{"network_analysis", d.networkAnalysis},
	}

	interrupted := false
	for i, step := range plan {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		start := d.clock.Now()
		summary, err := step.run(ctx, st)
		rec := report.Step{
			Index:      i + 1,
			Name:       step.name,
			Status:     report.StepCompleted,
			DurationMs: d.clock.Since(start).Milliseconds(),
			Summary:    summary,
		}
		switch {
		case errors.Is(err, errStepSkipped):
			rec.Status = report.StepSkipped
		case err != nil:
			rec.Status = report.StepFailed
			rec.Error = err.Error()
			d.logger.Warn("investigation step failed",
				zap.String("investigation_id", req.ID),
				zap.String("step", step.name),
				zap.Error(err))
		}
		rep.Steps = append(rep.Steps, rec)
		publishStep(d.events, d.clock, req.ID, rec)
	}

	rep.Findings = st.findings
	start := d.clock.Now()
	assemble(rep, st.snap)
	rec := report.Step{
		Index:      len(rep.Steps) + 1,
		Name:       "report_assembly",
		Status:     report.StepCompleted,
		DurationMs: d.clock.Since(start).Milliseconds(),
		Summary:    fmt.Sprintf("%d findings, %d recommendations", len(rep.Findings), len(rep.Recommendations)),
	}
	rep.Steps = append(rep.Steps, rec)
	publishStep(d.events, d.clock, req.ID, rec)

	if interrupted {
		rep.Status = statusForCause(ctx)
	} else {
		rep.Status = report.StatusCompleted
	}
	return rep, nil
}

func (d *Deterministic) clusterOverview(ctx context.Context, st *detState) (string, error) {
	snap, err := d.cluster.Snapshot(ctx)
	if err != nil {
		st.findings = append(st.findings, report.Finding{
			Category:        report.CategoryEvents,
			Severity:        detect.SeverityHigh,
			Title:           "Cluster state unavailable",
			Description:     "The cluster adapter could not produce a snapshot; most analysis steps are degraded.",
			Recommendations: []string{"Check API server connectivity", "Verify kubeconfig credentials"},
			Evidence:        []string{err.Error()},
			SourceTool:      report.SourceInternal,
		})
		return "", fmt.Errorf("snapshot: %w", err)
	}
	st.snap = snap
	nr, nt := snap.NodeCounts()
	_, _, _, pt := snap.PodCounts()
	return fmt.Sprintf("%d/%d nodes ready, %d pods, %d namespaces", nr, nt, pt, len(snap.Namespaces)), nil
}

func (d *Deterministic) nodeAnalysis(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	notReady, pressured := 0, 0
	for _, n := range st.snap.Nodes {
		if !n.Ready {
			notReady++
			st.findings = append(st.findings, report.Finding{
				Category:          report.CategoryNodeHealth,
				Severity:          detect.SeverityCritical,
				Title:             fmt.Sprintf("Node %s not ready", n.Name),
				Description:       fmt.Sprintf("Node %s is not in Ready state; its workloads may be rescheduled or stuck.", n.Name),
				AffectedResources: []string{"node/" + n.Name},
				Recommendations:   []string{"Check node logs", "Verify node connectivity", "Check kubelet status"},
				Evidence:          []string{"condition Ready=False"},
				SourceTool:        report.SourceCluster,
			})
			continue
		}
		for _, cond := range []struct {
			name      string
			condition string
			active    bool
		}{
			{"memory", "MemoryPressure", n.MemoryPressure},
			{"disk", "DiskPressure", n.DiskPressure},
			{"pid", "PIDPressure", n.PIDPressure},
		} {
			if !cond.active {
				continue
			}
			pressured++
			st.findings = append(st.findings, report.Finding{
				Category:          report.CategoryNodeHealth,
				Severity:          detect.SeverityMedium,
				Title:             fmt.Sprintf("Node %s reporting %s pressure", n.Name, cond.name),
				Description:       fmt.Sprintf("Node %s is under %s pressure and may start evicting pods.", n.Name, cond.name),
				AffectedResources: []string{"node/" + n.Name},
				Recommendations:   []string{"Review node resource consumption", "Consider cordoning the node", "Check for runaway workloads"},
				Evidence:          []string{fmt.Sprintf("condition %s=True", cond.condition)},
				SourceTool:        report.SourceCluster,
			})
		}
	}
	return fmt.Sprintf("%d nodes inspected, %d not ready, %d under pressure", len(st.snap.Nodes), notReady, pressured), nil
}

func (d *Deterministic) podAnalysis(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	type waitGroup struct {
		refs    []string
		samples []string
	}
	groups := map[string]*waitGroup{}
	var failedRefs []string
	running, pending := 0, 0
	pods := st.pods()
	for _, p := range pods {
		switch p.Phase {
		case "Running":
			running++
		case "Pending":
			pending++
		case "Failed":
			failedRefs = append(failedRefs, p.Namespace+"/"+p.Name)
		}
		for _, c := range p.Containers {
			w := c.State.Waiting
			if w == nil || w.Reason == "" || w.Reason == "ContainerCreating" || w.Reason == "PodInitializing" {
				continue
			}
			g := groups[w.Reason]
			if g == nil {
				g = &waitGroup{}
				groups[w.Reason] = g
			}
			ref := p.Namespace + "/" + p.Name
			if len(g.refs) < maxAffectedRefs && !containsString(g.refs, ref) {
				g.refs = append(g.refs, ref)
			}
			if w.Message != "" && len(g.samples) < maxSampleMessages {
				g.samples = append(g.samples, truncateText(w.Message, 160))
			}
		}
	}

	reasons := make([]string, 0, len(groups))
	for r := range groups {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		g := groups[reason]
		f := report.Finding{
			Category:          waitingCategory(reason),
			Severity:          waitingSeverity(reason),
			Title:             fmt.Sprintf("%d pod(s) waiting on %s", len(g.refs), reason),
			Description:       fmt.Sprintf("Containers are stuck in waiting state %s.", reason),
			AffectedResources: g.refs,
			Recommendations:   recommendationsFor(reason),
			Evidence:          g.samples,
			SourceTool:        report.SourceCluster,
		}
		if f.Category == report.CategoryImagePolicy && d.knowledge != nil {
			if secs := d.knowledge.Query(reason); len(secs) > 0 {
				f.SourceSection = secs[0].SectionID
				f.Recommendations = append(f.Recommendations, "Consult runbook section: "+secs[0].Title)
			}
		}
		st.findings = append(st.findings, f)
	}
	if len(failedRefs) > 0 {
		st.findings = append(st.findings, report.Finding{
			Category:          report.CategoryPodFailures,
			Severity:          detect.SeverityHigh,
			Title:             fmt.Sprintf("%d pod(s) in Failed phase", len(failedRefs)),
			Description:       "Pods have terminated in Failed phase and are not being restarted.",
			AffectedResources: capStrings(failedRefs, maxAffectedRefs),
			Recommendations:   []string{"Check pod logs", "Review pod events", "Verify resource limits"},
			SourceTool:        report.SourceCluster,
		})
	}
	return fmt.Sprintf("%d pods (%d running, %d pending, %d failed), %d waiting reasons",
		len(pods), running, pending, len(failedRefs), len(groups)), nil
}

func (d *Deterministic) resourceUtilization(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	withMetrics, hot := 0, 0
	for _, n := range st.snap.Nodes {
		if n.Usage == nil {
			continue
		}
		withMetrics++
		for _, res := range []struct {
			name      string
			used      int64
			allocable int64
			format    func(int64) string
		}{
			{"cpu", n.Usage.CPUMilli, n.AllocatableCPUMilli, func(v int64) string { return fmt.Sprintf("%dm", v) }},
			{"memory", n.Usage.MemoryBytes, n.AllocatableMemoryBytes, func(v int64) string { return fmt.Sprintf("%dMi", v/(1024*1024)) }},
		} {
			if res.allocable <= 0 {
				continue
			}
			pct := float64(res.used) / float64(res.allocable) * 100
			if pct < utilizationHigh {
				continue
			}
			hot++
			sev := detect.SeverityHigh
			if pct >= utilizationSevere {
				sev = detect.SeverityCritical
			}
			st.findings = append(st.findings, report.Finding{
				Category:          report.CategoryResourcePressure,
				Severity:          sev,
				Title:             fmt.Sprintf("Node %s %s at %.0f%%", n.Name, res.name, pct),
				Description:       fmt.Sprintf("Node %s is using %.0f%% of allocatable %s.", n.Name, pct, res.name),
				AffectedResources: []string{"node/" + n.Name},
				Recommendations:   []string{"Rebalance workloads off the node", "Review resource requests and limits", "Add capacity if pressure is sustained"},
				Evidence:          []string{fmt.Sprintf("%s usage %s of %s allocatable", res.name, res.format(res.used), res.format(res.allocable))},
				SourceTool:        report.SourceCluster,
			})
		}
	}
	if withMetrics == 0 {
		return "node usage metrics unavailable", errStepSkipped
	}
	return fmt.Sprintf("%d nodes with metrics, %d resources above %.0f%%", withMetrics, hot, utilizationHigh), nil
}

func (d *Deterministic) eventAnalysis(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	type eventGroup struct {
		count   int
		objects []string
		samples []string
	}
	cutoff := d.clock.Now().Add(-eventWindow)
	groups := map[string]*eventGroup{}
	total := 0
	for _, ev := range st.eventsScoped() {
		if ev.Type != "Warning" {
			continue
		}
		if !ev.LastSeen.IsZero() && ev.LastSeen.Before(cutoff) {
			continue
		}
		total++
		g := groups[ev.Reason]
		if g == nil {
			g = &eventGroup{}
			groups[ev.Reason] = g
		}
		g.count += maxOf(int(ev.Count), 1)
		obj := ev.Object.Kind + " " + ev.Object.Namespace + "/" + ev.Object.Name
		if len(g.objects) < 5 && !containsString(g.objects, obj) {
			g.objects = append(g.objects, obj)
		}
		if ev.Message != "" && len(g.samples) < maxSampleMessages && !containsString(g.samples, ev.Message) {
			g.samples = append(g.samples, truncateText(ev.Message, 160))
		}
	}

	reasons := make([]string, 0, len(groups))
	for r := range groups {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if groups[reasons[i]].count != groups[reasons[j]].count {
			return groups[reasons[i]].count > groups[reasons[j]].count
		}
		return reasons[i] < reasons[j]
	})
	for _, reason := range reasons {
		g := groups[reason]
		st.findings = append(st.findings, report.Finding{
			Category:          report.CategoryEvents,
			Severity:          eventSeverity(reason),
			Title:             fmt.Sprintf("%s warnings (%d occurrences)", reason, g.count),
			Description:       strings.Join(g.samples, "; "),
			AffectedResources: g.objects,
			Recommendations:   recommendationsFor(reason),
			Evidence:          g.samples,
			SourceTool:        report.SourceCluster,
		})
	}
	return fmt.Sprintf("%d warning events in the last %s across %d reasons", total, eventWindow, len(groups)), nil
}

func (d *Deterministic) analyzerScan(ctx context.Context, st *detState) (string, error) {
	if d.analyzer == nil {
		return "analyzer not configured", errStepSkipped
	}
	diags, err := d.analyzer.Scan(ctx, st.namespace)
	if errors.Is(err, analyzer.ErrToolMissing) {
		return "analyzer binary not found", errStepSkipped
	}
	if err != nil {
		return "", err
	}
	for _, diag := range diags {
		f := report.Finding{
			Category:        categorizeDiagnostic(diag.Title),
			Severity:        parseSeverity(diag.Severity),
			Title:           diag.Title,
			Description:     diag.Description,
			Recommendations: []string{"Review analyzer detail for the object", "Address the identified condition"},
			SourceTool:      report.SourceAnalyzer,
		}
		if diag.Ref != nil {
			f.AffectedResources = []string{diag.Ref.Namespace + "/" + diag.Ref.Name}
		}
		st.findings = append(st.findings, f)
	}
	return fmt.Sprintf("%d diagnostics", len(diags)), nil
}

func (d *Deterministic) workloadAnalysis(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	degraded := 0
	deployments := st.deploymentsScoped()
	for _, dep := range deployments {
		if dep.Available >= dep.Desired {
			continue
		}
		degraded++
		sev := detect.SeverityMedium
		if dep.Available == 0 && dep.Desired > 0 {
			sev = detect.SeverityHigh
		}
		st.findings = append(st.findings, report.Finding{
			Category:          report.CategoryPodFailures,
			Severity:          sev,
			Title:             fmt.Sprintf("Deployment %s/%s has %d of %d replicas available", dep.Namespace, dep.Name, dep.Available, dep.Desired),
			Description:       "The deployment is running fewer replicas than desired.",
			AffectedResources: []string{dep.Namespace + "/" + dep.Name},
			Recommendations:   []string{"Check pod status for the deployment", "Review recent rollout and scheduling events", "Verify image and resource availability"},
			SourceTool:        report.SourceCluster,
		})
	}
	return fmt.Sprintf("%d deployments checked, %d degraded", len(deployments), degraded), nil
}

func (d *Deterministic) networkAnalysis(_ context.Context, st *detState) (string, error) {
	if st.snap == nil {
		return "", errSnapshotUnavailable
	}
	noEndpoints, stalePolicies := 0, 0
	for _, svc := range st.servicesScoped() {
		if len(svc.Selector) == 0 || svc.EndpointAddresses > 0 {
			continue
		}
		noEndpoints++
		st.findings = append(st.findings, report.Finding{
			Category:          report.CategoryNetwork,
			Severity:          detect.SeverityMedium,
			Title:             fmt.Sprintf("Service %s/%s has no ready endpoints", svc.Namespace, svc.Name),
			Description:       "The service selector matches no ready pods; traffic to it will fail.",
			AffectedResources: []string{svc.Namespace + "/" + svc.Name},
			Recommendations:   []string{"Verify the service selector matches pod labels", "Check that backing pods are Running and Ready"},
			SourceTool:        report.SourceCluster,
		})
	}
	for _, np := range st.networkPoliciesScoped() {
		if len(np.PodSelector) == 0 {
			continue
		}
		matched := false
		for _, p := range st.snap.Pods {
			if p.Namespace == np.Namespace && selectorMatches(p.Labels, np.PodSelector) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		stalePolicies++
		st.findings = append(st.findings, report.Finding{
			Category:          report.CategoryNetwork,
			Severity:          detect.SeverityLow,
			Title:             fmt.Sprintf("NetworkPolicy %s/%s selects no pods", np.Namespace, np.Name),
			Description:       "The policy podSelector matches no pods in its namespace; it may be stale or mislabeled.",
			AffectedResources: []string{np.Namespace + "/" + np.Name},
			Recommendations:   []string{"Confirm the podSelector labels", "Remove or update stale policies"},
			SourceTool:        report.SourceCluster,
		})
	}
	return fmt.Sprintf("%d services without endpoints, %d policies without matching pods", noEndpoints, stalePolicies), nil
}

// Namespace-scoped views over the snapshot.

func (st *detState) pods() []cluster.Pod {
	if st.namespace == "" {
		return st.snap.Pods
	}
	var out []cluster.Pod
	for _, p := range st.snap.Pods {
		if p.Namespace == st.namespace {
			out = append(out, p)
		}
	}
	return out
}

func (st *detState) eventsScoped() []cluster.Event {
	if st.namespace == "" {
		return st.snap.Events
	}
	var out []cluster.Event
	for _, e := range st.snap.Events {
		if e.Object.Namespace == st.namespace {
			out = append(out, e)
		}
	}
	return out
}

func (st *detState) deploymentsScoped() []cluster.Deployment {
	if st.namespace == "" {
		return st.snap.Deployments
	}
	var out []cluster.Deployment
	for _, d := range st.snap.Deployments {
		if d.Namespace == st.namespace {
			out = append(out, d)
		}
	}
	return out
}

func (st *detState) servicesScoped() []cluster.Service {
	if st.namespace == "" {
		return st.snap.Services
	}
	var out []cluster.Service
	for _, s := range st.snap.Services {
		if s.Namespace == st.namespace {
			out = append(out, s)
		}
	}
	return out
}

func (st *detState) networkPoliciesScoped() []cluster.NetworkPolicy {
	if st.namespace == "" {
		return st.snap.NetworkPolicies
	}
	var out []cluster.NetworkPolicy
	for _, np := range st.snap.NetworkPolicies {
		if np.Namespace == st.namespace {
			out = append(out, np)
		}
	}
	return out
}

func waitingCategory(reason string) report.Category {
	switch reason {
	case "ImagePullBackOff", "ErrImagePull", "InvalidImageName":
		return report.CategoryImagePolicy
	case "FailedMount", "FailedAttachVolume":
		return report.CategoryStorage
	default:
		return report.CategoryPodFailures
	}
}

func waitingSeverity(reason string) detect.Severity {
	switch reason {
	case "ImagePullBackOff", "ErrImagePull", "CrashLoopBackOff":
		return detect.SeverityHigh
	default:
		return detect.SeverityMedium
	}
}

func eventSeverity(reason string) detect.Severity {
	switch reason {
	case "Failed", "ErrImagePull", "ImagePullBackOff", "OOMKilling", "Evicted":
		return detect.SeverityHigh
	default:
		return detect.SeverityMedium
	}
}

func categorizeDiagnostic(title string) report.Category {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "service"), strings.Contains(t, "ingress"),
		strings.Contains(t, "networkpolicy"), strings.Contains(t, "endpoint"):
		return report.CategoryNetwork
	case strings.Contains(t, "volume"), strings.Contains(t, "pvc"), strings.Contains(t, "storage"):
		return report.CategoryStorage
	case strings.Contains(t, "node"):
		return report.CategoryNodeHealth
	default:
		return report.CategoryPodFailures
	}
}

func selectorMatches(labels, selector map[string]string) bool {
	if len(labels) == 0 {
		return false
	}
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func capStrings(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[:n]
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}
