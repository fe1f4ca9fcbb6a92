package detect

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
)

const (
	// pendingThreshold is how long a Pending pod may wait before an
	// unschedulable event makes it an issue.
	pendingThreshold = 2 * time.Minute

	// restartWindow bounds both the HighRestart sliding window and how far
	// back terminated/event evidence is considered current.
	restartWindow = 10 * time.Minute

	highRestartThreshold = 3

	maxEvidenceLen = 160
)

type restartSample struct {
	at    time.Time
	count int32
}

// Detector turns snapshots into issues. Classification itself is stateless
// per call; the detector keeps the previous snapshot, a restart history per
// container, and the per-fingerprint tracker.
type Detector struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	tracker  *Tracker
	restarts map[string][]restartSample
	prev     *cluster.Snapshot
}

func NewDetector(cfg config.MonitorConfig, clock clockwork.Clock, logger *zap.Logger) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		clock:    clock,
		logger:   logger.Named("detect"),
		tracker:  NewTracker(cfg, clock),
		restarts: make(map[string][]restartSample),
	}
}

// Tracker exposes the detection-window state shared with the scheduler.
func (d *Detector) Tracker() *Tracker { return d.tracker }

// Process classifies cur against the previously processed snapshot and
// updates the detection windows. classified is everything the rules matched
// this snapshot; emitted is the subset that cleared debouncing and cooldown.
func (d *Detector) Process(cur *cluster.Snapshot) (classified, emitted []Issue) {
	classified = d.classify(d.prev, cur)
	d.prev = cur

	emitted = d.tracker.Update(cur, classified)
	for _, iss := range emitted {
		d.logger.Info("issue emitted",
			zap.String("kind", string(iss.Kind)),
			zap.String("severity", string(iss.Severity)),
			zap.String("fingerprint", iss.Fingerprint),
			zap.String("target", iss.Target.Namespace+"/"+iss.Target.Name))
	}
	return classified, emitted
}

// classify applies the ordered rule set to every pod, node, and event.
func (d *Detector) classify(prev, cur *cluster.Snapshot) []Issue {
	now := d.clock.Now()
	var issues []Issue

	prevRestarts := map[string]int32{}
	if prev != nil {
		for _, p := range prev.Pods {
			for _, c := range p.Containers {
				prevRestarts[containerKey(p.Namespace, p.Name, c.Name)] = c.RestartCount
			}
		}
	}

	regressed, restartDelta := d.updateRestartHistory(cur, prevRestarts, now)

	podEvents := map[string][]cluster.Event{}
	for _, e := range cur.Events {
		if e.Object.Kind != "Pod" || !recentEvent(e, now) {
			continue
		}
		k := podKey(e.Object.Namespace, e.Object.Name)
		podEvents[k] = append(podEvents[k], e)
	}

	claimed := map[string]bool{}
	for i := range cur.Pods {
		pod := &cur.Pods[i]
		pk := podKey(pod.Namespace, pod.Name)
		if iss, ok := classifyPod(pod, prevRestarts, podEvents[pk], now); ok {
			issues = append(issues, iss)
			claimed[pk] = true
		}
	}

	for _, node := range cur.Nodes {
		if iss, ok := classifyNode(node); ok {
			issues = append(issues, iss)
		}
	}

	for _, e := range cur.Events {
		if e.Object.Kind != "Pod" || !recentEvent(e, now) {
			continue
		}
		pk := podKey(e.Object.Namespace, e.Object.Name)
		if claimed[pk] {
			continue
		}
		target := Target{Kind: "Pod", Namespace: e.Object.Namespace, Name: e.Object.Name}
		switch {
		case e.Reason == "Evicted":
			issues = append(issues, newIssue(KindEvictedPod, target, e.Reason, 0, 0,
				truncate(e.Message, maxEvidenceLen)))
			claimed[pk] = true
		case e.Reason == "FailedMount" || e.Reason == "FailedAttachVolume":
			issues = append(issues, newIssue(KindFailedMount, target, e.Reason, 0, 0,
				truncate(e.Message, maxEvidenceLen)))
			claimed[pk] = true
		}
	}

	for i := range cur.Pods {
		pod := &cur.Pods[i]
		pk := podKey(pod.Namespace, pod.Name)
		if claimed[pk] {
			continue
		}
		for _, c := range pod.Containers {
			delta := restartDelta[containerKey(pod.Namespace, pod.Name, c.Name)]
			if delta < highRestartThreshold {
				continue
			}
			target := Target{Kind: "Pod", Namespace: pod.Namespace, Name: pod.Name, Container: c.Name}
			issues = append(issues, newIssue(KindHighRestart, target, "HighRestart", c.RestartCount, 0,
				fmt.Sprintf("container %q restarted %d times within %s", c.Name, delta, restartWindow)))
			break
		}
	}

	for i := range issues {
		issues[i].LastSeen = now
		if issues[i].Target.Kind == "Pod" && regressed[podKey(issues[i].Target.Namespace, issues[i].Target.Name)] {
			issues[i].regressed = true
		}
	}
	return issues
}

// updateRestartHistory maintains the per-container sliding window of restart
// counts and reports pods whose restart count went backwards (pod replaced).
func (d *Detector) updateRestartHistory(cur *cluster.Snapshot, prevRestarts map[string]int32, now time.Time) (map[string]bool, map[string]int32) {
	regressed := map[string]bool{}
	delta := map[string]int32{}
	seen := map[string]bool{}

	for i := range cur.Pods {
		pod := &cur.Pods[i]
		for _, c := range pod.Containers {
			key := containerKey(pod.Namespace, pod.Name, c.Name)
			seen[key] = true
			if prevCount, ok := prevRestarts[key]; ok && c.RestartCount < prevCount {
				delete(d.restarts, key)
				regressed[podKey(pod.Namespace, pod.Name)] = true
			}
			samples := append(d.restarts[key], restartSample{at: now, count: c.RestartCount})
			cutoff := now.Add(-restartWindow)
			for len(samples) > 0 && samples[0].at.Before(cutoff) {
				samples = samples[1:]
			}
			d.restarts[key] = samples
			delta[key] = samples[len(samples)-1].count - samples[0].count
		}
	}
	for key := range d.restarts {
		if !seen[key] {
			delete(d.restarts, key)
		}
	}
	return regressed, delta
}

// classifyPod applies rules in fixed order; the first match wins for the pod.
func classifyPod(pod *cluster.Pod, prevRestarts map[string]int32, events []cluster.Event, now time.Time) (Issue, bool) {
	target := func(container string) Target {
		return Target{Kind: "Pod", Namespace: pod.Namespace, Name: pod.Name, Container: container}
	}

	if c := findWaiting(pod, "ImagePullBackOff"); c != nil {
		return newIssue(KindImagePullBackOff, target(c.Name), "ImagePullBackOff", c.RestartCount, 0,
			fmt.Sprintf("container %q waiting: ImagePullBackOff", c.Name),
			fmt.Sprintf("image %q", c.Image),
			truncate(c.State.Waiting.Message, maxEvidenceLen)), true
	}
	if c := findWaiting(pod, "ErrImagePull"); c != nil {
		return newIssue(KindErrImagePull, target(c.Name), "ErrImagePull", c.RestartCount, 0,
			fmt.Sprintf("container %q waiting: ErrImagePull", c.Name),
			fmt.Sprintf("image %q", c.Image),
			truncate(c.State.Waiting.Message, maxEvidenceLen)), true
	}
	if c := findWaiting(pod, "CrashLoopBackOff"); c != nil {
		return newIssue(KindCrashLoopBackOff, target(c.Name), "CrashLoopBackOff", c.RestartCount, 0,
			fmt.Sprintf("container %q waiting: CrashLoopBackOff", c.Name),
			fmt.Sprintf("restart count %d", c.RestartCount),
			truncate(c.State.Waiting.Message, maxEvidenceLen)), true
	}
	for _, c := range pod.Containers {
		t := c.State.Terminated
		if t == nil {
			continue
		}
		increased := c.RestartCount > prevRestarts[containerKey(pod.Namespace, pod.Name, c.Name)]
		crashed := t.Reason == "Error" || (t.Reason == "Completed" && t.ExitCode != 0)
		if increased && crashed {
			return newIssue(KindCrashLoopBackOff, target(c.Name), t.Reason, c.RestartCount, 0,
				fmt.Sprintf("container %q terminated: %s (exit code %d)", c.Name, t.Reason, t.ExitCode),
				fmt.Sprintf("restart count %d", c.RestartCount)), true
		}
	}
	for _, c := range pod.Containers {
		t := c.State.Terminated
		if t == nil || t.Reason != "OOMKilled" {
			continue
		}
		if !t.FinishedAt.IsZero() && now.Sub(t.FinishedAt) > restartWindow {
			continue
		}
		return newIssue(KindOOMKilled, target(c.Name), "OOMKilled", c.RestartCount, 0,
			fmt.Sprintf("container %q terminated: OOMKilled (exit code %d)", c.Name, t.ExitCode),
			fmt.Sprintf("restart count %d", c.RestartCount)), true
	}
	if pod.Phase == "Pending" {
		age := now.Sub(pod.CreatedAt)
		if age > pendingThreshold {
			for _, e := range events {
				if e.Reason == "FailedScheduling" || e.Reason == "Unschedulable" {
					return newIssue(KindPendingUnschedulable, target(""), e.Reason, 0, age,
						fmt.Sprintf("pod pending for %s", age.Round(time.Second)),
						truncate(e.Message, maxEvidenceLen)), true
				}
			}
		}
	}
	// Waiting reasons that block the container without matching a dedicated
	// rule still deserve a record.
	for _, reason := range []string{"InvalidImageName", "CreateContainerConfigError"} {
		if c := findWaiting(pod, reason); c != nil {
			return newIssue(KindUnknown, target(c.Name), reason, c.RestartCount, 0,
				fmt.Sprintf("container %q waiting: %s", c.Name, reason),
				truncate(c.State.Waiting.Message, maxEvidenceLen)), true
		}
	}
	return Issue{}, false
}

func classifyNode(n cluster.Node) (Issue, bool) {
	target := Target{Kind: "Node", Name: n.Name}
	if !n.Ready {
		return newIssue(KindNodeNotReady, target, "NotReady", 0, 0,
			fmt.Sprintf("node %q Ready condition is false", n.Name)), true
	}
	var pressure string
	switch {
	case n.MemoryPressure:
		pressure = "MemoryPressure"
	case n.DiskPressure:
		pressure = "DiskPressure"
	case n.PIDPressure:
		pressure = "PIDPressure"
	default:
		return Issue{}, false
	}
	iss := newIssue(KindNodeNotReady, target, pressure, 0, 0,
		fmt.Sprintf("node %q reports %s", n.Name, pressure))
	// A node under pressure is still serving; do not treat it like an outage.
	iss.Severity = SeverityMedium
	return iss, true
}

func newIssue(kind Kind, target Target, reason string, restarts int32, pendingFor time.Duration, evidence ...string) Issue {
	clean := evidence[:0]
	for _, ev := range evidence {
		if ev != "" {
			clean = append(clean, ev)
		}
	}
	return Issue{
		Kind:         kind,
		Severity:     severityFor(kind, restarts, pendingFor),
		Target:       target,
		Reason:       reason,
		Evidence:     clean,
		Fingerprint:  ComputeFingerprint(kind, target, reason),
		restartCount: restarts,
	}
}

func findWaiting(pod *cluster.Pod, reason string) *cluster.ContainerStatus {
	for i := range pod.Containers {
		if w := pod.Containers[i].State.Waiting; w != nil && w.Reason == reason {
			return &pod.Containers[i]
		}
	}
	return nil
}

func recentEvent(e cluster.Event, now time.Time) bool {
	return e.LastSeen.IsZero() || now.Sub(e.LastSeen) <= restartWindow
}

func podKey(namespace, name string) string { return namespace + "/" + name }

func containerKey(namespace, pod, container string) string {
	return namespace + "/" + pod + "/" + container
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
