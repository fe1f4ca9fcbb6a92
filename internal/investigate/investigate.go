// Package investigate implements the two investigation engines that turn a
// detected issue (or a manual request) into a sealed report.
//
// Responsibilities:
//   - DeterministicInvestigator: a fixed nine-step diagnostic plan over the
//     cluster adapter and the analyzer
//   - AgenticInvestigator: a bounded plan-act-observe loop where an LLM
//     drives a fixed tool set grounded in the knowledge corpus
//   - Shared report assembly: cluster summary, executive summary and
//     prioritized recommendations
//
// Integration points:
//   - internal/scheduler dispatches investigations and seals the reports
//   - internal/cluster, internal/analyzer, internal/knowledge and
//     internal/llm provide the adapters the engines call
//   - internal/bus carries per-step progress events
package investigate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

// Cancellation causes, attached by the scheduler via context.WithCancelCause
// so an engine can seal with the right terminal status.
var (
	ErrCancelled = errors.New("investigation cancelled")
	ErrTimedOut  = errors.New("investigation timed out")
)

// Request describes a single investigation to run.
type Request struct {
	// ID is the report identifier allocated by the store.
	ID string

	// Namespace scopes the investigation; empty means cluster-wide.
	Namespace string

	// Issue is the triggering issue. Nil for manual full-cluster runs.
	Issue *detect.Issue

	// Fingerprints are recorded on the report for traceability.
	Fingerprints []string
}

// Investigator runs one investigation to completion. Run always returns a
// report carrying the terminal status it reached; the error return is
// reserved for conditions the scheduler must react to (rate limiting).
type Investigator interface {
	Run(ctx context.Context, req Request) (*report.Report, error)
}

// statusForCause maps a finished context to the terminal report status.
func statusForCause(ctx context.Context) report.Status {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimedOut) || errors.Is(cause, context.DeadlineExceeded) {
		return report.StatusTimedOut
	}
	return report.StatusCancelled
}

// assemble fills the summary fields every sealed report carries: cluster
// counts, the executive summary line and deduplicated recommendations.
func assemble(rep *report.Report, snap *cluster.Snapshot) {
	if snap != nil {
		nr, nt := snap.NodeCounts()
		pr, pp, pf, pt := snap.PodCounts()
		rep.ClusterSummary = report.ClusterSummary{
			NodesTotal:    nt,
			NodesReady:    nr,
			PodsTotal:     pt,
			PodsRunning:   pr,
			PodsPending:   pp,
			PodsFailed:    pf,
			Deployments:   len(snap.Deployments),
			EventsWarning: snap.WarningEventCount(),
		}
	}
	critical, high := report.CountBySeverity(rep.Findings)
	rep.ExecutiveSummary = executiveSummary(rep.ClusterSummary, len(rep.Findings), critical, high)
	rep.Recommendations = buildRecommendations(rep.Findings)
}

func executiveSummary(cs report.ClusterSummary, findings, critical, high int) string {
	status := "OK"
	switch {
	case critical > 0:
		status = "CRITICAL"
	case findings > 0:
		status = "ISSUES DETECTED"
	}
	return fmt.Sprintf("CLUSTER STATUS: %s — %d/%d nodes ready, %d/%d pods running, %d findings (%d critical, %d high).",
		status, cs.NodesReady, cs.NodesTotal, cs.PodsRunning, cs.PodsTotal, findings, critical, high)
}

// buildRecommendations dedupes findings by (category, title) and orders the
// result by severity, then occurrence count, then title.
func buildRecommendations(findings []report.Finding) []report.Recommendation {
	type key struct {
		category report.Category
		title    string
	}
	index := map[key]int{}
	var recs []report.Recommendation
	for _, f := range findings {
		k := key{f.Category, f.Title}
		if i, ok := index[k]; ok {
			recs[i].Count++
			if f.Severity.Rank() > recs[i].Severity.Rank() {
				recs[i].Severity = f.Severity
			}
			continue
		}
		index[k] = len(recs)
		recs = append(recs, report.Recommendation{
			Category: f.Category,
			Title:    f.Title,
			Severity: f.Severity,
			Actions:  append([]string(nil), f.Recommendations...),
			Count:    1,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Severity.Rank() != recs[j].Severity.Rank() {
			return recs[i].Severity.Rank() > recs[j].Severity.Rank()
		}
		if recs[i].Count != recs[j].Count {
			return recs[i].Count > recs[j].Count
		}
		return recs[i].Title < recs[j].Title
	})
	return recs
}

// parseSeverity normalizes a model- or tool-provided severity string.
func parseSeverity(s string) detect.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return detect.SeverityCritical
	case "high":
		return detect.SeverityHigh
	case "medium":
		return detect.SeverityMedium
	case "low":
		return detect.SeverityLow
	case "info":
		return detect.SeverityInfo
	default:
		return detect.SeverityMedium
	}
}

// parseCategory normalizes a category string to the known set.
func parseCategory(s string) (report.Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pod_failures":
		return report.CategoryPodFailures, true
	case "node_health":
		return report.CategoryNodeHealth, true
	case "resource_pressure":
		return report.CategoryResourcePressure, true
	case "image_policy":
		return report.CategoryImagePolicy, true
	case "network":
		return report.CategoryNetwork, true
	case "storage":
		return report.CategoryStorage, true
	case "events":
		return report.CategoryEvents, true
	case "knowledge_gap":
		return report.CategoryKnowledgeGap, true
	default:
		return report.CategoryEvents, false
	}
}

// publishStep emits one per-step progress event on the logs topic.
func publishStep(events *bus.Bus, clock clockwork.Clock, id string, step report.Step) {
	if events == nil {
		return
	}
	level := "info"
	if step.Status == report.StepFailed {
		level = "warn"
	}
	detail := map[string]interface{}{
		"step":        step.Name,
		"index":       step.Index,
		"status":      string(step.Status),
		"duration_ms": step.DurationMs,
	}
	if step.Error != "" {
		detail["error"] = step.Error
	}
	events.Publish(bus.TopicLogs, bus.LogEvent{
		Timestamp: clock.Now().UTC(),
		SourceID:  id,
		Level:     level,
		Message:   "investigation step " + string(step.Status),
		Detail:    detail,
	})
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
