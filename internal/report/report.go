// Package report defines investigation reports, their text rendering, and
// the bounded in-memory store with filesystem persistence.
//
// Responsibilities:
//   - Report/Finding/Step data model shared by both investigators
//   - Create/Seal lifecycle: reports are mutable only between dispatch and
//     seal, then immutable and persisted as JSON plus a text projection
//   - Archive eviction: oldest sealed reports leave memory first, reports
//     still in progress never do
//
// Integration points:
//   - internal/scheduler: creates and seals reports around investigator runs
//   - internal/investigate: fills findings, steps, and summaries
//   - internal/server: reads reports and rendered projections
package report

import (
	"time"

	"github.com/kubeinquest/kubeinquest/internal/detect"
)

// Mode selects the investigation strategy.
type Mode string

const (
	ModeDeterministic Mode = "deterministic"
	ModeAgentic       Mode = "agentic"
)

// Status is the report lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the status seals a report.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// StepStatus is the outcome of one investigation step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// Category buckets findings for deduplication and display.
type Category string

const (
	CategoryPodFailures      Category = "pod_failures"
	CategoryNodeHealth       Category = "node_health"
	CategoryResourcePressure Category = "resource_pressure"
	CategoryImagePolicy      Category = "image_policy"
	CategoryNetwork          Category = "network"
	CategoryStorage          Category = "storage"
	CategoryEvents           Category = "events"
	CategoryKnowledgeGap     Category = "knowledge_gap"
)

// SourceTool names where a finding's evidence came from.
type SourceTool string

const (
	SourceCluster   SourceTool = "cluster"
	SourceAnalyzer  SourceTool = "analyzer"
	SourceKnowledge SourceTool = "knowledge"
	SourceLLM       SourceTool = "llm"
	SourceInternal  SourceTool = "internal"
)

// Finding is one atomic investigation result.
type Finding struct {
	Category          Category        `json:"category"`
	Severity          detect.Severity `json:"severity"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	AffectedResources []string        `json:"affected_resources,omitempty"`
	Recommendations   []string        `json:"recommendations,omitempty"`
	Evidence          []string        `json:"evidence,omitempty"`
	SourceTool        SourceTool      `json:"source_tool"`
	SourceSection     string          `json:"source_section,omitempty"`
}

// Step records one unit of investigation work in execution order.
type Step struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Summary    string     `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ClusterSummary is the counts block embedded in every report.
type ClusterSummary struct {
	NodesTotal    int `json:"nodes_total"`
	NodesReady    int `json:"nodes_ready"`
	PodsTotal     int `json:"pods_total"`
	PodsRunning   int `json:"pods_running"`
	PodsPending   int `json:"pods_pending"`
	PodsFailed    int `json:"pods_failed"`
	Deployments   int `json:"deployments"`
	EventsWarning int `json:"events_warning"`
}

// Recommendation is a deduplicated action item aggregated from findings.
type Recommendation struct {
	Category Category        `json:"category"`
	Title    string          `json:"title"`
	Severity detect.Severity `json:"severity"`
	Actions  []string        `json:"actions"`
	Count    int             `json:"count"`
}

// Report is one investigation run.
type Report struct {
	ID                     string           `json:"id"`
	Mode                   Mode             `json:"mode"`
	Status                 Status           `json:"status"`
	TriggeringFingerprints []string         `json:"triggering_issue_fingerprints,omitempty"`
	Namespace              string           `json:"namespace,omitempty"`
	StartedAt              time.Time        `json:"started_at"`
	FinishedAt             *time.Time       `json:"finished_at,omitempty"`
	DurationMs             int64            `json:"duration_ms"`
	ClusterSummary         ClusterSummary   `json:"cluster_summary"`
	Findings               []Finding        `json:"findings"`
	ExecutiveSummary       string           `json:"executive_summary,omitempty"`
	Recommendations        []Recommendation `json:"recommendations,omitempty"`
	Steps                  []Step           `json:"steps"`
	Error                  string           `json:"error,omitempty"`

	// File is the persisted text projection's filename, set at seal time.
	File string `json:"file,omitempty"`
}

// Notification is the reports-topic bus payload.
type Notification struct {
	Event  string  `json:"event"` // created | sealed
	Report *Report `json:"report"`
}

// CountBySeverity returns how many findings are critical and high.
func CountBySeverity(findings []Finding) (critical, high int) {
	for _, f := range findings {
		switch f.Severity {
		case detect.SeverityCritical:
			critical++
		case detect.SeverityHigh:
			high++
		}
	}
	return critical, high
}

// Clone returns an independent copy safe to hand to readers. Nil and empty
// slices are preserved as-is so sealed reports survive a JSON round trip
// byte-for-byte.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	out.TriggeringFingerprints = cloneStrings(r.TriggeringFingerprints)
	if r.Findings != nil {
		out.Findings = make([]Finding, len(r.Findings))
		for i, f := range r.Findings {
			out.Findings[i] = f
			out.Findings[i].AffectedResources = cloneStrings(f.AffectedResources)
			out.Findings[i].Recommendations = cloneStrings(f.Recommendations)
			out.Findings[i].Evidence = cloneStrings(f.Evidence)
		}
	}
	if r.Recommendations != nil {
		out.Recommendations = make([]Recommendation, len(r.Recommendations))
		for i, rec := range r.Recommendations {
			out.Recommendations[i] = rec
			out.Recommendations[i].Actions = cloneStrings(rec.Actions)
		}
	}
	if r.Steps != nil {
		out.Steps = make([]Step, len(r.Steps))
		copy(out.Steps, r.Steps)
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
