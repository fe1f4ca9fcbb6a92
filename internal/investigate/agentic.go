package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/analyzer"
	"github.com/kubeinquest/kubeinquest/internal/bus"
	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/config"
	"github.com/kubeinquest/kubeinquest/internal/detect"
	"github.com/kubeinquest/kubeinquest/internal/knowledge"
	"github.com/kubeinquest/kubeinquest/internal/llm"
	"github.com/kubeinquest/kubeinquest/internal/report"
)

const (
	maxLogTailLines = 200
	maxTemperature  = 0.2
)

// errBadToolArgs marks model mistakes (unknown tool, missing argument) that
// should flow back into the transcript rather than produce findings.
var errBadToolArgs = errors.New("bad tool call")

// Agentic runs a bounded plan-act-observe loop: the model chooses one tool
// per iteration until it emits final findings or the budget runs out.
type Agentic struct {
	cluster   cluster.Adapter
	analyzer  analyzer.Adapter
	knowledge *knowledge.Index
	model     llm.Adapter
	events    *bus.Bus
	clock     clockwork.Clock
	logger    *zap.Logger

	maxIterations int
	temperature   float64
	maxTokens     int
	llmTimeout    time.Duration
}

var _ Investigator = (*Agentic)(nil)

// NewAgentic wires an agentic investigator over the given adapters.
func NewAgentic(clusterAdapter cluster.Adapter, analyzerAdapter analyzer.Adapter, idx *knowledge.Index, model llm.Adapter, events *bus.Bus, cfg config.LLMConfig, clock clockwork.Clock, logger *zap.Logger) *Agentic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Agentic{
		cluster:       clusterAdapter,
		analyzer:      analyzerAdapter,
		knowledge:     idx,
		model:         model,
		events:        events,
		clock:         clock,
		logger:        logger,
		maxIterations: cfg.MaxIterations,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		llmTimeout:    cfg.Timeout,
	}
	if a.maxIterations <= 0 {
		a.maxIterations = 6
	}
	if a.temperature <= 0 {
		a.temperature = 0.1
	}
	if a.temperature > maxTemperature {
		a.temperature = maxTemperature
	}
	if a.llmTimeout <= 0 {
		a.llmTimeout = 20 * time.Second
	}
	return a
}

// Run implements Investigator. The returned error is non-nil only for
// llm.ErrRateLimited, which the scheduler uses to escalate cooldown.
func (a *Agentic) Run(ctx context.Context, req Request) (*report.Report, error) {
	rep := &report.Report{
		ID:                     req.ID,
		Mode:                   report.ModeAgentic,
		Status:                 report.StatusInProgress,
		Namespace:              req.Namespace,
		TriggeringFingerprints: append([]string(nil), req.Fingerprints...),
		StartedAt:              a.clock.Now().UTC(),
	}

	snap, err := a.cluster.Snapshot(ctx)
	var transcript []observation
	if err != nil {
		snap = nil
		transcript = append(transcript, observation{
			Tool:   "clusterSnapshot",
			Output: "cluster snapshot unavailable: " + err.Error(),
		})
	}

	// The loop always opens with a knowledge lookup for the issue kind so
	// that operator policy is in context before the model acts.
	topic := req.Namespace
	if req.Issue != nil {
		topic = string(req.Issue.Kind)
	}
	if topic == "" {
		topic = "cluster health"
	}
	start := a.clock.Now()
	var sections []knowledge.Section
	if a.knowledge != nil {
		sections = a.knowledge.Query(topic)
	}
	transcript = append(transcript, observation{
		Tool:   "queryKnowledge",
		Args:   fmt.Sprintf("{%q: %q}", "topic", topic),
		Output: renderSections(sections),
	})
	a.recordStep(rep, req.ID, "queryKnowledge", report.StepCompleted, start,
		fmt.Sprintf("%d sections for %q", len(sections), topic), nil)

	var loopFindings []report.Finding
	finished := false

	for i := 1; i <= a.maxIterations; i++ {
		if ctx.Err() != nil {
			rep.Status = statusForCause(ctx)
			finished = true
			break
		}

		start := a.clock.Now()
		llmCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
		resp, err := a.model.Complete(llmCtx, llm.Request{
			System:      agenticSystemPrompt,
			Prompt:      buildPrompt(req, transcript),
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
			ForceJSON:   true,
		})
		cancel()

		if err != nil {
			if errors.Is(err, llm.ErrRateLimited) {
				a.recordStep(rep, req.ID, "llm_call", report.StepFailed, start, "", err)
				rep.Error = "llm rate limited: " + err.Error()
				rep.Status = report.StatusFailed
				rep.Findings = loopFindings
				assemble(rep, snap)
				return rep, err
			}
			if ctx.Err() != nil {
				a.recordStep(rep, req.ID, "llm_call", report.StepFailed, start, "", err)
				rep.Status = statusForCause(ctx)
				finished = true
				break
			}
			// Transient model failure: the iteration is spent, the loop
			// continues.
			a.recordStep(rep, req.ID, "llm_call", report.StepFailed, start, "", err)
			transcript = append(transcript, observation{
				Tool:   "llm",
				Output: "model call failed: " + err.Error(),
			})
			continue
		}

		raw, perr := llm.ExtractJSON(resp.Content)
		var dec decision
		if perr == nil {
			perr = json.Unmarshal(raw, &dec)
		}
		if perr == nil && !dec.hasFinalFindings() && dec.Tool == "" {
			perr = fmt.Errorf("response carries neither tool nor finalFindings")
		}
		if perr != nil {
			loopFindings = append(loopFindings, report.Finding{
				Category:    report.CategoryKnowledgeGap,
				Severity:    detect.SeverityLow,
				Title:       "Model response could not be parsed",
				Description: perr.Error(),
				Evidence:    []string{truncateText(resp.Content, 300)},
				SourceTool:  report.SourceLLM,
			})
			a.recordStep(rep, req.ID, "malformed_response", report.StepFailed, start, "", perr)
			transcript = append(transcript, observation{
				Tool:   "llm",
				Output: "previous response was not valid JSON: " + perr.Error(),
			})
			continue
		}

		if dec.hasFinalFindings() {
			var payloads []findingPayload
			if err := json.Unmarshal(dec.FinalFindings, &payloads); err != nil {
				loopFindings = append(loopFindings, report.Finding{
					Category:    report.CategoryKnowledgeGap,
					Severity:    detect.SeverityLow,
					Title:       "Model response could not be parsed",
					Description: "finalFindings did not decode: " + err.Error(),
					Evidence:    []string{truncateText(string(dec.FinalFindings), 300)},
					SourceTool:  report.SourceLLM,
				})
				a.recordStep(rep, req.ID, "malformed_response", report.StepFailed, start, "", err)
				continue
			}
			converted := a.convertFindings(payloads)
			rep.Findings = append(loopFindings, converted...)
			a.recordStep(rep, req.ID, "final_findings", report.StepCompleted, start,
				fmt.Sprintf("%d findings", len(converted)), nil)
			rep.Status = report.StatusCompleted
			finished = true
			break
		}

		out, derr := a.dispatch(ctx, dec.Tool, dec.Args, &snap)
		argsText := strings.TrimSpace(string(dec.Args))
		if derr != nil {
			if !errors.Is(derr, errBadToolArgs) {
				loopFindings = append(loopFindings, report.Finding{
					Category:    report.CategoryEvents,
					Severity:    detect.SeverityMedium,
					Title:       fmt.Sprintf("Tool %s failed during investigation", dec.Tool),
					Description: derr.Error(),
					SourceTool:  report.SourceInternal,
				})
			}
			a.recordStep(rep, req.ID, dec.Tool, report.StepFailed, start, "", derr)
			transcript = append(transcript, observation{Tool: dec.Tool, Args: argsText, Output: "error: " + derr.Error()})
			continue
		}
		a.recordStep(rep, req.ID, dec.Tool, report.StepCompleted, start, truncateText(out, 120), nil)
		transcript = append(transcript, observation{Tool: dec.Tool, Args: argsText, Output: truncateText(out, maxObservationChars)})
	}

	if !finished {
		rep.Status = report.StatusTimedOut
		rep.Error = fmt.Sprintf("no final findings after %d iterations", a.maxIterations)
	}
	if rep.Findings == nil {
		rep.Findings = loopFindings
	}
	assemble(rep, snap)
	return rep, nil
}

func (a *Agentic) recordStep(rep *report.Report, id, name string, status report.StepStatus, start time.Time, summary string, err error) {
	step := report.Step{
		Index:      len(rep.Steps) + 1,
		Name:       name,
		Status:     status,
		DurationMs: a.clock.Since(start).Milliseconds(),
		Summary:    summary,
	}
	if err != nil {
		step.Error = err.Error()
	}
	rep.Steps = append(rep.Steps, step)
	publishStep(a.events, a.clock, id, step)
}

// dispatch executes one tool call. Errors wrapped in errBadToolArgs are
// model mistakes; anything else is an adapter failure.
func (a *Agentic) dispatch(ctx context.Context, tool string, rawArgs json.RawMessage, snap **cluster.Snapshot) (string, error) {
	args := map[string]interface{}{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return "", fmt.Errorf("%w: args did not decode: %v", errBadToolArgs, err)
		}
	}

	switch tool {
	case "getPodStatus":
		ns, name := argString(args, "namespace"), argString(args, "name")
		if ns == "" || name == "" {
			return "", fmt.Errorf("%w: getPodStatus requires namespace and name", errBadToolArgs)
		}
		fresh, err := a.cluster.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		*snap = fresh
		p := fresh.FindPod(ns, name)
		if p == nil {
			return fmt.Sprintf("pod %s/%s not found", ns, name), nil
		}
		data, _ := json.Marshal(p)
		return string(data), nil

	case "getPodLogs":
		ns, name := argString(args, "namespace"), argString(args, "name")
		if ns == "" || name == "" {
			return "", fmt.Errorf("%w: getPodLogs requires namespace and name", errBadToolArgs)
		}
		tail := argInt(args, "tailLines", 100)
		if tail < 1 {
			tail = 1
		}
		if tail > maxLogTailLines {
			tail = maxLogTailLines
		}
		return a.cluster.GetPodLogs(ctx, ns, name, int64(tail))

	case "listEventsForObject":
		name := argString(args, "name")
		if name == "" {
			return "", fmt.Errorf("%w: listEventsForObject requires name", errBadToolArgs)
		}
		ref := cluster.ObjectRef{
			Kind:      argString(args, "kind"),
			Namespace: argString(args, "namespace"),
			Name:      name,
		}
		evs, err := a.cluster.ListEvents(ctx, ref)
		if err != nil {
			return "", err
		}
		if len(evs) == 0 {
			return "no events for object", nil
		}
		type eventView struct {
			Type     string `json:"type"`
			Reason   string `json:"reason"`
			Message  string `json:"message"`
			Count    int32  `json:"count"`
			LastSeen string `json:"lastSeen,omitempty"`
		}
		views := make([]eventView, 0, len(evs))
		for _, ev := range evs {
			v := eventView{Type: ev.Type, Reason: ev.Reason, Message: ev.Message, Count: ev.Count}
			if !ev.LastSeen.IsZero() {
				v.LastSeen = ev.LastSeen.UTC().Format(time.RFC3339)
			}
			views = append(views, v)
		}
		data, _ := json.Marshal(views)
		return string(data), nil

	case "analyzeNamespace":
		if a.analyzer == nil {
			return "analyzer tool not installed on this host", nil
		}
		diags, err := a.analyzer.Scan(ctx, argString(args, "namespace"))
		if errors.Is(err, analyzer.ErrToolMissing) {
			return "analyzer tool not installed on this host", nil
		}
		if err != nil {
			return "", err
		}
		if len(diags) == 0 {
			return "analyzer found no problems", nil
		}
		var b strings.Builder
		for _, diag := range diags {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", diag.Severity, diag.Title, truncateText(diag.Description, 200))
		}
		return strings.TrimSpace(b.String()), nil

	case "queryKnowledge":
		topic := argString(args, "topic")
		if topic == "" {
			return "", fmt.Errorf("%w: queryKnowledge requires topic", errBadToolArgs)
		}
		var secs []knowledge.Section
		if a.knowledge != nil {
			secs = a.knowledge.Query(topic)
		}
		return renderSections(secs), nil

	default:
		return "", fmt.Errorf("%w: unknown tool %q", errBadToolArgs, tool)
	}
}

// convertFindings maps the wire payload to report findings, enforcing the
// citation rule: uncited findings are downgraded to knowledge gaps.
func (a *Agentic) convertFindings(payloads []findingPayload) []report.Finding {
	out := make([]report.Finding, 0, len(payloads))
	for _, p := range payloads {
		if strings.TrimSpace(p.Title) == "" {
			continue
		}
		cat, _ := parseCategory(p.Category)
		f := report.Finding{
			Category:          cat,
			Severity:          parseSeverity(p.Severity),
			Title:             p.Title,
			Description:       p.Description,
			AffectedResources: p.AffectedResources,
			Recommendations:   p.Recommendations,
			Evidence:          p.Evidence,
		}
		if p.KnowledgeSection != "" && a.knowledge != nil && a.knowledge.HasSection(p.KnowledgeSection) {
			f.SourceTool = report.SourceKnowledge
			f.SourceSection = p.KnowledgeSection
		} else {
			f.SourceTool = report.SourceLLM
			f.Category = report.CategoryKnowledgeGap
		}
		out = append(out, f)
	}
	return out
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func argInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
