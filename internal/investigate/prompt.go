package investigate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kubeinquest/kubeinquest/internal/knowledge"
)

const (
	maxObservationChars = 2000
	maxTranscriptChars  = 8000
)

const agenticSystemPrompt = `You are a senior Kubernetes SRE performing a scoped incident investigation.
You operate in a strict loop: inspect the evidence, then respond with EXACTLY ONE JSON object and nothing else.

Either call a tool:
  {"tool": "<name>", "args": {...}}

Available tools:
  getPodStatus        args: {"namespace": string, "name": string}
  getPodLogs          args: {"namespace": string, "name": string, "tailLines": number (max 200)}
  listEventsForObject args: {"kind": string, "namespace": string, "name": string}
  analyzeNamespace    args: {"namespace": string (optional)}
  queryKnowledge      args: {"topic": string}

Or finish with your findings:
  {"finalFindings": [{"category": "...", "severity": "low|medium|high|critical", "title": "...", "description": "...", "affectedResources": ["ns/name"], "recommendations": ["..."], "evidence": ["..."], "knowledgeSection": "<id of the knowledge section that justified the recommendation, omit if none>"}]}

Rules:
- category is one of: pod_failures, node_health, resource_pressure, image_policy, network, storage, events, knowledge_gap.
- Ground recommendations in the provided knowledge sections and cite the section id in knowledgeSection.
- Finish as soon as the root cause is clear; do not call tools you do not need.`

// observation is one tool invocation and its (truncated) output.
type observation struct {
	Tool   string
	Args   string
	Output string
}

// decision is the shape of a model response: either a tool call or the
// final findings. json.RawMessage keeps absent and empty distinguishable.
type decision struct {
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
	FinalFindings json.RawMessage `json:"finalFindings"`
}

func (d decision) hasFinalFindings() bool {
	s := strings.TrimSpace(string(d.FinalFindings))
	return s != "" && s != "null"
}

// findingPayload is the wire form of a model-produced finding.
type findingPayload struct {
	Category          string   `json:"category"`
	Severity          string   `json:"severity"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AffectedResources []string `json:"affectedResources"`
	Recommendations   []string `json:"recommendations"`
	Evidence          []string `json:"evidence"`
	KnowledgeSection  string   `json:"knowledgeSection"`
}

// buildPrompt renders the issue context and the bounded transcript.
func buildPrompt(req Request, transcript []observation) string {
	var b strings.Builder
	b.WriteString("INVESTIGATION CONTEXT\n")
	if req.Issue != nil {
		data, _ := json.MarshalIndent(req.Issue, "", "  ")
		fmt.Fprintf(&b, "Triggering issue:\n%s\n\n", data)
	} else if req.Namespace != "" {
		fmt.Fprintf(&b, "Manual investigation of namespace %q.\n\n", req.Namespace)
	} else {
		b.WriteString("Manual cluster-wide investigation.\n\n")
	}

	b.WriteString("OBSERVATIONS SO FAR\n")
	if len(transcript) == 0 {
		b.WriteString("(none)\n")
	}
	for i, obs := range boundTranscript(transcript) {
		fmt.Fprintf(&b, "%d. %s(%s) ->\n%s\n\n", i+1, obs.Tool, obs.Args, obs.Output)
	}
	b.WriteString("Respond with exactly one JSON object.")
	return b.String()
}

// boundTranscript elides the oldest outputs once the transcript exceeds the
// character budget, keeping the most recent observations intact.
func boundTranscript(transcript []observation) []observation {
	total := 0
	cut := 0
	for i := len(transcript) - 1; i >= 0; i-- {
		total += len(transcript[i].Output)
		if total > maxTranscriptChars {
			cut = i + 1
			break
		}
	}
	if cut == 0 {
		return transcript
	}
	out := make([]observation, len(transcript))
	copy(out, transcript)
	for i := 0; i < cut; i++ {
		out[i].Output = "(earlier output elided)"
	}
	return out
}

// renderSections formats knowledge sections for the transcript.
func renderSections(secs []knowledge.Section) string {
	if len(secs) == 0 {
		return "no knowledge sections matched"
	}
	var b strings.Builder
	for _, s := range secs {
		fmt.Fprintf(&b, "[%s] %s\n%s\n\n", s.SectionID, s.Title, truncateText(s.Body, 600))
	}
	return strings.TrimSpace(b.String())
}
