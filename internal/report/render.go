package report

import (
	"fmt"
	"strings"
	"time"
)

const (
	heavyRule = "================================================================================"
	lightRule = "--------------------------------------------------------------------------------"
)

// RenderText produces the operator-readable projection of a report. The same
// data backs the .txt file on disk and GET /api/reports/{filename}.
func RenderText(r *Report) string {
	var b strings.Builder

	b.WriteString(heavyRule + "\n")
	b.WriteString("KUBEINQUEST INVESTIGATION REPORT\n")
	b.WriteString(heavyRule + "\n")
	fmt.Fprintf(&b, "Report ID:  %s\n", r.ID)
	fmt.Fprintf(&b, "Mode:       %s\n", r.Mode)
	fmt.Fprintf(&b, "Status:     %s\n", r.Status)
	if r.Namespace != "" {
		fmt.Fprintf(&b, "Namespace:  %s\n", r.Namespace)
	}
	fmt.Fprintf(&b, "Started:    %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished:   %s\n", r.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Duration:   %d ms\n", r.DurationMs)
	if len(r.TriggeringFingerprints) > 0 {
		fmt.Fprintf(&b, "Triggered:  %s\n", strings.Join(r.TriggeringFingerprints, ", "))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "Error:      %s\n", r.Error)
	}

	if r.ExecutiveSummary != "" {
		b.WriteString("\nEXECUTIVE SUMMARY\n" + lightRule + "\n")
		b.WriteString(r.ExecutiveSummary + "\n")
	}

	cs := r.ClusterSummary
	b.WriteString("\nCLUSTER STATE\n" + lightRule + "\n")
	fmt.Fprintf(&b, "Nodes ready:     %d/%d\n", cs.NodesReady, cs.NodesTotal)
	fmt.Fprintf(&b, "Pods running:    %d/%d\n", cs.PodsRunning, cs.PodsTotal)
	fmt.Fprintf(&b, "Pods pending:    %d\n", cs.PodsPending)
	fmt.Fprintf(&b, "Pods failed:     %d\n", cs.PodsFailed)
	fmt.Fprintf(&b, "Deployments:     %d\n", cs.Deployments)
	fmt.Fprintf(&b, "Warning events:  %d\n", cs.EventsWarning)

	if len(r.Steps) > 0 {
		b.WriteString("\nINVESTIGATION STEPS\n" + lightRule + "\n")
		for _, s := range r.Steps {
			fmt.Fprintf(&b, "%2d. %-22s %-9s %6d ms", s.Index, s.Name, s.Status, s.DurationMs)
			if s.Error != "" {
				fmt.Fprintf(&b, "  (%s)", s.Error)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nFINDINGS (%d)\n%s\n", len(r.Findings), lightRule)
	if len(r.Findings) == 0 {
		b.WriteString("No findings.\n")
	}
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "[%s] %s: %s\n", strings.ToUpper(string(f.Severity)), f.Category, f.Title)
		if f.Description != "" {
			fmt.Fprintf(&b, "    %s\n", f.Description)
		}
		if len(f.AffectedResources) > 0 {
			fmt.Fprintf(&b, "    Affected: %s\n", strings.Join(f.AffectedResources, ", "))
		}
		for _, ev := range f.Evidence {
			fmt.Fprintf(&b, "    Evidence: %s\n", ev)
		}
		for i, rec := range f.Recommendations {
			fmt.Fprintf(&b, "    Recommendation %d: %s\n", i+1, rec)
		}
		if f.SourceSection != "" {
			fmt.Fprintf(&b, "    Source: %s (%s)\n", f.SourceTool, f.SourceSection)
		} else {
			fmt.Fprintf(&b, "    Source: %s\n", f.SourceTool)
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("\nRECOMMENDATIONS\n" + lightRule + "\n")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(&b, "%d. [%s] %s (%s, seen %dx)\n", i+1, rec.Severity, rec.Title, rec.Category, rec.Count)
			for _, action := range rec.Actions {
				fmt.Fprintf(&b, "   - %s\n", action)
			}
		}
	}

	b.WriteString("\n" + heavyRule + "\n")
	return b.String()
}
