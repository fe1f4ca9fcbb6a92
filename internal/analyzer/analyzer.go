// Package analyzer shells out to an external cluster analyzer (k8sgpt) and
// normalizes its JSON output into diagnostics.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/cluster"
	"github.com/kubeinquest/kubeinquest/internal/detect"
)

// ErrToolMissing means the analyzer binary is not installed; callers skip
// the analyzer step rather than failing the investigation.
var ErrToolMissing = errors.New("analyzer tool not found")

// Diagnostic is one normalized analyzer result.
type Diagnostic struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Severity    detect.Severity    `json:"severity"`
	Ref         *cluster.ObjectRef `json:"ref,omitempty"`
}

// Adapter scans the cluster (or one namespace) for problems.
type Adapter interface {
	Scan(ctx context.Context, namespace string) ([]Diagnostic, error)
}

// ExecAnalyzer runs the analyzer binary with JSON output.
type ExecAnalyzer struct {
	binary string
	logger *zap.Logger
}

var _ Adapter = (*ExecAnalyzer)(nil)

func NewExecAnalyzer(binary string, logger *zap.Logger) *ExecAnalyzer {
	if binary == "" {
		binary = "k8sgpt"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecAnalyzer{binary: binary, logger: logger.Named("analyzer")}
}

// Scan invokes `<binary> analyze --output json [--namespace ns]`.
func (a *ExecAnalyzer) Scan(ctx context.Context, namespace string) ([]Diagnostic, error) {
	path, err := exec.LookPath(a.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, a.binary)
	}

	args := []string{"analyze", "--output", "json"}
	if namespace != "" {
		args = append(args, "--namespace", namespace)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("analyzer scan: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The tool exits non-zero when problems are found; output is
			// still valid JSON in that case.
			if diags, perr := parseOutput(out); perr == nil {
				return diags, nil
			}
			return nil, fmt.Errorf("analyzer exited: %s: %w", strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return nil, fmt.Errorf("analyzer scan failed: %w", err)
	}
	return parseOutput(out)
}

// k8sgpt analyze --output json shape (fields we consume).
type analyzerOutput struct {
	Status  string `json:"status"`
	Results []struct {
		Kind  string `json:"kind"`
		Name  string `json:"name"`
		Error []struct {
			Text string `json:"Text"`
		} `json:"error"`
		Details string `json:"details"`
	} `json:"results"`
}

func parseOutput(data []byte) ([]Diagnostic, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var parsed analyzerOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse analyzer output: %w", err)
	}

	diags := make([]Diagnostic, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		var texts []string
		for _, e := range res.Error {
			if e.Text != "" {
				texts = append(texts, e.Text)
			}
		}
		description := strings.Join(texts, "; ")
		if description == "" {
			description = res.Details
		}
		diags = append(diags, Diagnostic{
			Title:       fmt.Sprintf("%s %s", res.Kind, res.Name),
			Description: description,
			Severity:    detect.SeverityMedium,
			Ref:         refFromName(res.Kind, res.Name),
		})
	}
	return diags, nil
}

// refFromName splits the tool's "namespace/name" form.
func refFromName(kind, name string) *cluster.ObjectRef {
	if name == "" {
		return nil
	}
	ref := &cluster.ObjectRef{Kind: kind, Name: name}
	if i := strings.IndexByte(name, '/'); i > 0 {
		ref.Namespace = name[:i]
		ref.Name = name[i+1:]
	}
	return ref
}
