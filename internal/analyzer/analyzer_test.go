package analyzer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMissingBinary(t *testing.T) {
	a := NewExecAnalyzer("kubeinquest-no-such-binary", nil)
	_, err := a.Scan(context.Background(), "")
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestParseOutput(t *testing.T) {
	data := []byte(`{
		"status": "ProblemDetected",
		"problems": 2,
		"results": [
			{
				"kind": "Pod",
				"name": "frontend/broken-image-app-x",
				"error": [{"Text": "Back-off pulling image \"nginx:nonexistent-tag\""}],
				"details": ""
			},
			{
				"kind": "Service",
				"name": "default/orphan-svc",
				"error": [],
				"details": "Service has no endpoints"
			}
		]
	}`)

	diags, err := parseOutput(data)
	require.NoError(t, err)
	require.Len(t, diags, 2)

	assert.Equal(t, "Pod frontend/broken-image-app-x", diags[0].Title)
	assert.Contains(t, diags[0].Description, "nginx:nonexistent-tag")
	require.NotNil(t, diags[0].Ref)
	assert.Equal(t, "frontend", diags[0].Ref.Namespace)
	assert.Equal(t, "broken-image-app-x", diags[0].Ref.Name)

	assert.Equal(t, "Service has no endpoints", diags[1].Description)
}

func TestParseOutputEmpty(t *testing.T) {
	diags, err := parseOutput(nil)
	require.NoError(t, err)
	assert.Empty(t, diags)

	_, err = parseOutput([]byte("not json"))
	assert.Error(t, err)
}
