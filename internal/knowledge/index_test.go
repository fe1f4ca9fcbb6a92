package knowledge

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("knowledge", 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, "knowledge/"+name, []byte(content), 0o644))
	}
	return fsys
}

func TestLoadMissingDirYieldsEmptyIndex(t *testing.T) {
	ix, err := Load(afero.NewMemMapFs(), "knowledge", 3, nil)
	require.NoError(t, err)

	docs, sections := ix.Stats()
	assert.Zero(t, docs)
	assert.Zero(t, sections)
	assert.Empty(t, ix.Query("ImagePullBackOff"))
}

func TestQueryExactHeadingMatchRanksFirst(t *testing.T) {
	fsys := writeCorpus(t, map[string]string{
		"imagepullbackoff.md": "# ImagePullBackOff Investigation\n" +
			"Check the image reference first when ImagePullBackOff appears. Verify the tag.\n\n" +
			"## Common Causes\n" +
			"Typos in the tag are frequent. ImagePullBackOff also follows missing pull secrets.\n",
		"registries.md": "# Approved Registries\n" +
			"Images must come from registry.internal.example.com or docker.io/library.\n",
	})

	ix, err := Load(fsys, "knowledge", 3, nil)
	require.NoError(t, err)

	results := ix.Query("ImagePullBackOff")
	require.Len(t, results, 2)
	assert.Equal(t, "ImagePullBackOff Investigation", results[0].Title)
	assert.Equal(t, scoreHeadingExact+scoreBodyOverlap, results[0].Score)
	assert.Equal(t, "Common Causes", results[1].Title)
	assert.Equal(t, scoreBodyOverlap, results[1].Score)
}

func TestQueryTokenOverlapWithHeading(t *testing.T) {
	fsys := writeCorpus(t, map[string]string{
		"pulls.md": "# Image Pull Failures\nRegistry authentication is the usual suspect.\n",
	})

	ix, err := Load(fsys, "knowledge", 3, nil)
	require.NoError(t, err)

	results := ix.Query("pull policy")
	require.Len(t, results, 1)
	assert.Equal(t, scoreHeadingOverlap, results[0].Score)
}

func TestQueryTieBreaksByFilename(t *testing.T) {
	section := "# Restart Storms\nRepeated container restarts exhaust the backoff budget.\n"
	fsys := writeCorpus(t, map[string]string{
		"b_workloads.md": section,
		"a_workloads.md": section,
	})

	ix, err := Load(fsys, "knowledge", 3, nil)
	require.NoError(t, err)

	results := ix.Query("restart")
	require.Len(t, results, 2)
	assert.Equal(t, "a_workloads.md", results[0].DocID)
	assert.Equal(t, "b_workloads.md", results[1].DocID)
}

func TestQueryHonorsTopK(t *testing.T) {
	fsys := writeCorpus(t, map[string]string{
		"evictions.md": "# Evicted Pods\nEvictions follow node pressure.\n" +
			"## Memory Evictions\nEvicted pods with memory pressure need requests tuned.\n" +
			"## Disk Evictions\nEvicted pods with disk pressure need ephemeral storage limits.\n" +
			"## Recovering\nDelete evicted pods after inspection.\n",
	})

	ix, err := Load(fsys, "knowledge", 2, nil)
	require.NoError(t, err)

	results := ix.Query("evicted")
	assert.Len(t, results, 2)
}

func TestQueryEmptyTopic(t *testing.T) {
	fsys := writeCorpus(t, map[string]string{"a.md": "# Anything\nBody.\n"})
	ix, err := Load(fsys, "knowledge", 3, nil)
	require.NoError(t, err)

	assert.Empty(t, ix.Query(""))
	assert.Empty(t, ix.Query("   "))
}

func TestHasSection(t *testing.T) {
	fsys := writeCorpus(t, map[string]string{
		"imagepullbackoff.md": "# ImagePullBackOff Investigation\nCheck the image reference.\n",
	})
	ix, err := Load(fsys, "knowledge", 3, nil)
	require.NoError(t, err)

	results := ix.Query("ImagePullBackOff")
	require.NotEmpty(t, results)
	assert.True(t, ix.HasSection(results[0].SectionID))
	assert.False(t, ix.HasSection("no_such/section"))
}
