package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceToolNeverHashed(t *testing.T) {
	r := New("__", HashNever, 0)
	tool := r.NamespaceTool("github", "search")
	assert.Equal(t, "github__search", tool.Name)
	assert.Equal(t, "github__search", tool.Title)
	assert.False(t, tool.Hashed)
}

func TestNamespaceToolThresholdHashesLongNames(t *testing.T) {
	r := New("__", HashThreshold, 10)
	tool := r.NamespaceTool("a", "very_long_name")
	assert.True(t, tool.Hashed)
	assert.Len(t, tool.Name, 12)
	assert.Equal(t, "a__very_long_name", tool.Title)
	assert.Equal(t, "very_long_name", tool.Meta["originalName"])
	assert.Equal(t, "a", tool.Meta["namespace"])
	assert.Equal(t, "sha256", tool.Meta["hashAlgorithm"])
	assert.Equal(t, 12, tool.Meta["hashLength"])
}

func TestNamespaceToolRoundTripViaReverseTable(t *testing.T) {
	r := New("__", HashAlways, 0)
	tool := r.NamespaceTool("a", "search")

	ns, name, err := r.ExtractFromName(tool.Name)
	require.NoError(t, err)
	assert.Equal(t, "a", ns)
	assert.Equal(t, "search", name)
}

func TestExtractFromNameSplitsOnSeparatorWhenNotHashed(t *testing.T) {
	r := New("__", HashNever, 0)
	ns, name, err := r.ExtractFromName("notion__read")
	require.NoError(t, err)
	assert.Equal(t, "notion", ns)
	assert.Equal(t, "read", name)
}

func TestExtractFromNameErrorsWithoutSeparator(t *testing.T) {
	r := New("__", HashNever, 0)
	_, _, err := r.ExtractFromName("nosplit")
	assert.ErrorIs(t, err, ErrNoSeparator)
}

func TestResourceURIRoundTrip(t *testing.T) {
	r := New("__", HashNever, 0)
	namespaced := r.NamespaceResourceURI("files", "https://x/y")
	assert.Equal(t, "https://x/y?namespace=files", namespaced)

	ns, original, ok := r.ExtractFromURI(namespaced)
	require.True(t, ok)
	assert.Equal(t, "files", ns)
	assert.Equal(t, "https://x/y", original)
}

func TestResourceURIWithExistingQuery(t *testing.T) {
	r := New("__", HashNever, 0)
	namespaced := r.NamespaceResourceURI("files", "https://x/y?a=1")
	ns, original, ok := r.ExtractFromURI(namespaced)
	require.True(t, ok)
	assert.Equal(t, "files", ns)
	assert.Equal(t, "https://x/y?a=1", original)
}

func TestExtractFromURIWithoutNamespaceParam(t *testing.T) {
	r := New("__", HashNever, 0)
	_, original, ok := r.ExtractFromURI("https://x/y")
	assert.False(t, ok)
	assert.Equal(t, "https://x/y", original)
}

func TestNamespacePromptNeverHashed(t *testing.T) {
	r := New("__", HashAlways, 0)
	assert.Equal(t, "a__long_prompt_name_that_would_hash_if_it_were_a_tool", r.NamespacePrompt("a", "long_prompt_name_that_would_hash_if_it_were_a_tool"))
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("github"))
	assert.NoError(t, ValidateNamespace("my-mcp.v2"))
	assert.Error(t, ValidateNamespace("double__underscore"))
	assert.Error(t, ValidateNamespace("has space"))
}

func TestClearResetsReverseTable(t *testing.T) {
	r := New("__", HashAlways, 0)
	tool := r.NamespaceTool("a", "search")
	r.Clear()
	_, _, err := r.ExtractFromName(tool.Name)
	assert.Error(t, err)
}
