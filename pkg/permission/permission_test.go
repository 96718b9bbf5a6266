package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowedAbsentMeansAllowAll(t *testing.T) {
	assert.True(t, IsAllowed(nil, "anything"))
}

func TestIsAllowedEmptyMeansDenyAll(t *testing.T) {
	assert.False(t, IsAllowed(List{}, "anything"))
}

func TestIsAllowedWildcard(t *testing.T) {
	assert.True(t, IsAllowed(List{"*"}, "search"))
}

func TestIsAllowedLiteral(t *testing.T) {
	assert.True(t, IsAllowed(List{"search"}, "search"))
	assert.False(t, IsAllowed(List{"search"}, "delete"))
}

func TestIsAllowedRegex(t *testing.T) {
	assert.True(t, IsAllowed(List{"^get_.*$"}, "get_user"))
	assert.False(t, IsAllowed(List{"^get_.*$"}, "delete_user"))
}

func TestIsAllowedBadRegexNeverMatches(t *testing.T) {
	assert.False(t, IsAllowed(List{"("}, "anything"))
}

func TestCheckDenyAllFiltersEveryItem(t *testing.T) {
	set := Set{Tools: List{}}
	for _, name := range []string{"search", "delete", "read"} {
		assert.False(t, Check(set, KindTool, "sess1", "g", name))
	}
}
