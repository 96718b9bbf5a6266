// Package permission implements allow-list matching: a nil list allows
// everything, an empty list allows nothing, and a non-empty list allows
// names matching a literal, the "*" wildcard, or a regex.
package permission

import (
	"regexp"
	"sync"

	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
)

// Kind identifies which of the three allow-lists a check is against, used
// only for the deny-log line's {kind} field.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// List is one allow-list. nil means "absent" (allow-all); non-nil-empty means
// deny-all; otherwise each pattern is tried in order.
type List []string

// Set bundles the three allow-lists an UpstreamSpec carries.
type Set struct {
	Tools     List
	Resources List
	Prompts   List
}

// compiledRegexCache avoids recompiling the same pattern on every call; regex
// compilation failure degrades to "never matches" rather than panicking or
// erroring.
var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{} // nil value == known-bad pattern
)

func compile(pattern string) *regexp.Regexp {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()

	if re, ok := regexCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache[pattern] = nil
		return nil
	}
	regexCache[pattern] = re
	return re
}

// IsAllowed evaluates the matching rule for a single allow-list.
func IsAllowed(list List, name string) bool {
	if list == nil {
		return true
	}
	if len(list) == 0 {
		return false
	}
	for _, pattern := range list {
		if pattern == "*" || pattern == name {
			return true
		}
		if re := compile(pattern); re != nil && re.MatchString(name) {
			return true
		}
	}
	return false
}

// Check evaluates the allow-list for kind and logs a warn-level denial line
// exactly once when the item is not allowed.
func Check(set Set, kind Kind, sessionID, namespace, name string) bool {
	var list List
	switch kind {
	case KindTool:
		list = set.Tools
	case KindResource:
		list = set.Resources
	case KindPrompt:
		list = set.Prompts
	}

	allowed := IsAllowed(list, name)
	if !allowed {
		log.Warnf("permission denied: session=%s namespace=%s kind=%s name=%s", sessionID, namespace, kind, name)
	}
	return allowed
}
