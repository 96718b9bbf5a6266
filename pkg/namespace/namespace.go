// Package namespace implements collision-free naming of tools/resources/
// prompts across upstreams: a prefix-join scheme for prompts and (usually)
// tools, a hash-on-overflow fallback for long tool names, and a
// query-parameter scheme for resource URIs.
package namespace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// HashMode controls when NamespaceTool falls back to a hashed name.
type HashMode string

const (
	HashNever     HashMode = "never"
	HashAlways    HashMode = "always"
	HashThreshold HashMode = "threshold"
)

const (
	// DefaultSeparator is the default join token between a namespace and an
	// item's original name.
	DefaultSeparator = "__"
	// DefaultThreshold is the name-length cutoff used by HashThreshold.
	DefaultThreshold = 64
	// digestLength is the number of hex characters kept from the SHA-256 hash.
	digestLength = 12
	hashPrefix   = "mcpbundler:"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrInvalidNamespace is returned by ValidateNamespace.
var ErrInvalidNamespace = errors.New("namespace: invalid namespace")

// ErrNoSeparator is returned by ExtractFromName when name contains neither a
// known hash digest nor the configured separator.
var ErrNoSeparator = errors.New("namespace: name has no namespace separator")

// ValidateNamespace enforces the namespace grammar: alphanumeric, dot,
// underscore, and dash, with no double-underscore (reserved as the default
// separator).
func ValidateNamespace(ns string) error {
	if !namespacePattern.MatchString(ns) || strings.Contains(ns, "__") {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}

// Tool is the namespaced form of a tool name, ready to be attached to an
// mcp.Tool: Name is what goes in the wire "name" field, Title is always the
// human-readable "ns<sep>name", and Meta is non-nil only when Hashed is true.
type Tool struct {
	Name   string
	Title  string
	Hashed bool
	Meta   map[string]any
}

// Resolver owns the separator/hash-mode configuration and the reverse lookup
// table used to undo hashed tool names. It is per-session: the table is
// cleared on session close, so a fresh Resolver is created per session
// rather than shared across them.
type Resolver struct {
	separator string
	hashMode  HashMode
	threshold int

	mu      sync.RWMutex
	reverse map[string]reverseEntry
}

type reverseEntry struct {
	Namespace string
	Name      string
}

// New constructs a Resolver. An empty separator defaults to "__"; threshold
// is only consulted when hashMode is HashThreshold.
func New(separator string, hashMode HashMode, threshold int) *Resolver {
	if separator == "" {
		separator = DefaultSeparator
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Resolver{
		separator: separator,
		hashMode:  hashMode,
		threshold: threshold,
		reverse:   make(map[string]reverseEntry),
	}
}

func (r *Resolver) Separator() string { return r.separator }

func (r *Resolver) shouldHash(joined string) bool {
	switch r.hashMode {
	case HashAlways:
		return true
	case HashThreshold:
		return len(joined) > r.threshold
	default:
		return false
	}
}

// NamespaceTool computes the wire name and display title for a tool exposed
// under namespace ns, hashing the wire name when configured to.
func (r *Resolver) NamespaceTool(ns, toolName string) Tool {
	title := ns + r.separator + toolName
	if !r.shouldHash(title) {
		return Tool{Name: title, Title: title}
	}

	digest := r.digest(ns, toolName)
	r.mu.Lock()
	r.reverse[digest] = reverseEntry{Namespace: ns, Name: toolName}
	r.mu.Unlock()

	return Tool{
		Name:   digest,
		Title:  title,
		Hashed: true,
		Meta: map[string]any{
			"originalName":  toolName,
			"namespace":     ns,
			"hashAlgorithm": "sha256",
			"hashLength":    digestLength,
		},
	}
}

func (r *Resolver) digest(ns, name string) string {
	sum := sha256.Sum256([]byte(hashPrefix + ns + r.separator + name))
	return hex.EncodeToString(sum[:])[:digestLength]
}

// NamespacePrompt joins a namespace and prompt name. Prompt names are never
// hashed.
func (r *Resolver) NamespacePrompt(ns, promptName string) string {
	return ns + r.separator + promptName
}

// NamespaceResourceURI tags a resource or resource-template URI with a
// "namespace" query parameter identifying its owning upstream.
func (r *Resolver) NamespaceResourceURI(ns, rawURI string) string {
	u, err := url.Parse(rawURI)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURI, "?") {
			sep = "&"
		}
		return rawURI + sep + "namespace=" + url.QueryEscape(ns)
	}
	q := u.Query()
	q.Set("namespace", ns)
	u.RawQuery = q.Encode()
	return u.String()
}

// ExtractFromName recovers the originating namespace and original name from
// a wire tool name: a reverse hash-table lookup first, falling back to
// splitting at the first separator.
func (r *Resolver) ExtractFromName(name string) (ns, original string, err error) {
	r.mu.RLock()
	entry, ok := r.reverse[name]
	r.mu.RUnlock()
	if ok {
		return entry.Namespace, entry.Name, nil
	}

	idx := strings.Index(name, r.separator)
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrNoSeparator, name)
	}
	return name[:idx], name[idx+len(r.separator):], nil
}

// ExtractFromURI recovers the namespace tagged onto a resource URI by
// NamespaceResourceURI. ok is false when no namespace parameter is present,
// or the URI fails to parse; in both cases the URI is returned unchanged.
func (r *Resolver) ExtractFromURI(rawURI string) (ns, originalURI string, ok bool) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", rawURI, false
	}
	q := u.Query()
	ns = q.Get("namespace")
	if ns == "" {
		return "", rawURI, false
	}
	q.Del("namespace")
	u.RawQuery = q.Encode()
	return ns, u.String(), true
}

// Clear empties the reverse-hash table. Called on session close.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.reverse = make(map[string]reverseEntry)
	r.mu.Unlock()
}
