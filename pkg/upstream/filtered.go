package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
	"github.com/jrbemt/mcpbundler-gateway/pkg/permission"
)

// ErrPermissionDenied is returned when a call targets a tool/resource/prompt
// excluded by the owning membership's allow-list.
var ErrPermissionDenied = errors.New("Permission denied")

// Filtered wraps a Connector with the namespace and permission rules that
// apply to one session's view of it: every list operation renames items
// into the session's namespace and drops anything the allow-list excludes;
// every call operation resolves a namespaced name back to the upstream's
// original name and re-checks the allow-list before forwarding.
type Filtered struct {
	connector   *Connector
	sessionID   string
	namespace   string
	permissions permission.Set
	resolver    *namespace.Resolver
}

// NewFiltered builds a Filtered view over connector. sessionID is carried only
// to tag the {sessionId, namespace, kind, name} denial-log line spec §4.4
// requires.
func NewFiltered(connector *Connector, sessionID, ns string, permissions permission.Set, resolver *namespace.Resolver) *Filtered {
	return &Filtered{connector: connector, sessionID: sessionID, namespace: ns, permissions: permissions, resolver: resolver}
}

func (f *Filtered) session() (*mcp.ClientSession, error) {
	s := f.connector.Session()
	if s == nil {
		return nil, ErrDisconnected
	}
	return s, nil
}

// ListTools lists tools visible under this session's namespace and
// permission set.
func (f *Filtered) ListTools(ctx context.Context, cursor string) ([]*mcp.Tool, string, error) {
	result, err := f.connector.ListTools(ctx, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("upstream %s: list tools: %w", f.namespace, err)
	}

	out := make([]*mcp.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		if !permission.Check(f.permissions, permission.KindTool, f.sessionID, f.namespace, t.Name) {
			continue
		}
		named := f.resolver.NamespaceTool(f.namespace, t.Name)
		clone := *t
		clone.Name = named.Name
		clone.Title = named.Title
		out = append(out, &clone)
	}
	return out, result.NextCursor, nil
}

// CallTool resolves a namespaced tool name back to the upstream name, checks
// the allow-list, and forwards the call.
func (f *Filtered) CallTool(ctx context.Context, namespacedName string, arguments any) (*mcp.CallToolResult, error) {
	_, originalName, err := f.resolver.ExtractFromName(namespacedName)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", f.namespace, err)
	}
	if !permission.Check(f.permissions, permission.KindTool, f.sessionID, f.namespace, originalName) {
		return nil, fmt.Errorf("%w: tool %q is not allowed for this MCP", ErrPermissionDenied, originalName)
	}
	session, err := f.session()
	if err != nil {
		return nil, err
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: originalName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("upstream %s: call tool %q: %w", f.namespace, originalName, err)
	}
	return result, nil
}

// ListResources lists resources visible under this session's namespace and
// permission set, tagging each URI with the namespace query parameter.
func (f *Filtered) ListResources(ctx context.Context, cursor string) ([]*mcp.Resource, string, error) {
	result, err := f.connector.ListResources(ctx, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("upstream %s: list resources: %w", f.namespace, err)
	}

	out := make([]*mcp.Resource, 0, len(result.Resources))
	for _, r := range result.Resources {
		if !permission.Check(f.permissions, permission.KindResource, f.sessionID, f.namespace, r.URI) {
			continue
		}
		clone := *r
		clone.URI = f.resolver.NamespaceResourceURI(f.namespace, r.URI)
		out = append(out, &clone)
	}
	return out, result.NextCursor, nil
}

// ListResourceTemplates mirrors ListResources for resource templates.
func (f *Filtered) ListResourceTemplates(ctx context.Context, cursor string) ([]*mcp.ResourceTemplate, string, error) {
	result, err := f.connector.ListResourceTemplates(ctx, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("upstream %s: list resource templates: %w", f.namespace, err)
	}

	out := make([]*mcp.ResourceTemplate, 0, len(result.ResourceTemplates))
	for _, rt := range result.ResourceTemplates {
		if !permission.Check(f.permissions, permission.KindResource, f.sessionID, f.namespace, rt.URITemplate) {
			continue
		}
		clone := *rt
		clone.URITemplate = f.resolver.NamespaceResourceURI(f.namespace, rt.URITemplate)
		out = append(out, &clone)
	}
	return out, result.NextCursor, nil
}

// ReadResource resolves a namespaced resource URI back to the upstream's
// original URI, checks the allow-list, and forwards the read.
func (f *Filtered) ReadResource(ctx context.Context, namespacedURI string) (*mcp.ReadResourceResult, error) {
	_, originalURI, ok := f.resolver.ExtractFromURI(namespacedURI)
	if !ok {
		originalURI = namespacedURI
	}
	if !permission.Check(f.permissions, permission.KindResource, f.sessionID, f.namespace, originalURI) {
		return nil, fmt.Errorf("%w: resource %q is not allowed for this MCP", ErrPermissionDenied, originalURI)
	}
	session, err := f.session()
	if err != nil {
		return nil, err
	}
	result, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: originalURI})
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read resource %q: %w", f.namespace, originalURI, err)
	}
	return result, nil
}

// ListPrompts lists prompts visible under this session's namespace and
// permission set.
func (f *Filtered) ListPrompts(ctx context.Context, cursor string) ([]*mcp.Prompt, string, error) {
	result, err := f.connector.ListPrompts(ctx, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("upstream %s: list prompts: %w", f.namespace, err)
	}

	out := make([]*mcp.Prompt, 0, len(result.Prompts))
	for _, p := range result.Prompts {
		if !permission.Check(f.permissions, permission.KindPrompt, f.sessionID, f.namespace, p.Name) {
			continue
		}
		clone := *p
		clone.Name = f.resolver.NamespacePrompt(f.namespace, p.Name)
		out = append(out, &clone)
	}
	return out, result.NextCursor, nil
}

// GetPrompt resolves a namespaced prompt name back to the upstream name,
// checks the allow-list, and forwards the call.
func (f *Filtered) GetPrompt(ctx context.Context, namespacedName string, arguments map[string]string) (*mcp.GetPromptResult, error) {
	_, originalName, err := f.resolver.ExtractFromName(namespacedName)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", f.namespace, err)
	}
	if !permission.Check(f.permissions, permission.KindPrompt, f.sessionID, f.namespace, originalName) {
		return nil, fmt.Errorf("%w: prompt %q is not allowed for this MCP", ErrPermissionDenied, originalName)
	}
	session, err := f.session()
	if err != nil {
		return nil, err
	}
	result, err := session.GetPrompt(ctx, &mcp.GetPromptParams{Name: originalName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("upstream %s: get prompt %q: %w", f.namespace, originalName, err)
	}
	return result, nil
}
