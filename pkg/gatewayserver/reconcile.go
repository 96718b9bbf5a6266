package gatewayserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/session"
)

// registeredNames tracks which tool/prompt names and resource/template URIs
// are currently registered on a session's *mcp.Server, so a later
// reconcile call can diff against it the way the teacher's
// updateServerCapabilities diffs ServerCapabilities.ToolNames and friends.
type registeredNames struct {
	tools     []string
	resources []string
	templates []string
	prompts   []string
}

// reconcile refreshes mcpServer's registered tools, resources, resource
// templates and prompts to match what sess currently aggregates across its
// upstreams, removing anything no longer present and adding anything new.
// Handlers are thin closures that forward to sess; the aggregated lists
// themselves are already namespaced and permission-filtered.
func reconcile(ctx context.Context, sess *session.Session, mcpServer *mcp.Server, prev *registeredNames) (*registeredNames, error) {
	tools, err := sess.ListTools(ctx)
	if err != nil {
		return prev, fmt.Errorf("gatewayserver: list tools: %w", err)
	}
	resources, err := sess.ListResources(ctx)
	if err != nil {
		return prev, fmt.Errorf("gatewayserver: list resources: %w", err)
	}
	templates, err := sess.ListResourceTemplates(ctx)
	if err != nil {
		return prev, fmt.Errorf("gatewayserver: list resource templates: %w", err)
	}
	prompts, err := sess.ListPrompts(ctx)
	if err != nil {
		return prev, fmt.Errorf("gatewayserver: list prompts: %w", err)
	}

	next := &registeredNames{tools: toolNames(tools), resources: resourceURIs(resources), templates: templateURIs(templates), prompts: promptNames(prompts)}

	addedTools, removedTools := diffStringSlices(prev.tools, next.tools)
	if len(removedTools) > 0 {
		mcpServer.RemoveTools(removedTools...)
	}
	if len(addedTools) > 0 {
		byName := make(map[string]*mcp.Tool, len(tools))
		for _, t := range tools {
			byName[t.Name] = t
		}
		handler := toolHandler(sess)
		for _, name := range addedTools {
			if t, ok := byName[name]; ok {
				mcpServer.AddTool(t, handler)
			}
		}
	}

	addedResources, removedResources := diffStringSlices(prev.resources, next.resources)
	if len(removedResources) > 0 {
		mcpServer.RemoveResources(removedResources...)
	}
	if len(addedResources) > 0 {
		byURI := make(map[string]*mcp.Resource, len(resources))
		for _, r := range resources {
			byURI[r.URI] = r
		}
		handler := resourceHandler(sess)
		for _, uri := range addedResources {
			if r, ok := byURI[uri]; ok {
				mcpServer.AddResource(r, handler)
			}
		}
	}

	addedTemplates, removedTemplates := diffStringSlices(prev.templates, next.templates)
	if len(removedTemplates) > 0 {
		mcpServer.RemoveResourceTemplates(removedTemplates...)
	}
	if len(addedTemplates) > 0 {
		byURI := make(map[string]*mcp.ResourceTemplate, len(templates))
		for _, t := range templates {
			byURI[t.URITemplate] = t
		}
		handler := resourceHandler(sess)
		for _, uri := range addedTemplates {
			if t, ok := byURI[uri]; ok {
				mcpServer.AddResourceTemplate(t, handler)
			}
		}
	}

	addedPrompts, removedPrompts := diffStringSlices(prev.prompts, next.prompts)
	if len(removedPrompts) > 0 {
		mcpServer.RemovePrompts(removedPrompts...)
	}
	if len(addedPrompts) > 0 {
		byName := make(map[string]*mcp.Prompt, len(prompts))
		for _, p := range prompts {
			byName[p.Name] = p
		}
		handler := promptHandler(sess)
		for _, name := range addedPrompts {
			if p, ok := byName[name]; ok {
				mcpServer.AddPrompt(p, handler)
			}
		}
	}

	log.Debugf("session %s: reconciled %d tools, %d resources, %d templates, %d prompts",
		sess.ID(), len(next.tools), len(next.resources), len(next.templates), len(next.prompts))
	return next, nil
}

func toolHandler(sess *session.Session) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return sess.CallTool(ctx, req.Params.Name, req.Params.Arguments)
	}
}

func resourceHandler(sess *session.Session) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return sess.ReadResource(ctx, req.Params.URI)
	}
}

func promptHandler(sess *session.Session) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return sess.GetPrompt(ctx, req.Params.Name, req.Params.Arguments)
	}
}

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func resourceURIs(resources []*mcp.Resource) []string {
	uris := make([]string, len(resources))
	for i, r := range resources {
		uris[i] = r.URI
	}
	return uris
}

func templateURIs(templates []*mcp.ResourceTemplate) []string {
	uris := make([]string, len(templates))
	for i, t := range templates {
		uris[i] = t.URITemplate
	}
	return uris
}

func promptNames(prompts []*mcp.Prompt) []string {
	names := make([]string, len(prompts))
	for i, p := range prompts {
		names[i] = p.Name
	}
	return names
}

// diffStringSlices returns items in newer but not older (additions) and
// items in older but not newer (removals).
func diffStringSlices(older, newer []string) (additions, removals []string) {
	oldSet := make(map[string]bool, len(older))
	for _, s := range older {
		oldSet[s] = true
	}
	newSet := make(map[string]bool, len(newer))
	for _, s := range newer {
		newSet[s] = true
	}

	for s := range newSet {
		if !oldSet[s] {
			additions = append(additions, s)
		}
	}
	for s := range oldSet {
		if !newSet[s] {
			removals = append(removals, s)
		}
	}
	return additions, removals
}
