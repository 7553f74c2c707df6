package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/kindred/internal/catalog"
	"github.com/kalambet/kindred/internal/profile"
	"github.com/kalambet/kindred/internal/scoring"
	"github.com/kalambet/kindred/internal/storage"
)

// MCPProfiles serves profiles to MCP clients, as JSON or as prose.
type MCPProfiles interface {
	Get(userID string) (profile.Profile, error)
	Summary(userID string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Profiles MCPProfiles
	Safety   ScreeningReader
	Scores   Scorer
	// Catalogs are exposed as catalog://<key> resources.
	Catalogs map[string]catalog.Catalog
}

// NewMCPServer creates an MCP server with the kindred read tools, the
// scorer, and one resource per question catalog.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kindred",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kindred: psychometric onboarding profiles, safety screenings and record scoring."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Return the aggregated psychometric profile of a user."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("format", mcp.Description(`"json" (default) or "summary" for a short prose digest`)),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("get_safety_screening",
			mcp.WithDescription("Return the safety screening of a user: per-category scores, risk level and review flag."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpGetScreening(deps),
	)

	s.AddTool(
		mcp.NewTool("score_record",
			mcp.WithDescription("Score a record with a named scorer and store the result under entity_id."),
			mcp.WithString("scorer", mcp.Description("Scorer name, e.g. lead or partner_fit"), mcp.Required()),
			mcp.WithString("entity_id", mcp.Description("Id the result is stored under"), mcp.Required()),
			mcp.WithObject("record", mcp.Description("Flat field map; dotted names address nested values"), mcp.Required()),
		),
		mcpScoreRecord(deps),
	)

	keys := make([]string, 0, len(deps.Catalogs))
	for k := range deps.Catalogs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c := deps.Catalogs[k]
		s.AddResource(
			mcp.NewResource(
				"catalog://"+k,
				"Question catalog "+c.Name(),
				mcp.WithResourceDescription("Chapters and question count of the "+k+" catalog"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceCatalog(c),
		)
	}

	return s
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		switch format := req.GetString("format", "json"); format {
		case "summary":
			text, err := deps.Profiles.Summary(userID)
			if err != nil {
				return mcpLookupError("profile", userID, err), nil
			}
			return mcpText(text), nil
		case "json":
			p, err := deps.Profiles.Get(userID)
			if err != nil {
				return mcpLookupError("profile", userID, err), nil
			}
			return mcpJSON(p)
		default:
			return mcpError(fmt.Sprintf("unknown format %q", format)), nil
		}
	}
}

func mcpGetScreening(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		s, err := deps.Safety.Get(userID)
		if err != nil {
			return mcpLookupError("safety screening", userID, err), nil
		}
		return mcpJSON(s)
	}
}

func mcpScoreRecord(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("scorer")
		if err != nil {
			return mcpError("scorer is required"), nil
		}
		entityID, err := req.RequireString("entity_id")
		if err != nil {
			return mcpError("entity_id is required"), nil
		}
		raw, ok := req.GetArguments()["record"].(map[string]any)
		if !ok {
			return mcpError("record must be an object"), nil
		}

		e, err := deps.Scores.Score(entityID, name, scoring.Record(raw))
		if err != nil {
			return mcpError(fmt.Sprintf("scoring failed: %v", err)), nil
		}
		return mcpJSON(e)
	}
}

func mcpResourceCatalog(c catalog.Catalog) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(map[string]any{
			"name":            c.Name(),
			"mode":            c.Mode(),
			"total_questions": c.Total(),
			"chapters":        c.Chapters(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpLookupError(what, userID string, err error) *mcp.CallToolResult {
	if errors.Is(err, storage.ErrNotFound) {
		return mcpError(fmt.Sprintf("no %s for user %s", what, userID))
	}
	return mcpError(fmt.Sprintf("failed to get %s: %v", what, err))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
