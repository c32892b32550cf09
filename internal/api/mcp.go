package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/interaction"
	"github.com/kalambet/compass/internal/streak"
)

// PromptSource loads today's prompt and the streak. Implemented by store.Store.
type PromptSource interface {
	LoadTodayPrompt(ctx context.Context) (*compass.Prompt, error)
	FetchUserStreak(ctx context.Context) (*compass.UserStreak, error)
}

// Catalog browses historical prompts. Implemented by compass.Service.
type Catalog interface {
	GetPromptCollection(ctx context.Context, page int, f compass.Filters) (*compass.PromptCollection, error)
	GetPromptCategories(ctx context.Context) ([]string, error)
	GetFeaturedPrompts(ctx context.Context) ([]compass.Prompt, error)
}

// PendingCounter reports queued engagements. Implemented by outbox.Queue.
type PendingCounter interface {
	Pending() (int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Prompts    PromptSource
	Catalog    Catalog
	NewSession func(promptID int64) *interaction.Session
	Outbox     PendingCounter // optional
	Now        func() time.Time
}

// NewMCPServer creates an MCP server with all compass tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := server.NewMCPServer(
		"compass",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("compass: the Daily Compass reflection prompt, the user's streak, and reflection recording."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("today_prompt",
			mcp.WithDescription("Return today's Daily Compass prompt, including the user's engagement when signed in."),
		),
		mcpTodayPrompt(deps),
	)

	s.AddTool(
		mcp.NewTool("user_streak",
			mcp.WithDescription("Return the user's streak with derived progress, achievements and a completion calendar."),
			mcp.WithNumber("days", mcp.Description("Calendar length in days (default 14, max 90)")),
		),
		mcpUserStreak(deps),
	)

	s.AddTool(
		mcp.NewTool("record_reflection",
			mcp.WithDescription("Save a reflection and rating for a prompt, optionally marking it completed."),
			mcp.WithNumber("prompt_id", mcp.Description("Prompt id (default: today's prompt)")),
			mcp.WithString("reflection", mcp.Description("Reflection text")),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 to 5; required to complete")),
			mcp.WithBoolean("complete", mcp.Description("Mark the prompt completed")),
		),
		mcpRecordReflection(deps),
	)

	s.AddTool(
		mcp.NewTool("prompt_collection",
			mcp.WithDescription("Browse past prompts, one page at a time."),
			mcp.WithNumber("page", mcp.Description("Page number, starting at 1")),
			mcp.WithString("category", mcp.Description("Only prompts in this category")),
			mcp.WithString("search", mcp.Description("Free-text search")),
			mcp.WithString("sort", mcp.Description("Sort key: date or popularity"), mcp.Enum("date", "popularity")),
		),
		mcpPromptCollection(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"compass://categories",
			"Prompt Categories",
			mcp.WithResourceDescription("Available prompt categories as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCategories(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"compass://featured",
			"Featured Prompts",
			mcp.WithResourceDescription("Curated featured prompts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceFeatured(deps),
	)

	if deps.Outbox != nil {
		s.AddResource(
			mcp.NewResource(
				"compass://outbox",
				"Pending Completions",
				mcp.WithResourceDescription("Number of completions waiting to be synced"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceOutbox(deps),
		)
	}

	return s
}

func mcpTodayPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := deps.Prompts.LoadTodayPrompt(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("could not load today's prompt: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpUserStreak(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := req.GetInt("days", 14)
		if days <= 0 {
			days = 14
		}
		if days > 90 {
			days = 90
		}

		st, err := deps.Prompts.FetchUserStreak(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("could not load streak: %v", err)), nil
		}

		type streakResult struct {
			Stats    streak.Stats `json:"stats"`
			Calendar []streak.Day `json:"calendar"`
		}
		return mcpJSON(streakResult{
			Stats:    streak.Derive(st),
			Calendar: streak.Calendar(st.StreakHistory, days, deps.Now()),
		})
	}
}

func mcpRecordReflection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		promptID := int64(req.GetInt("prompt_id", 0))
		if promptID <= 0 {
			p, err := deps.Prompts.LoadTodayPrompt(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("could not load today's prompt: %v", err)), nil
			}
			promptID = p.ID
		}

		sess := deps.NewSession(promptID)
		defer sess.Close()

		if text := req.GetString("reflection", ""); text != "" {
			sess.SetReflection(text)
		}
		if rating := req.GetInt("rating", 0); rating != 0 {
			if err := sess.SetRating(rating); err != nil {
				return mcpError(err.Error()), nil
			}
		}

		if !req.GetBool("complete", false) {
			if err := sess.Flush(ctx); err != nil {
				return mcpError(fmt.Sprintf("draft saved locally, sync failed: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Saved reflection for prompt %d", promptID)), nil
		}

		if sess.View().Rating == 0 {
			return mcpError("a rating from 1 to 5 is required to complete a prompt"), nil
		}
		err := sess.HandleComplete(ctx)
		switch {
		case err == nil:
			return mcpText(fmt.Sprintf("Completed prompt %d", promptID)), nil
		case errors.Is(err, interaction.ErrQueued):
			return mcpText(fmt.Sprintf("Backend unavailable; completion of prompt %d queued for sync", promptID)), nil
		default:
			return mcpError(fmt.Sprintf("could not complete prompt: %v", err)), nil
		}
	}
}

func mcpPromptCollection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := compass.Filters{
			Category: req.GetString("category", ""),
			Search:   req.GetString("search", ""),
			SortBy:   compass.SortKey(req.GetString("sort", "")),
		}
		switch f.SortBy {
		case "", compass.SortByDate, compass.SortByPopularity:
		default:
			return mcpError(fmt.Sprintf("unknown sort key %q", f.SortBy)), nil
		}

		c, err := deps.Catalog.GetPromptCollection(ctx, req.GetInt("page", 1), f)
		if err != nil {
			return mcpError(fmt.Sprintf("could not load collection: %v", err)), nil
		}
		return mcpJSON(c)
	}
}

func mcpResourceCategories(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cats, err := deps.Catalog.GetPromptCategories(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get categories: %w", err)
		}
		return jsonResource(req.Params.URI, cats)
	}
}

func mcpResourceFeatured(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ps, err := deps.Catalog.GetFeaturedPrompts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get featured prompts: %w", err)
		}
		return jsonResource(req.Params.URI, ps)
	}
}

func mcpResourceOutbox(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		n, err := deps.Outbox.Pending()
		if err != nil {
			return nil, fmt.Errorf("failed to count pending completions: %w", err)
		}
		return jsonResource(req.Params.URI, map[string]int{"pending": n})
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
