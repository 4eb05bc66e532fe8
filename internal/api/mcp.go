package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkravets/eidos/internal/knowledge"
	"github.com/mkravets/eidos/internal/selector"
	"github.com/mkravets/eidos/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. MCP clients act as the
// default local user.
type MCPDeps struct {
	Store    *storage.Store
	Updater  *knowledge.Updater
	Selector *selector.Selector
}

// NewMCPServer creates an MCP server exposing the review queue and adaptive
// quiz creation as tools, and the learner snapshot as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"eidos",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("eidos — adaptive spaced-repetition tutor tracking per-topic mastery and forgetting risk."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("review_queue",
			mcp.WithDescription("List the topics most at risk of being forgotten, most urgent first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of topics (default 10)")),
		),
		mcpReviewQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("create_adaptive_quiz",
			mcp.WithDescription("Enqueue generation of a quiz targeting due or weak topics. Returns a request id to poll."),
			mcp.WithString("mode", mcp.Description("Selection mode: review, weakness or note"), mcp.Required()),
			mcp.WithNumber("question_count", mcp.Description("Number of questions (default 5)")),
			mcp.WithNumber("max_topics", mcp.Description("Maximum topics to cover (default 3)")),
			mcp.WithString("question_type", mcp.Description("Question type, e.g. multiple_choice")),
			mcp.WithString("note_id", mcp.Description("Note id, required for note mode")),
		),
		mcpCreateAdaptiveQuiz(deps),
	)

	s.AddTool(
		mcp.NewTool("generation_status",
			mcp.WithDescription("Check a generation request: status, result when ready, error when failed."),
			mcp.WithString("request_id", mcp.Description("The request id to check"), mcp.Required()),
		),
		mcpGenerationStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"learner://snapshot",
			"Learner Snapshot",
			mcp.WithResourceDescription("All tracked topics with mastery, confidence and forgetting risk as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSnapshot(deps),
	)

	return s
}

func mcpReviewQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		queue, err := deps.Updater.ReviewQueue(DefaultUser, limit, true)
		if err != nil {
			return mcpError(fmt.Sprintf("building review queue failed: %v", err)), nil
		}
		if len(queue) == 0 {
			return mcpText("[]"), nil
		}

		type queueItem struct {
			Topic          string  `json:"topic"`
			Mastery        float64 `json:"mastery"`
			ForgettingRisk float64 `json:"forgetting_risk"`
			NextReviewAt   string  `json:"next_review_at,omitempty"`
		}
		items := make([]queueItem, len(queue))
		for i, st := range queue {
			items[i] = queueItem{
				Topic:          st.Topic,
				Mastery:        st.Mastery,
				ForgettingRisk: st.ForgettingRisk,
			}
			if !st.NextReviewAt.IsZero() {
				items[i].NextReviewAt = st.NextReviewAt.Format("2006-01-02")
			}
		}

		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queue: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateAdaptiveQuiz(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode, err := req.RequireString("mode")
		if err != nil {
			return mcpError("mode is required"), nil
		}

		result, err := deps.Selector.CreateAdaptiveQuiz(selector.Request{
			UserID:        DefaultUser,
			Mode:          mode,
			QuestionCount: req.GetInt("question_count", 0),
			MaxTopics:     req.GetInt("max_topics", 0),
			QuestionType:  req.GetString("question_type", ""),
			NoteID:        req.GetString("note_id", ""),
		})
		if err != nil {
			switch {
			case errors.Is(err, selector.ErrEmptyState):
				return mcpError("no eligible topics yet; record some attempts first"), nil
			case errors.Is(err, storage.ErrNotFound):
				return mcpError(fmt.Sprintf("note not found: %v", err)), nil
			default:
				return mcpError(fmt.Sprintf("creating quiz failed: %v", err)), nil
			}
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerationStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}

		r, err := deps.Store.GetGenerationRequest(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("unknown request %q", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading request failed: %v", err)), nil
		}

		view := map[string]any{
			"id":     r.ID,
			"kind":   string(r.Kind),
			"status": string(r.Status),
		}
		if r.Status == storage.StatusReady && r.ResultJSON != "" {
			view["result"] = json.RawMessage(r.ResultJSON)
		}
		if r.Status == storage.StatusFailed {
			view["error_message"] = r.ErrorMessage
		}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal request: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSnapshot(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		states, err := deps.Store.ListKnowledgeStates(DefaultUser)
		if err != nil {
			return nil, fmt.Errorf("failed to list knowledge states: %w", err)
		}
		if states == nil {
			states = []storage.KnowledgeState{}
		}

		b, err := json.Marshal(states)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
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
