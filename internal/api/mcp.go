package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/advisor/internal/orchestrator"
	"github.com/kalambet/advisor/internal/query"
)

// NewMCPServer creates an MCP server exposing the advisor tools and resources.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"advisor",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("advisor answers agricultural questions from a document-grounded knowledge base, in English, Amharic or Tigrinya."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_advisor",
			mcp.WithDescription("Ask an agricultural question. Answers are grounded in the indexed documents and list their sources."),
			mcp.WithString("question", mcp.Description("The question, in English, Amharic or Tigrinya"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of sources to retrieve, 1 to 10 (default 3)")),
			mcp.WithBoolean("translate_local", mcp.Description("Translate the answer back into the question's language")),
		),
		mcpAsk(svc),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Rate an earlier answer by its question id."),
			mcp.WithString("question_id", mcp.Description("question_id returned by ask_advisor"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 to 5"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Optional free-text comment")),
		),
		mcpFeedback(svc),
	)

	s.AddTool(
		mcp.NewTool("advisor_status",
			mcp.WithDescription("Report the operating mode and the number of cached answers and queued questions."),
		),
		mcpStatus(svc),
	)

	s.AddTool(
		mcp.NewTool("flush_queue",
			mcp.WithDescription("Schedule delivery of questions queued while the inference service was offline."),
		),
		mcpFlush(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"advisor://status",
			"Advisor Status",
			mcp.WithResourceDescription("Operating mode and store sizes as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"advisor://system-prompt",
			"System Prompt",
			mcp.WithResourceDescription("Fixed instructions given to the generation model"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourceSystemPrompt(),
	)

	return s
}

func mcpAsk(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || strings.TrimSpace(question) == "" {
			return mcpError("question is required"), nil
		}
		limit := query.DefaultLimit
		if _, ok := req.GetArguments()["k"]; ok {
			k := req.GetInt("k", query.DefaultLimit)
			limit = limitOf(&k)
		}

		resp := svc.Ask(ctx, query.Request{
			Question:       question,
			Limit:          limit,
			TranslateLocal: req.GetBool("translate_local", false),
		})

		b, err := json.Marshal(toChatResponse(resp))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		if resp.Result.Backend == query.BackendError {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(b)}},
				IsError: true,
			}, nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFeedback(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("question_id")
		if err != nil {
			return mcpError("question_id is required"), nil
		}
		rating := req.GetInt("rating", 0)

		ack, err := svc.Feedback(ctx, orchestrator.Feedback{
			QuestionID: id,
			Rating:     rating,
			Comment:    req.GetString("comment", ""),
		})
		if errors.Is(err, orchestrator.ErrInvalidFeedback) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record feedback: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s for %s", ack.Message, ack.QuestionID)), nil
	}
}

func mcpStatus(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(svc.Status(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFlush(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !svc.TriggerFlush() {
			return mcpText("No offline queue in mock mode"), nil
		}
		return mcpText("Flush scheduled"), nil
	}
}

func mcpResourceStatus(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(svc.Status(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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

func mcpResourceSystemPrompt() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     orchestrator.SystemPrompt,
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
