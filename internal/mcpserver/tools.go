// Package mcpserver registers MCP tools that expose history sync state
// and the rendered timeline. It adapts the session package to the MCP
// SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/history"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/alexjbarnes/timeline-sync/internal/session"
	"github.com/alexjbarnes/timeline-sync/internal/timeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Request actions accepted by history_request.
const (
	ActionSelect = "select"
	ActionMore   = "more"
	ActionRetry  = "retry"
	ActionWarmup = "warmup"
)

// Deps holds what the tools operate on.
type Deps struct {
	Session *session.Session

	// Connected reports transport state. Nil reports false.
	Connected func() bool
}

// RegisterTools adds all history tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "history_status",
		Description: "Show sync state for one conversation or, without a key, for every known conversation: cache flags, cursor, in-flight requests, warmup and retry state, plus the current status line.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "history_request",
		Description: "Drive history sync for a conversation. Actions: select (open it and fetch tail or delta), more (load the next older page of the open conversation), retry (force a fresh fetch after a timeout), warmup (queue a background tail fetch).",
	}, requestHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "timeline_view",
		Description: "Render the open conversation's timeline. Optionally scroll first (scroll_top in pixels, negative jumps to the bottom). Returns the virtual window, spacers, sticky state, unread divider and the rows inside the viewport.",
	}, viewHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "history_preview",
		Description: "Request a passive preview (newest message only) for a conversation without opening it, and return the stored preview.",
	}, previewHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "history_visibility",
		Description: "Report whether the page is visible and on the main view. Background warmup and prefetch only run while both are true.",
	}, visibilityHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "history_reset",
		Description: "Log out: drop every cached conversation, pending request, timer, bypass and queued warmup.",
	}, resetHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput holds parameters for history_status.
type StatusInput struct {
	Key string `json:"key,omitempty" jsonschema:"conversation key such as dm:alice or group:team, omit for all"`
}

// RequestInput holds parameters for history_request.
type RequestInput struct {
	Key    string `json:"key" jsonschema:"required,conversation key such as dm:alice or group:team"`
	Action string `json:"action" jsonschema:"required,one of select, more, retry, warmup"`
}

// ViewInput holds parameters for timeline_view.
type ViewInput struct {
	Key       string   `json:"key" jsonschema:"required,key of the open conversation"`
	ScrollTop *float64 `json:"scroll_top,omitempty" jsonschema:"scroll to this offset in pixels before rendering, negative pins to the bottom"`
	Search    *bool    `json:"search,omitempty" jsonschema:"toggle in-chat search, which disables virtualization"`
}

// PreviewInput holds parameters for history_preview.
type PreviewInput struct {
	Key string `json:"key" jsonschema:"required,conversation key such as dm:alice or group:team"`
}

// VisibilityInput holds parameters for history_visibility.
type VisibilityInput struct {
	Visible  bool `json:"visible" jsonschema:"whether the page is visible"`
	MainView bool `json:"main_view" jsonschema:"whether the main conversation view is shown"`
}

// ResetInput holds parameters for history_reset. It takes none.
type ResetInput struct{}

// --- Output types ---

// StatusResult is returned by history_status.
type StatusResult struct {
	Status        string             `json:"status,omitempty"`
	Selected      string             `json:"selected,omitempty"`
	Connected     bool               `json:"connected"`
	Conversations []history.Snapshot `json:"conversations"`
}

// RequestResult is returned by history_request.
type RequestResult struct {
	Action   string           `json:"action"`
	Status   string           `json:"status,omitempty"`
	Snapshot history.Snapshot `json:"snapshot"`
}

// VisibilityResult is returned by history_visibility.
type VisibilityResult struct {
	Visible  bool `json:"visible"`
	MainView bool `json:"main_view"`
}

// ResetResult is returned by history_reset.
type ResetResult struct {
	Dropped int `json:"dropped"`
}

// RowView is one row inside the viewport.
type RowView struct {
	Key  string `json:"key"`
	ID   int64  `json:"id,omitempty"`
	TS   int64  `json:"ts,omitempty"`
	From string `json:"from,omitempty"`
	Text string `json:"text,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// ViewResult is returned by timeline_view.
type ViewResult struct {
	Key          string          `json:"key"`
	Total        int             `json:"total"`
	Window       timeline.Window `json:"window"`
	Sticky       bool            `json:"sticky"`
	DividerKey   string          `json:"divider_key,omitempty"`
	ScrollTop    float64         `json:"scroll_top"`
	ScrollHeight float64         `json:"scroll_height"`
	ClientHeight float64         `json:"client_height"`
	Suppressed   bool            `json:"pagination_suppressed"`
	Visible      []RowView       `json:"visible"`
}

// PreviewResult is returned by history_preview.
type PreviewResult struct {
	Key     string          `json:"key"`
	Pending bool            `json:"pending"`
	Preview *models.Message `json:"preview,omitempty"`
}

// --- Handlers ---

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		router := d.Session.Router()

		result := &StatusResult{
			Status:    router.Status(),
			Connected: d.Connected != nil && d.Connected(),
		}

		if t, ok := router.Selected(); ok {
			result.Selected = t.Key()
		}

		keys := router.Keys()

		if input.Key != "" {
			t, err := models.ParseKey(input.Key)
			if err != nil {
				return nil, nil, err
			}

			keys = []string{t.Key()}
		}

		result.Conversations = make([]history.Snapshot, 0, len(keys))
		for _, key := range keys {
			result.Conversations = append(result.Conversations, router.Snapshot(key))
		}

		return textResult(result), result, nil
	}
}

func requestHandler(d Deps) mcp.ToolHandlerFor[RequestInput, *RequestResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input RequestInput) (*mcp.CallToolResult, *RequestResult, error) {
		t, err := models.ParseKey(input.Key)
		if err != nil {
			return nil, nil, err
		}

		router := d.Session.Router()
		key := t.Key()

		switch input.Action {
		case ActionSelect:
			if _, err := d.Session.Open(t); err != nil {
				return nil, nil, err
			}

		case ActionMore:
			if d.Session.Current() != key {
				return nil, nil, fmt.Errorf("%w: %q is not open", apperrors.ErrUnknownConversation, key)
			}

			router.RequestMoreHistory()

		case ActionRetry:
			router.ForceRetrySelected(t)

		case ActionWarmup:
			router.ScheduleWarmup([]models.Target{t})

		default:
			return nil, nil, fmt.Errorf("unknown action %q (want select, more, retry or warmup)", input.Action)
		}

		result := &RequestResult{
			Action:   input.Action,
			Status:   router.Status(),
			Snapshot: router.Snapshot(key),
		}

		return textResult(result), result, nil
	}
}

func viewHandler(d Deps) mcp.ToolHandlerFor[ViewInput, *ViewResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ViewInput) (*mcp.CallToolResult, *ViewResult, error) {
		t, err := models.ParseKey(input.Key)
		if err != nil {
			return nil, nil, err
		}

		key := t.Key()

		if input.Search != nil {
			d.Session.SetSearchActive(*input.Search)
		}

		var v session.View
		if input.ScrollTop != nil {
			v, err = d.Session.Scroll(key, *input.ScrollTop)
		} else {
			v, err = d.Session.View(key)
		}

		if err != nil {
			return nil, nil, err
		}

		result := newViewResult(v)

		return textResult(result), result, nil
	}
}

func previewHandler(d Deps) mcp.ToolHandlerFor[PreviewInput, *PreviewResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input PreviewInput) (*mcp.CallToolResult, *PreviewResult, error) {
		t, err := models.ParseKey(input.Key)
		if err != nil {
			return nil, nil, err
		}

		router := d.Session.Router()
		router.RequestPreview(t)

		key := t.Key()
		result := &PreviewResult{
			Key:     key,
			Pending: router.Snapshot(key).PreviewRequested,
		}

		if msg, ok := d.Session.Store().Preview(key); ok {
			result.Preview = &msg
		}

		return textResult(result), result, nil
	}
}

func visibilityHandler(d Deps) mcp.ToolHandlerFor[VisibilityInput, *VisibilityResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input VisibilityInput) (*mcp.CallToolResult, *VisibilityResult, error) {
		d.Session.Router().SetVisibility(input.Visible, input.MainView)

		result := &VisibilityResult{Visible: input.Visible, MainView: input.MainView}

		return textResult(result), result, nil
	}
}

func resetHandler(d Deps) mcp.ToolHandlerFor[ResetInput, *ResetResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ResetInput) (*mcp.CallToolResult, *ResetResult, error) {
		result := &ResetResult{Dropped: len(d.Session.Store().Keys())}
		d.Session.Reset()

		return textResult(result), result, nil
	}
}

func newViewResult(v session.View) *ViewResult {
	rows := make([]RowView, 0, len(v.Visible))
	for _, m := range v.Visible {
		rows = append(rows, RowView{
			Key:  m.StableKey(),
			ID:   m.ID,
			TS:   m.TS,
			From: m.From,
			Text: m.Text,
			Kind: string(m.Kind),
		})
	}

	return &ViewResult{
		Key:          v.Key,
		Total:        v.Total,
		Window:       v.Window,
		Sticky:       v.Sticky,
		DividerKey:   v.DividerKey,
		ScrollTop:    v.ScrollTop,
		ScrollHeight: v.ScrollHeight,
		ClientHeight: v.ClientHeight,
		Suppressed:   v.Suppressed,
		Visible:      rows,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
