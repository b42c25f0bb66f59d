// Package session binds the history router to an on-screen timeline.
//
// A Session plays the host application's part: it opens conversations
// in the router and the renderer together, routes router hooks to the
// renderer, feeds scroll positions back, and receives transport traffic
// so locally sent messages pin the timeline to the bottom.
package session

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/history"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/alexjbarnes/timeline-sync/internal/timeline"
)

// Config holds the collaborators of a Session.
type Config struct {
	Router   *history.Router
	Store    *cache.Store
	Timeline timeline.Options

	// Viewport is the visible timeline height in pixels.
	Viewport float64

	// Estimate sizes rows before they are measured. Nil uses
	// timeline.EstimateHeight.
	Estimate timeline.HeightFunc

	// OnOpen runs after a conversation is opened. Optional.
	OnOpen func(key string)
}

// View describes what is on screen for one conversation.
type View struct {
	timeline.Frame

	ScrollTop    float64          `json:"scroll_top"`
	ScrollHeight float64          `json:"scroll_height"`
	ClientHeight float64          `json:"client_height"`
	Visible      []models.Message `json:"visible"`
	Suppressed   bool             `json:"pagination_suppressed"`
}

// Session is the host glue between the router and the renderer.
type Session struct {
	router   *history.Router
	store    *cache.Store
	renderer *timeline.Renderer
	layout   *timeline.Layout
	onOpen   func(string)
	logger   *slog.Logger
}

// New creates a Session and installs the router hooks.
func New(cfg Config, logger *slog.Logger) *Session {
	layout := timeline.NewLayout(cfg.Viewport, cfg.Estimate)

	s := &Session{
		router: cfg.Router,
		store:  cfg.Store,
		layout: layout,
		onOpen: cfg.OnOpen,
		logger: logger,
	}
	s.renderer = timeline.NewRenderer(cfg.Store, layout, cfg.Router, cfg.Timeline, logger)

	cfg.Router.SetHooks(s.renderer.CapturePrependAnchor, s.onUpdate)

	return s
}

// Router returns the history router.
func (s *Session) Router() *history.Router {
	return s.router
}

// Store returns the cache store.
func (s *Session) Store() *cache.Store {
	return s.store
}

// Current returns the key of the open conversation.
func (s *Session) Current() string {
	return s.renderer.Current()
}

// Open selects t and renders it pinned to the bottom.
func (s *Session) Open(t models.Target) (View, error) {
	if !t.Valid() {
		return View{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidTarget, t.Key())
	}

	key := t.Key()

	// The renderer switches first so a result delivered while the router
	// is still selecting lands in the new view.
	s.renderer.Select(key)
	s.router.Select(t)
	s.renderer.Refresh(key)

	if s.onOpen != nil {
		s.onOpen(key)
	}

	return s.view(key), nil
}

// Scroll moves the open conversation to top. A negative top jumps to
// the bottom and re-pins it.
func (s *Session) Scroll(key string, top float64) (View, error) {
	if err := s.requireOpen(key); err != nil {
		return View{}, err
	}

	if top < 0 {
		s.renderer.PinToBottom(key)
	} else {
		s.layout.SetScrollTop(top)
		s.renderer.OnScroll(key)
	}

	s.renderer.Refresh(key)

	return s.view(key), nil
}

// MediaLoaded records the measured height of rowKey and corrects the
// scroll position for the reflow.
func (s *Session) MediaLoaded(key, rowKey string, height float64) (View, error) {
	if err := s.requireOpen(key); err != nil {
		return View{}, err
	}

	s.layout.SetRowHeight(rowKey, height)
	s.renderer.OnMediaLoaded(key)

	return s.view(key), nil
}

// View returns the current view of key without changing it.
func (s *Session) View(key string) (View, error) {
	if err := s.requireOpen(key); err != nil {
		return View{}, err
	}

	return s.view(key), nil
}

// SetSearchActive toggles in-chat search on the open conversation.
func (s *Session) SetSearchActive(active bool) {
	s.renderer.SetSearchActive(active)

	if key := s.renderer.Current(); key != "" {
		s.renderer.Refresh(key)
	}
}

// Reset drops every conversation, as on logout.
func (s *Session) Reset() {
	s.router.Reset()
	s.renderer.Reset()
}

// HandleHistoryResult implements transport.Handler.
func (s *Session) HandleHistoryResult(res models.HistoryResult) error {
	return s.router.HandleHistoryResult(res)
}

// HandleLiveMessage implements transport.Handler. The router refreshes
// the open view through its update hook; a message the local user sent
// additionally re-pins it.
func (s *Session) HandleLiveMessage(msg models.LiveMessage) error {
	if err := s.router.HandleLiveMessage(msg); err != nil {
		return err
	}

	if msg.Message.Kind != models.MessageOut {
		return nil
	}

	key := s.renderer.Current()
	if key == "" || !addressedTo(key, msg) {
		return nil
	}

	s.renderer.PinToBottom(key)
	s.renderer.Refresh(key)

	return nil
}

// HandleReconnect re-syncs after the transport comes back.
func (s *Session) HandleReconnect() {
	s.router.HandleReconnect()
}

func (s *Session) onUpdate(key string) {
	if s.renderer.Current() != key {
		return
	}

	s.renderer.Refresh(key)
}

func (s *Session) requireOpen(key string) error {
	if key == "" || key != s.renderer.Current() {
		return fmt.Errorf("%w: %q is not open", apperrors.ErrUnknownConversation, key)
	}

	return nil
}

func (s *Session) view(key string) View {
	f := s.renderer.Render(key)

	visible := make(map[string]struct{})
	for _, k := range s.layout.VisibleRows() {
		visible[k] = struct{}{}
	}

	var rows []models.Message

	for _, m := range f.Rows {
		if _, ok := visible[m.StableKey()]; ok {
			rows = append(rows, m)
		}
	}

	return View{
		Frame:        f,
		ScrollTop:    s.layout.ScrollTop(),
		ScrollHeight: s.layout.ScrollHeight(),
		ClientHeight: s.layout.ClientHeight(),
		Visible:      rows,
		Suppressed:   s.renderer.Suppressed(key),
	}
}

// addressedTo reports whether msg belongs to the conversation key.
func addressedTo(key string, msg models.LiveMessage) bool {
	t, err := models.ParseKey(key)
	if err != nil {
		return false
	}

	if msg.Peer != "" {
		return t.Kind == models.KindDM && models.Target{Kind: models.KindDM, ID: msg.Peer}.Key() == key
	}

	return t.Kind.IsRoom() && models.Target{Kind: t.Kind, ID: msg.Room}.Key() == key
}
