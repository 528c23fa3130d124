package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/service"
)

// DocumentReader loads the current view of a document for a viewer.
// *service.Service implements it. Clients use it to load a document before
// watching it.
type DocumentReader interface {
	GetDocument(ctx context.Context, viewer *model.User, id int64) (*model.DocumentView, error)
}

type watchRequest struct {
	client *Client
	docID  int64
	doc    *model.DocumentView
}

// idleNotice tells the hub that a session lost its last watcher after
// handling joined joins.
type idleNotice struct {
	session *Session
	joined  int
}

// Hub routes change events to per-document sessions. It implements
// service.Notifier.
type Hub struct {
	log      zerolog.Logger
	sessions map[int64]*Session
	mu       sync.RWMutex

	watch  chan watchRequest
	idle   chan idleNotice
	events chan service.Event
	done   chan struct{}
}

var _ service.Notifier = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		sessions: make(map[int64]*Session),
		watch:    make(chan watchRequest, 64),
		idle:     make(chan idleNotice, 64),
		events:   make(chan service.Event, 256),
		done:     make(chan struct{}),
	}
}

// Run is the hub's main loop. It stops every session and returns when ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case req := <-h.watch:
			h.handleWatch(req)
		case n := <-h.idle:
			h.handleIdle(n)
		case ev := <-h.events:
			h.route(ev)
		case <-ctx.Done():
			h.mu.Lock()
			for id, s := range h.sessions {
				close(s.stop)
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Publish queues ev for the watchers of its document. A full queue drops
// the event.
func (h *Hub) Publish(ev service.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn().Str("action", ev.Action).Int64("document_id", ev.DocumentID).Msg("event queue full, dropping event")
	}
}

// requestWatch hands req to the hub loop. It reports false once the hub has
// stopped.
func (h *Hub) requestWatch(req watchRequest) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.watch <- req:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleWatch(req watchRequest) {
	h.mu.Lock()
	s, ok := h.sessions[req.docID]
	if !ok {
		s = newSession(req.docID, h.log)
		s.idle = h.idle
		h.sessions[req.docID] = s
		go s.Run()
	}
	h.mu.Unlock()

	select {
	case s.join <- joinRequest{client: req.client, doc: req.doc}:
		s.sent++
	case <-s.done:
		req.client.sendError("document is no longer available")
	}
}

// handleIdle stops a session that has no watchers, unless a join is still
// queued for it.
func (h *Hub) handleIdle(n idleNotice) {
	s := n.session
	if n.joined != s.sent {
		return
	}
	h.mu.Lock()
	owned := h.sessions[s.docID] == s
	if owned {
		delete(h.sessions, s.docID)
	}
	h.mu.Unlock()
	if owned {
		close(s.stop)
	}
}

func (h *Hub) route(ev service.Event) {
	h.mu.Lock()
	s, ok := h.sessions[ev.DocumentID]
	if ok && ev.Action == string(audit.ActionDeleteDocument) {
		// The session closes itself after forwarding the deletion.
		delete(h.sessions, ev.DocumentID)
	}
	h.mu.Unlock()
	if ok {
		s.events <- ev
	}
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID int64) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}
