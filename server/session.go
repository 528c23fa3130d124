package server

import (
	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/service"
)

type joinRequest struct {
	client *Client
	doc    *model.DocumentView
}

// Session fans out the change events of a single document to its watchers.
// All membership changes and broadcasts are serialized through Run.
type Session struct {
	docID   int64
	clients map[*Client]bool
	log     zerolog.Logger

	join   chan joinRequest
	leave  chan *Client
	events chan service.Event
	stop   chan struct{}
	// done is closed when Run returns.
	done chan struct{}

	// idle receives a notice whenever the last watcher leaves. It is nil
	// for sessions outside a hub.
	idle   chan<- idleNotice
	joined int
	// sent counts the joins queued by the hub. Only the hub loop uses it.
	sent int
}

func newSession(docID int64, log zerolog.Logger) *Session {
	return &Session{
		docID:   docID,
		clients: make(map[*Client]bool),
		log:     log.With().Int64("document_id", docID).Logger(),
		join:    make(chan joinRequest, 16),
		leave:   make(chan *Client, 16),
		events:  make(chan service.Event, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run is the session's main loop. It returns after a stop request or once
// the document has been deleted.
func (s *Session) Run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.join:
			s.handleJoin(req)
		case c := <-s.leave:
			s.handleLeave(c)
		case ev := <-s.events:
			if !s.handleEvent(ev) {
				s.detachAll()
				return
			}
		case <-s.stop:
			s.detachAll()
			return
		}
	}
}

// remove asks the session to drop c. It does not block on a finished
// session.
func (s *Session) remove(c *Client) {
	select {
	case s.leave <- c:
	case <-s.done:
		c.detach(s)
	}
}

func (s *Session) handleJoin(req joinRequest) {
	s.joined++
	c := req.client
	s.clients[c] = true
	c.attach(s)

	c.sendMsg(ServerMessage{
		Type:     MsgDoc,
		DocID:    s.docID,
		Document: req.doc,
		Watchers: len(s.clients),
	})
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.detach(s)
	c.sendMsg(ServerMessage{Type: MsgUnwatched, DocID: s.docID})
	if len(s.clients) == 0 && s.idle != nil {
		go s.notifyIdle(idleNotice{session: s, joined: s.joined})
	}
}

func (s *Session) notifyIdle(n idleNotice) {
	select {
	case s.idle <- n:
	case <-s.stop:
	case <-s.done:
	}
}

// handleEvent forwards ev to every watcher and reports whether the session
// should keep running.
func (s *Session) handleEvent(ev service.Event) bool {
	for c := range s.clients {
		c.sendMsg(ServerMessage{
			Type:     MsgEvent,
			DocID:    s.docID,
			Event:    &ev,
			Watchers: len(s.clients),
		})
	}
	if ev.Action == string(audit.ActionDeleteDocument) {
		s.log.Debug().Int("watchers", len(s.clients)).Msg("document deleted, closing session")
		return false
	}
	return true
}

func (s *Session) detachAll() {
	for c := range s.clients {
		c.detach(s)
	}
	clear(s.clients)
}
