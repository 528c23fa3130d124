package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024
	loadWait   = 5 * time.Second
)

// Client represents a single WebSocket connection watching any number of
// documents.
type Client struct {
	ID   string
	User *model.User

	hub  *Hub
	docs DocumentReader
	conn *websocket.Conn
	// ctx is cancelled when the connection goes away.
	ctx    context.Context
	cancel context.CancelFunc
	send chan []byte
	// done is closed when the connection goes away. send is never closed, so
	// late broadcasts are dropped instead of panicking.
	done chan struct{}
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
}

func newClient(ctx context.Context, hub *Hub, docs DocumentReader, conn *websocket.Conn, user *model.User) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		ID:       id,
		User:     user,
		hub:      hub,
		docs:     docs,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		log:      hub.log.With().Str("client_id", id).Logger(),
		sessions: make(map[int64]*Session),
	}
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		close(c.done)
		for _, s := range c.watched() {
			s.remove(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case MsgWatch:
			if msg.DocID <= 0 {
				c.sendError("docId is required")
				continue
			}
			if !c.watch(msg.DocID) {
				return
			}
		case MsgUnwatch:
			s := c.session(msg.DocID)
			if s == nil {
				c.sendError("not watching this document")
				continue
			}
			s.remove(c)
		default:
			c.sendError("unknown message type: " + msg.Type)
		}
	}
}

// watch loads a document and asks the hub to add c to its session. It
// reports false once the hub has stopped.
func (c *Client) watch(docID int64) bool {
	ctx, cancel := context.WithTimeout(c.ctx, loadWait)
	defer cancel()
	view, err := c.docs.GetDocument(ctx, c.User, docID)
	if err != nil {
		if errs.KindOf(err) == "" {
			c.log.Error().Err(err).Int64("document_id", docID).Msg("failed to load document")
			c.sendError("failed to load document")
			return true
		}
		c.sendError(err.Error())
		return true
	}
	return c.hub.requestWatch(watchRequest{client: c, docID: docID, doc: view})
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (c *Client) sendMsg(msg ServerMessage) {
	select {
	case c.send <- msg.Encode():
	case <-c.done:
	default:
		// Client too slow, drop message.
		c.log.Debug().Str("type", msg.Type).Msg("dropped message for slow client")
	}
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

func (c *Client) attach(s *Session) {
	c.mu.Lock()
	c.sessions[s.docID] = s
	c.mu.Unlock()
}

func (c *Client) detach(s *Session) {
	c.mu.Lock()
	if c.sessions[s.docID] == s {
		delete(c.sessions, s.docID)
	}
	c.mu.Unlock()
}

func (c *Client) session(docID int64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[docID]
}

func (c *Client) watched() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}
