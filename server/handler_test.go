package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/schema"
	"github.com/alimasry/go-camp/service"
	"github.com/alimasry/go-camp/store"
)

type testEnv struct {
	server *httptest.Server
	hub    *Hub
	svc    *service.Service
	alice  *model.User
	mod    *model.User
	admin  *model.User
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	validator, err := schema.NewValidator(map[string]string{
		"strict": `{"type":"object","required":["title"]}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(zerolog.Nop())
	svc, err := service.New(store.NewMemoryStore(), service.Options{
		Validator: validator,
		Notifier:  hub,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	env := &testEnv{hub: hub, svc: svc}
	env.alice = mustUser(t, svc, "alice")
	env.mod = mustUser(t, svc, "mod", model.RoleModerator)
	env.admin = mustUser(t, svc, "admin", model.RoleAdmin)
	env.server = httptest.NewServer(NewHandler(svc, hub, zerolog.Nop()))
	t.Cleanup(func() {
		env.server.Close()
		cancel()
	})
	return env
}

func mustUser(t *testing.T, svc *service.Service, name string, roles ...model.Role) *model.User {
	t.Helper()
	u, err := svc.CreateUser(context.Background(), name, roles)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// do sends a request as user (nil for anonymous) and returns the status and
// body.
func (e *testEnv) do(t *testing.T, user *model.User, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		req.Header.Set(UserHeader, strconv.FormatInt(user.ID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func (e *testEnv) create(t *testing.T, user *model.User, namespace, data string) *model.DocumentView {
	t.Helper()
	status, body := e.do(t, user, http.MethodPost, "/documents", map[string]any{
		"namespace": namespace,
		"data":      json.RawMessage(data),
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", status, body)
	}
	var view model.DocumentView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	return &view
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal error body %s: %v", body, err)
	}
	return resp
}

func TestHandler_CreateAndGet(t *testing.T) {
	env := setupTestServer(t)

	created := env.create(t, env.alice, "wiki", `{"title":"hello"}`)
	if created.ID == 0 || created.VersionID == 0 {
		t.Fatalf("missing ids: %+v", created)
	}

	status, body := env.do(t, nil, http.MethodGet, "/documents/"+itoa(created.ID), nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d, body %s", status, body)
	}
	var got model.DocumentView
	json.Unmarshal(body, &got)
	if got.VersionID != created.VersionID {
		t.Errorf("version = %d, want %d", got.VersionID, created.VersionID)
	}
	if string(got.Data) != `{"title":"hello"}` {
		t.Errorf("data = %s", got.Data)
	}
}

func TestHandler_EditConflict(t *testing.T) {
	env := setupTestServer(t)
	doc := env.create(t, env.alice, "wiki", `{"n":1}`)
	path := "/documents/" + itoa(doc.ID)

	status, body := env.do(t, env.alice, http.MethodPut, path, map[string]any{
		"version_id": doc.VersionID,
		"data":       json.RawMessage(`{"n":2}`),
	})
	if status != http.StatusOK {
		t.Fatalf("edit: status %d, body %s", status, body)
	}

	status, body = env.do(t, env.alice, http.MethodPut, path, map[string]any{
		"version_id": doc.VersionID,
		"data":       json.RawMessage(`{"n":3}`),
	})
	if status != http.StatusConflict {
		t.Fatalf("stale edit: status %d, want 409", status)
	}
	resp := decodeError(t, body)
	if resp.Kind != errs.KindEditConflict {
		t.Errorf("kind = %q", resp.Kind)
	}
	if resp.Last == nil || string(resp.Last.Data) != `{"n":2}` {
		t.Errorf("last = %+v, want the accepted edit", resp.Last)
	}
	if resp.Yours == nil || string(resp.Yours.Data) != `{"n":3}` {
		t.Errorf("yours = %+v, want the rejected submission", resp.Yours)
	}
}

func TestHandler_Identity(t *testing.T) {
	env := setupTestServer(t)

	status, _ := env.do(t, nil, http.MethodPost, "/documents", map[string]any{"namespace": "wiki", "data": 1})
	if status != http.StatusForbidden {
		t.Errorf("anonymous create: status %d, want 403", status)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/documents", nil)
	req.Header.Set(UserHeader, "999")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown user: status %d, want 401", resp.StatusCode)
	}

	req.Header.Set(UserHeader, "alice")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("malformed user id: status %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing request id")
	}
}

func TestHandler_NotFound(t *testing.T) {
	env := setupTestServer(t)
	status, body := env.do(t, nil, http.MethodGet, "/documents/42", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status %d, want 404", status)
	}
	if decodeError(t, body).Kind != errs.KindNotFound {
		t.Errorf("body %s", body)
	}
}

func TestHandler_SchemaValidation(t *testing.T) {
	env := setupTestServer(t)
	status, body := env.do(t, env.alice, http.MethodPost, "/documents", map[string]any{
		"namespace": "strict",
		"data":      json.RawMessage(`{"body":"no title"}`),
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", status)
	}
	if resp := decodeError(t, body); len(resp.Problems) == 0 {
		t.Errorf("no problems reported: %s", body)
	}

	status, _ = env.do(t, env.alice, http.MethodPost, "/documents", "not an object")
	if status != http.StatusBadRequest {
		t.Errorf("bad payload: status %d, want 400", status)
	}
}

func TestHandler_Moderation(t *testing.T) {
	env := setupTestServer(t)
	doc := env.create(t, env.alice, "wiki", `{"n":1}`)
	path := "/documents/" + itoa(doc.ID)

	if status, _ := env.do(t, env.alice, http.MethodPut, path+"/protection", nil); status != http.StatusForbidden {
		t.Errorf("protect by author: status %d, want 403", status)
	}
	if status, _ := env.do(t, env.mod, http.MethodPut, path+"/protection", nil); status != http.StatusNoContent {
		t.Fatalf("protect: status %d", status)
	}
	status, body := env.do(t, env.mod, http.MethodPut, path+"/protection", nil)
	if status != http.StatusUnprocessableEntity || decodeError(t, body).Kind != errs.KindInvalidOperation {
		t.Errorf("protect twice: status %d, body %s", status, body)
	}

	status, _ = env.do(t, env.alice, http.MethodPut, path, map[string]any{"version_id": doc.VersionID, "data": 2})
	if status != http.StatusForbidden {
		t.Errorf("edit of protected doc: status %d, want 403", status)
	}

	// Hiding the only visible version is refused.
	vpath := "/versions/" + itoa(doc.VersionID)
	if status, _ := env.do(t, env.mod, http.MethodPut, vpath+"/hidden", nil); status != http.StatusUnprocessableEntity {
		t.Errorf("hide only version: status %d, want 422", status)
	}
	if status, _ := env.do(t, env.mod, http.MethodDelete, vpath, nil); status != http.StatusForbidden {
		t.Errorf("delete version by moderator: status %d, want 403", status)
	}
	if status, _ := env.do(t, env.admin, http.MethodDelete, path, nil); status != http.StatusNoContent {
		t.Errorf("delete document: status %d", status)
	}
	if status, _ := env.do(t, nil, http.MethodGet, path, nil); status != http.StatusNotFound {
		t.Errorf("get deleted: status %d, want 404", status)
	}
}

func TestHandler_MergeAndRedirect(t *testing.T) {
	env := setupTestServer(t)
	src := env.create(t, env.alice, "wiki", `{"n":1}`)
	dst := env.create(t, env.alice, "wiki", `{"n":2}`)

	status, body := env.do(t, env.mod, http.MethodPost, "/documents/"+itoa(src.ID)+"/merge", map[string]any{
		"destination_id": dst.ID,
		"comment":        "duplicate",
	})
	if status != http.StatusNoContent {
		t.Fatalf("merge: status %d, body %s", status, body)
	}

	status, body = env.do(t, nil, http.MethodGet, "/documents/"+itoa(src.ID), nil)
	if status != http.StatusOK {
		t.Fatalf("get source: status %d", status)
	}
	var view model.DocumentView
	json.Unmarshal(body, &view)
	if view.RedirectsTo == nil || *view.RedirectsTo != dst.ID {
		t.Errorf("source view = %s, want redirect to %d", body, dst.ID)
	}

	status, body = env.do(t, nil, http.MethodGet, "/documents/"+itoa(dst.ID)+"/versions", nil)
	if status != http.StatusOK {
		t.Fatalf("list versions: status %d", status)
	}
	var list listResponse
	json.Unmarshal(body, &list)
	if list.Total != 2 {
		t.Errorf("destination has %d versions, want 2", list.Total)
	}
}

func TestHandler_TagsAndListing(t *testing.T) {
	env := setupTestServer(t)
	a := env.create(t, env.alice, "wiki", `{}`)
	env.create(t, env.alice, "wiki", `{}`)
	env.create(t, env.alice, "notes", `{}`)

	status, body := env.do(t, env.alice, http.MethodPut, "/documents/"+itoa(a.ID)+"/tags/star", map[string]string{"value": "yes"})
	if status != http.StatusOK {
		t.Fatalf("put tag: status %d, body %s", status, body)
	}

	var list listResponse
	_, body = env.do(t, nil, http.MethodGet, "/documents?namespace=wiki", nil)
	json.Unmarshal(body, &list)
	if list.Total != 2 {
		t.Errorf("wiki documents = %d, want 2", list.Total)
	}

	_, body = env.do(t, nil, http.MethodGet, "/documents?tag=star&tag_value=yes", nil)
	list = listResponse{}
	json.Unmarshal(body, &list)
	if list.Total != 1 || list.Items[0].ID != a.ID {
		t.Errorf("tagged documents = %s", body)
	}

	if status, _ := env.do(t, nil, http.MethodGet, "/documents?limit=1000", nil); status != http.StatusBadRequest {
		t.Errorf("oversized limit: status %d, want 400", status)
	}
	if status, _ := env.do(t, nil, http.MethodGet, "/documents?offset=x", nil); status != http.StatusBadRequest {
		t.Errorf("bad offset: status %d, want 400", status)
	}

	if status, _ := env.do(t, env.alice, http.MethodDelete, "/documents/"+itoa(a.ID)+"/tags/star", nil); status != http.StatusNoContent {
		t.Errorf("delete tag: status %d", status)
	}
	if status, _ := env.do(t, env.alice, http.MethodDelete, "/documents/"+itoa(a.ID)+"/tags/star", nil); status != http.StatusNotFound {
		t.Errorf("delete missing tag: status %d, want 404", status)
	}
}

func TestHandler_Users(t *testing.T) {
	env := setupTestServer(t)

	status, body := env.do(t, env.admin, http.MethodPost, "/users", map[string]any{"name": "carol"})
	if status != http.StatusCreated {
		t.Fatalf("register: status %d, body %s", status, body)
	}
	var carol userView
	json.Unmarshal(body, &carol)

	if status, _ := env.do(t, env.mod, http.MethodPut, "/users/"+itoa(carol.ID)+"/blocked", nil); status != http.StatusNoContent {
		t.Fatalf("block: status %d", status)
	}
	_, body = env.do(t, nil, http.MethodGet, "/users/"+itoa(carol.ID), nil)
	var got userView
	json.Unmarshal(body, &got)
	if !got.Blocked {
		t.Error("user not blocked")
	}

	blocked := &model.User{ID: carol.ID}
	status, _ = env.do(t, blocked, http.MethodPost, "/documents", map[string]any{"namespace": "wiki", "data": 1})
	if status != http.StatusForbidden {
		t.Errorf("create by blocked user: status %d, want 403", status)
	}
}

func TestHandler_Metrics(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, nil, http.MethodGet, "/documents", nil)

	status, body := env.do(t, nil, http.MethodGet, "/metrics", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if !strings.Contains(string(body), "camp_http_requests_total") {
		t.Error("request counter missing from /metrics")
	}
}

func TestHandler_MetricsLabelsByRoute(t *testing.T) {
	env := setupTestServer(t)
	doc := env.create(t, env.alice, "wiki", `{}`)
	env.do(t, nil, http.MethodGet, "/documents/"+itoa(doc.ID), nil)
	env.do(t, nil, http.MethodGet, "/no/such/path/42", nil)

	_, body := env.do(t, nil, http.MethodGet, "/metrics", nil)
	if !strings.Contains(string(body), `path="/documents/{id:[0-9]+}"`) {
		t.Error("document route not labelled by its template")
	}
	if !strings.Contains(string(body), `path="unmatched"`) {
		t.Error("unmatched request not labelled as unmatched")
	}
	if strings.Contains(string(body), "/no/such/path") {
		t.Error("raw request path leaked into metric labels")
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.KindNotFound:         http.StatusNotFound,
		errs.KindEditConflict:     http.StatusConflict,
		errs.KindForbidden:        http.StatusForbidden,
		errs.KindInvalidOperation: http.StatusUnprocessableEntity,
		errs.KindInvalidArgument:  http.StatusBadRequest,
		errs.KindInvalidState:     http.StatusInternalServerError,
		"":                        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusOf(kind); got != want {
			t.Errorf("statusOf(%q) = %d, want %d", kind, got, want)
		}
	}
}

func wsConnect(t *testing.T, env *testEnv, user *model.User) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	header := http.Header{}
	if user != nil {
		header.Set(UserHeader, itoa(user.ID))
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHandler_WebSocketWatch(t *testing.T) {
	env := setupTestServer(t)
	doc := env.create(t, env.alice, "wiki", `{"n":1}`)

	conn := wsConnect(t, env, nil)
	if err := conn.WriteJSON(ClientMessage{Type: MsgWatch, DocID: doc.ID}); err != nil {
		t.Fatal(err)
	}

	resp := readWsMsg(t, conn)
	if resp.Type != MsgDoc {
		t.Fatalf("expected doc, got %q (%s)", resp.Type, resp.Message)
	}
	if resp.Document == nil || resp.Document.VersionID != doc.VersionID {
		t.Errorf("document = %+v", resp.Document)
	}
}

func TestHandler_WebSocketEvents(t *testing.T) {
	env := setupTestServer(t)
	doc := env.create(t, env.alice, "wiki", `{"n":1}`)

	conn1 := wsConnect(t, env, nil)
	conn2 := wsConnect(t, env, env.alice)
	for _, c := range []*websocket.Conn{conn1, conn2} {
		c.WriteJSON(ClientMessage{Type: MsgWatch, DocID: doc.ID})
		if msg := readWsMsg(t, c); msg.Type != MsgDoc {
			t.Fatalf("expected doc, got %q", msg.Type)
		}
	}

	status, body := env.do(t, env.alice, http.MethodPut, "/documents/"+itoa(doc.ID), map[string]any{
		"version_id": doc.VersionID,
		"data":       json.RawMessage(`{"n":2}`),
	})
	if status != http.StatusOK {
		t.Fatalf("edit: status %d, body %s", status, body)
	}
	var edited model.DocumentView
	json.Unmarshal(body, &edited)

	for _, c := range []*websocket.Conn{conn1, conn2} {
		msg := readWsMsg(t, c)
		if msg.Type != MsgEvent || msg.Event == nil {
			t.Fatalf("expected event, got %+v", msg)
		}
		if msg.Event.Action != "edit" || msg.Event.VersionID != edited.VersionID {
			t.Errorf("event = %+v, want edit of version %d", msg.Event, edited.VersionID)
		}
	}
}

func TestHandler_WebSocketErrors(t *testing.T) {
	env := setupTestServer(t)
	conn := wsConnect(t, env, nil)

	conn.WriteJSON(ClientMessage{Type: MsgWatch, DocID: 404})
	if msg := readWsMsg(t, conn); msg.Type != MsgError {
		t.Errorf("watch unknown document: got %q, want error", msg.Type)
	}

	conn.WriteJSON(ClientMessage{Type: MsgUnwatch, DocID: 1})
	if msg := readWsMsg(t, conn); msg.Type != MsgError {
		t.Errorf("unwatch without watch: got %q, want error", msg.Type)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if msg := readWsMsg(t, conn); msg.Type != MsgError {
		t.Errorf("garbage: got %q, want error", msg.Type)
	}

	conn.WriteJSON(ClientMessage{Type: "bogus"})
	if msg := readWsMsg(t, conn); msg.Type != MsgError {
		t.Errorf("unknown type: got %q, want error", msg.Type)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
