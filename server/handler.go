// Package server exposes the document service over HTTP and streams change
// events to websocket watchers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/metrics"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/schema"
	"github.com/alimasry/go-camp/service"
	"github.com/alimasry/go-camp/store"
)

// UserHeader carries the id of the acting user. Requests without it act as
// the anonymous user.
const UserHeader = "X-User-Id"

const defaultLimit = 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ctxKey struct{}

type api struct {
	svc *service.Service
	hub *Hub
	log zerolog.Logger
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(svc *service.Service, hub *Hub, log zerolog.Logger) http.Handler {
	a := &api{svc: svc, hub: hub, log: log.With().Str("component", "http").Logger()}

	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.NotFoundHandler = metrics.Middleware(http.NotFoundHandler())
	r.MethodNotAllowedHandler = metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	routes := r.NewRoute().Subrouter()
	routes.Use(a.requestID, a.identify)

	routes.HandleFunc("/documents", a.listDocuments).Methods(http.MethodGet)
	routes.HandleFunc("/documents", a.createDocument).Methods(http.MethodPost)
	routes.HandleFunc("/documents/{id:[0-9]+}", a.getDocument).Methods(http.MethodGet)
	routes.HandleFunc("/documents/{id:[0-9]+}", a.editDocument).Methods(http.MethodPut)
	routes.HandleFunc("/documents/{id:[0-9]+}", a.deleteDocument).Methods(http.MethodDelete)
	routes.HandleFunc("/documents/{id:[0-9]+}/cooked", a.getCookedDocument).Methods(http.MethodGet)
	routes.HandleFunc("/documents/{id:[0-9]+}/protection", a.protect(true)).Methods(http.MethodPut)
	routes.HandleFunc("/documents/{id:[0-9]+}/protection", a.protect(false)).Methods(http.MethodDelete)
	routes.HandleFunc("/documents/{id:[0-9]+}/merge", a.mergeDocument).Methods(http.MethodPost)
	routes.HandleFunc("/documents/{id:[0-9]+}/versions", a.listDocumentVersions).Methods(http.MethodGet)
	routes.HandleFunc("/documents/{id:[0-9]+}/tags", a.listTags).Methods(http.MethodGet)
	routes.HandleFunc("/documents/{id:[0-9]+}/tags/{name}", a.putTag).Methods(http.MethodPut)
	routes.HandleFunc("/documents/{id:[0-9]+}/tags/{name}", a.deleteTag).Methods(http.MethodDelete)

	routes.HandleFunc("/versions", a.listVersions).Methods(http.MethodGet)
	routes.HandleFunc("/versions/{id:[0-9]+}", a.getVersion).Methods(http.MethodGet)
	routes.HandleFunc("/versions/{id:[0-9]+}", a.deleteVersion).Methods(http.MethodDelete)
	routes.HandleFunc("/versions/{id:[0-9]+}/hidden", a.hide(true)).Methods(http.MethodPut)
	routes.HandleFunc("/versions/{id:[0-9]+}/hidden", a.hide(false)).Methods(http.MethodDelete)

	routes.HandleFunc("/users", a.registerUser).Methods(http.MethodPost)
	routes.HandleFunc("/users/{id:[0-9]+}", a.getUser).Methods(http.MethodGet)
	routes.HandleFunc("/users/{id:[0-9]+}/blocked", a.block(true)).Methods(http.MethodPut)
	routes.HandleFunc("/users/{id:[0-9]+}/blocked", a.block(false)).Methods(http.MethodDelete)

	// WebSocket endpoint.
	routes.HandleFunc("/ws", a.serveWS).Methods(http.MethodGet)

	return r
}

func (a *api) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		l := a.log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

// identify resolves the acting user from UserHeader.
func (a *api) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := model.Anonymous()
		if h := r.Header.Get(UserHeader); h != "" {
			id, err := strconv.ParseInt(h, 10, 64)
			if err != nil || id <= 0 {
				respondError(w, r, http.StatusUnauthorized, "invalid "+UserHeader+" header")
				return
			}
			u, err := a.svc.GetUser(r.Context(), id)
			if errs.Is(err, errs.KindNotFound) {
				respondError(w, r, http.StatusUnauthorized, "unknown user")
				return
			}
			if err != nil {
				writeError(w, r, err)
				return
			}
			user = u
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userFrom(r *http.Request) *model.User {
	if u, ok := r.Context().Value(ctxKey{}).(*model.User); ok {
		return u
	}
	return model.Anonymous()
}

func (a *api) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade error")
		return
	}
	// The request context ends when this handler returns; the client
	// outlives it.
	client := newClient(context.WithoutCancel(r.Context()), a.hub, a.svc, conn, userFrom(r))
	go client.WritePump()
	go client.ReadPump()
}

type documentRequest struct {
	Namespace string          `json:"namespace"`
	VersionID int64           `json:"version_id"`
	Comment   string          `json:"comment"`
	Data      json.RawMessage `json:"data"`
}

type listResponse struct {
	Total int64                 `json:"total"`
	Items []*model.DocumentView `json:"items"`
}

func (a *api) createDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := a.svc.CreateDocument(r.Context(), userFrom(r), service.NewDocument{
		Namespace: req.Namespace,
		Comment:   req.Comment,
		Data:      req.Data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (a *api) getDocument(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.GetDocument(r.Context(), userFrom(r), pathID(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *api) getCookedDocument(w http.ResponseWriter, r *http.Request) {
	cooked, err := a.svc.GetCookedDocument(r.Context(), userFrom(r), pathID(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cooked)
}

func (a *api) editDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := a.svc.EditDocument(r.Context(), userFrom(r), pathID(r, "id"), service.Edit{
		VersionID: req.VersionID,
		Comment:   req.Comment,
		Data:      req.Data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *api) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteDocument(r.Context(), userFrom(r), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listDocuments(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := page(w, r)
	if !ok {
		return
	}
	tag, ok := tagFilter(w, r)
	if !ok {
		return
	}
	f := store.DocumentFilter{Namespace: r.URL.Query().Get("namespace"), Tag: tag}
	total, views, err := a.svc.ListDocuments(r.Context(), userFrom(r), f, offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Total: total, Items: views})
}

func (a *api) protect(protected bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if protected {
			err = a.svc.ProtectDocument(r.Context(), userFrom(r), pathID(r, "id"))
		} else {
			err = a.svc.UnprotectDocument(r.Context(), userFrom(r), pathID(r, "id"))
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type mergeRequest struct {
	DestinationID int64  `json:"destination_id"`
	Comment       string `json:"comment"`
}

func (a *api) mergeDocument(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.MergeDocuments(r.Context(), userFrom(r), pathID(r, "id"), req.DestinationID, req.Comment); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listDocumentVersions(w http.ResponseWriter, r *http.Request) {
	a.versions(w, r, store.VersionFilter{DocumentID: pathID(r, "id")})
}

func (a *api) listVersions(w http.ResponseWriter, r *http.Request) {
	var f store.VersionFilter
	if s := r.URL.Query().Get("author"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid author")
			return
		}
		f.AuthorID = id
	}
	tag, ok := tagFilter(w, r)
	if !ok {
		return
	}
	f.Tag = tag
	a.versions(w, r, f)
}

func (a *api) versions(w http.ResponseWriter, r *http.Request, f store.VersionFilter) {
	offset, limit, ok := page(w, r)
	if !ok {
		return
	}
	total, views, err := a.svc.ListVersions(r.Context(), userFrom(r), f, offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Total: total, Items: views})
}

func (a *api) getVersion(w http.ResponseWriter, r *http.Request) {
	view, err := a.svc.GetVersion(r.Context(), userFrom(r), pathID(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *api) deleteVersion(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteVersion(r.Context(), userFrom(r), pathID(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) hide(hidden bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if hidden {
			err = a.svc.HideVersion(r.Context(), userFrom(r), pathID(r, "id"))
		} else {
			err = a.svc.UnhideVersion(r.Context(), userFrom(r), pathID(r, "id"))
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type tagView struct {
	UserID     int64  `json:"user_id"`
	DocumentID int64  `json:"document_id"`
	Name       string `json:"name"`
	Value      string `json:"value"`
}

func renderTag(t *model.Tag) tagView {
	return tagView{UserID: t.UserID, DocumentID: t.DocumentID, Name: t.Name, Value: t.Value}
}

func (a *api) listTags(w http.ResponseWriter, r *http.Request) {
	f := store.TagFilter{Name: r.URL.Query().Get("name")}
	tags, err := a.svc.ListTags(r.Context(), userFrom(r), pathID(r, "id"), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]tagView, 0, len(tags))
	for _, t := range tags {
		out = append(out, renderTag(t))
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *api) putTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	tag, err := a.svc.AddTag(r.Context(), userFrom(r), pathID(r, "id"), mux.Vars(r)["name"], req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderTag(tag))
}

func (a *api) deleteTag(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RemoveTag(r.Context(), userFrom(r), pathID(r, "id"), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type userView struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Roles   []model.Role `json:"roles"`
	Blocked bool         `json:"blocked"`
}

func renderUser(u *model.User) userView {
	return userView{ID: u.ID, Name: u.Name, Roles: u.Roles, Blocked: u.Blocked}
}

func (a *api) registerUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string       `json:"name"`
		Roles []model.Role `json:"roles"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, err := a.svc.RegisterUser(r.Context(), userFrom(r), req.Name, req.Roles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, renderUser(u))
}

func (a *api) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.svc.GetUser(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, renderUser(u))
}

func (a *api) block(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if blocked {
			err = a.svc.BlockUser(r.Context(), userFrom(r), pathID(r, "id"))
		} else {
			err = a.svc.UnblockUser(r.Context(), userFrom(r), pathID(r, "id"))
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// pathID parses a numeric route variable. Routes constrain it to digits.
func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

func page(w http.ResponseWriter, r *http.Request) (offset, limit int, ok bool) {
	q := r.URL.Query()
	limit = defaultLimit
	var err error
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid offset")
			return 0, 0, false
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
	}
	return offset, limit, true
}

// tagFilter reads the tag, tag_value and tag_user query parameters.
func tagFilter(w http.ResponseWriter, r *http.Request) (*store.TagFilter, bool) {
	q := r.URL.Query()
	name := q.Get("tag")
	if name == "" {
		return nil, true
	}
	f := &store.TagFilter{Name: name, Value: q.Get("tag_value")}
	if s := q.Get("tag_user"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid tag_user")
			return nil, false
		}
		f.UserID = id
	}
	return f, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

type errorResponse struct {
	Kind     errs.Kind           `json:"kind,omitempty"`
	Error    string              `json:"error"`
	Last     *model.DocumentView `json:"last,omitempty"`
	Yours    *model.DocumentView `json:"yours,omitempty"`
	Problems []string            `json:"problems,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindEditConflict:
		return http.StatusConflict
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindInvalidOperation:
		return http.StatusUnprocessableEntity
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Kind:     errs.KindInvalidArgument,
			Error:    verr.Error(),
			Problems: verr.Problems,
		})
		return
	}

	kind := errs.KindOf(err)
	status := statusOf(kind)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondJSON(w, status, errorResponse{Kind: kind, Error: "internal error"})
		return
	}
	resp := errorResponse{Kind: kind, Error: err.Error()}
	if c, ok := errs.ConflictOf(err); ok {
		resp.Last, resp.Yours = c.Last, c.Yours
	}
	respondJSON(w, status, resp)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	zerolog.Ctx(r.Context()).Debug().Int("status", status).Msg(message)
	respondJSON(w, status, errorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
