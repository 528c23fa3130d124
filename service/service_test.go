package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/cache"
	"github.com/alimasry/go-camp/cook"
	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/schema"
	"github.com/alimasry/go-camp/store"
)

// mapBackend is a deterministic in-memory cache backend.
type mapBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *mapBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *mapBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *mapBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data, k)
	}
	return nil
}

func (b *mapBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[string][]byte)
	return nil
}

func (b *mapBackend) Close() error { return nil }

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingAudit) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(e Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	cache  *cache.MemoryCache
	audit  *recordingAudit
	events *recordingNotifier

	admin, mod, alice, bob *model.User
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		audit:  &recordingAudit{},
		events: &recordingNotifier{},
	}
	h.cache = cache.New(&mapBackend{data: make(map[string][]byte)}, cache.Options{Logger: zerolog.Nop()})
	o := Options{
		Cache:    h.cache,
		Cooker:   cook.EmbedAssociations,
		Audit:    h.audit,
		Notifier: h.events,
		Logger:   zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	svc, err := New(h.store, o)
	require.NoError(t, err)
	h.svc = svc

	ctx := context.Background()
	h.admin = h.user(t, ctx, "admin", model.RoleAdmin)
	h.mod = h.user(t, ctx, "mod", model.RoleModerator)
	h.alice = h.user(t, ctx, "alice")
	h.bob = h.user(t, ctx, "bob")
	return h
}

func (h *harness) user(t *testing.T, ctx context.Context, name string, roles ...model.Role) *model.User {
	t.Helper()
	u, err := h.svc.CreateUser(ctx, name, roles)
	require.NoError(t, err)
	return u
}

func (h *harness) create(t *testing.T, data string) *model.DocumentView {
	t.Helper()
	view, err := h.svc.CreateDocument(context.Background(), h.alice, NewDocument{
		Namespace: "wiki",
		Comment:   "creation",
		Data:      json.RawMessage(data),
	})
	require.NoError(t, err)
	return view
}

func (h *harness) edit(t *testing.T, id, versionID int64, data string) *model.DocumentView {
	t.Helper()
	view, err := h.svc.EditDocument(context.Background(), h.alice, id, Edit{VersionID: versionID, Data: json.RawMessage(data)})
	require.NoError(t, err)
	return view
}

func (h *harness) doc(t *testing.T, id int64) *model.Document {
	t.Helper()
	doc, err := h.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (h *harness) versionCount(t *testing.T, id int64) int64 {
	t.Helper()
	n, _, err := h.store.ListVersions(context.Background(), store.VersionFilter{DocumentID: id}, 0, 0)
	require.NoError(t, err)
	return n
}

func (h *harness) cached(id int64) bool {
	ctx := context.Background()
	_, raw := h.cache.GetDocument(ctx, id)
	_, cooked := h.cache.GetCookedDocument(ctx, id)
	return raw || cooked
}

func TestEditThenStaleEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v1 := h.create(t, `{"title":"first"}`)

	_, err := h.svc.GetDocument(ctx, h.alice, v1.ID)
	require.NoError(t, err)
	require.True(t, h.cached(v1.ID))

	v2 := h.edit(t, v1.ID, v1.VersionID, `{"title":"second"}`)
	assert.Greater(t, v2.VersionID, v1.VersionID)
	assert.Equal(t, v2.VersionID, *h.doc(t, v1.ID).LastVersionID)
	assert.False(t, h.cached(v1.ID), "edit must clear the cache")

	_, err = h.svc.EditDocument(ctx, h.bob, v1.ID, Edit{VersionID: v1.VersionID, Data: json.RawMessage(`{"title":"stale"}`)})
	require.True(t, errs.Is(err, errs.KindEditConflict), "err = %v", err)
	c, ok := errs.ConflictOf(err)
	require.True(t, ok)
	assert.Equal(t, v2.VersionID, c.Last.VersionID)
	assert.JSONEq(t, `{"title":"second"}`, string(c.Last.Data))
	assert.Equal(t, v1.VersionID, c.Yours.VersionID)
	assert.JSONEq(t, `{"title":"stale"}`, string(c.Yours.Data))

	assert.Equal(t, int64(2), h.versionCount(t, v1.ID))
	assert.Equal(t, v2.VersionID, *h.doc(t, v1.ID).LastVersionID)
}

func TestConflictIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v1 := h.create(t, `{}`)
	h.edit(t, v1.ID, v1.VersionID, `{"a":1}`)

	_, err := h.svc.GetDocument(ctx, h.alice, v1.ID)
	require.NoError(t, err)
	before := len(h.events.events)

	_, err = h.svc.EditDocument(ctx, h.alice, v1.ID, Edit{VersionID: v1.VersionID, Data: json.RawMessage(`{}`)})
	require.True(t, errs.Is(err, errs.KindEditConflict))
	assert.True(t, h.cached(v1.ID), "a rejected edit leaves the cache alone")
	assert.Len(t, h.events.events, before)
}

func TestEdit_Permissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v := h.create(t, `{}`)

	_, err := h.svc.EditDocument(ctx, model.Anonymous(), v.ID, Edit{VersionID: v.VersionID, Data: json.RawMessage(`{}`)})
	assert.True(t, errs.Is(err, errs.KindForbidden))

	require.NoError(t, h.svc.ProtectDocument(ctx, h.mod, v.ID))
	_, err = h.svc.EditDocument(ctx, h.alice, v.ID, Edit{VersionID: v.VersionID, Data: json.RawMessage(`{}`)})
	assert.True(t, errs.Is(err, errs.KindForbidden))
	_, err = h.svc.EditDocument(ctx, h.mod, v.ID, Edit{VersionID: v.VersionID, Data: json.RawMessage(`{}`)})
	assert.NoError(t, err)

	require.NoError(t, h.svc.BlockUser(ctx, h.mod, h.bob.ID))
	bob, err := h.svc.GetUser(ctx, h.bob.ID)
	require.NoError(t, err)
	_, err = h.svc.CreateDocument(ctx, bob, NewDocument{Namespace: "wiki", Data: json.RawMessage(`{}`)})
	assert.True(t, errs.Is(err, errs.KindForbidden))
}

func TestEdit_UnknownDocument(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.EditDocument(context.Background(), h.alice, 404, Edit{VersionID: 1, Data: json.RawMessage(`{}`)})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestEdit_SchemaValidationPropagated(t *testing.T) {
	v, err := schema.NewValidator(map[string]string{"wiki": `{"type":"object","required":["title"]}`})
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) { o.Validator = v })
	ctx := context.Background()

	doc := h.create(t, `{"title":"ok"}`)
	_, err = h.svc.EditDocument(ctx, h.alice, doc.ID, Edit{VersionID: doc.VersionID, Data: json.RawMessage(`{}`)})
	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr), "err = %v", err)
	assert.Equal(t, int64(1), h.versionCount(t, doc.ID))

	_, err = h.svc.CreateDocument(ctx, h.alice, NewDocument{Namespace: "wiki", Data: json.RawMessage(`{"title":`)})
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
}

func TestRead_CachesRawAndCooked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, `{"title":"a"}`)
	b := h.create(t, `{"title":"b","associations":[`+itoa(a.ID)+`]}`)

	assert.Equal(t, []int64{a.ID}, h.doc(t, b.ID).AssociatedIDs, "associations are computed on create")

	raw, err := h.svc.GetDocument(ctx, model.Anonymous(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.VersionID, raw.VersionID)

	cooked, err := h.svc.GetCookedDocument(ctx, model.Anonymous(), b.ID)
	require.NoError(t, err)
	assert.Contains(t, string(cooked), `"title":"a"`)

	cached, ok := h.cache.GetCookedDocument(ctx, b.ID)
	require.True(t, ok)
	assert.JSONEq(t, string(cooked), string(cached))
}

func TestEdit_InvalidatesDependents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, `{"title":"a"}`)
	b := h.create(t, `{"associations":[`+itoa(a.ID)+`]}`)
	c := h.create(t, `{"title":"unrelated"}`)

	for _, id := range []int64{a.ID, b.ID, c.ID} {
		_, err := h.svc.GetCookedDocument(ctx, h.alice, id)
		require.NoError(t, err)
	}

	h.edit(t, a.ID, a.VersionID, `{"title":"a2"}`)

	assert.False(t, h.cached(a.ID))
	assert.False(t, h.cached(b.ID), "documents embedding the edited one are invalidated")
	assert.True(t, h.cached(c.ID))

	cooked, err := h.svc.GetCookedDocument(ctx, h.alice, b.ID)
	require.NoError(t, err)
	assert.Contains(t, string(cooked), `"title":"a2"`)
}

func TestEdit_RecomputesAssociations(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, `{}`)
	b := h.create(t, `{}`)
	c := h.create(t, `{"associations":[`+itoa(a.ID)+`]}`)

	h.edit(t, c.ID, c.VersionID, `{"associations":[`+itoa(b.ID)+`]}`)
	assert.Equal(t, []int64{b.ID}, h.doc(t, c.ID).AssociatedIDs)

	deps, err := h.store.Dependents(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestCreate_InvalidatesEarlierReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed := h.create(t, `{}`)
	next := seed.ID + 2
	a := h.create(t, `{"associations":[`+itoa(next)+`]}`)
	assert.Equal(t, []int64{next}, h.doc(t, a.ID).AssociatedIDs, "missing documents are still associations")

	cooked, err := h.svc.GetCookedDocument(ctx, h.alice, a.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(cooked), `"title":"late"`)

	b := h.create(t, `{"title":"late"}`)
	require.Equal(t, next, b.ID)
	assert.False(t, h.cached(a.ID))

	cooked, err = h.svc.GetCookedDocument(ctx, h.alice, a.ID)
	require.NoError(t, err)
	assert.Contains(t, string(cooked), `"title":"late"`)
}

func TestGetDocument_Redirect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, `{}`)
	b := h.create(t, `{}`)
	require.NoError(t, h.svc.MergeDocuments(ctx, h.mod, a.ID, b.ID, ""))

	view, err := h.svc.GetDocument(ctx, h.alice, a.ID)
	require.NoError(t, err)
	require.True(t, view.IsRedirect())
	assert.Equal(t, b.ID, *view.RedirectsTo)

	cooked, err := h.svc.GetCookedDocument(ctx, h.alice, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":`+itoa(a.ID)+`,"redirects_to":`+itoa(b.ID)+`}`, string(cooked))

	_, err = h.svc.EditDocument(ctx, h.mod, a.ID, Edit{VersionID: a.VersionID, Data: json.RawMessage(`{}`)})
	assert.True(t, errs.Is(err, errs.KindInvalidOperation))
}

func TestListVersionsAndDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, `{}`)
	v2 := h.edit(t, a.ID, a.VersionID, `{"n":2}`)
	h.create(t, `{}`)

	total, page, err := h.svc.ListVersions(ctx, h.alice, store.VersionFilter{DocumentID: a.ID}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 2)
	assert.Equal(t, v2.VersionID, page[0].VersionID)
	assert.Equal(t, "wiki", page[0].Namespace)

	_, _, err = h.svc.ListVersions(ctx, h.alice, store.VersionFilter{}, 0, 101)
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))

	total, docs, err := h.svc.ListDocuments(ctx, model.Anonymous(), store.DocumentFilter{Namespace: "wiki"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, docs, 1)
	assert.Greater(t, docs[0].ID, a.ID)
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
