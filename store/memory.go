package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alimasry/go-camp/model"
)

type tagKey struct {
	userID     int64
	documentID int64
	name       string
}

// MemoryStore is an in-memory implementation of Store.
//
// Transactions hold the store-wide write lock for their whole duration, so
// writers are fully serialized and readers never see uncommitted state.
// Rollback replays an undo log.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[int64]*model.Document
	versions map[int64]*model.Version
	tags     map[tagKey]*model.Tag
	users    map[int64]*model.User

	lastDocID     int64
	lastVersionID int64
	lastUserID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[int64]*model.Document),
		versions: make(map[int64]*model.Version),
		tags:     make(map[tagKey]*model.Tag),
		users:    make(map[int64]*model.User),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memView: memView{s: s}}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetDocument(ctx context.Context, id int64) (*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.GetDocument(ctx, id)
}

func (s *MemoryStore) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.GetVersion(ctx, id)
}

func (s *MemoryStore) ListVersions(ctx context.Context, f VersionFilter, offset, limit int) (int64, []*model.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.ListVersions(ctx, f, offset, limit)
}

func (s *MemoryStore) ListDocuments(ctx context.Context, f DocumentFilter, offset, limit int) (int64, []*model.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.ListDocuments(ctx, f, offset, limit)
}

func (s *MemoryStore) ListTags(ctx context.Context, documentID int64, f TagFilter) ([]*model.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.ListTags(ctx, documentID, f)
}

func (s *MemoryStore) Dependents(ctx context.Context, id int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.Dependents(ctx, id)
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.GetUser(ctx, id)
}

func (s *MemoryStore) CountUsers(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memView{s: s}.CountUsers(ctx)
}

// memView reads the maps without locking; the caller holds s.mu.
type memView struct {
	s *MemoryStore
}

func (v memView) GetDocument(_ context.Context, id int64) (*model.Document, error) {
	doc, ok := v.s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (v memView) GetVersion(_ context.Context, id int64) (*model.Version, error) {
	ver, ok := v.s.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ver.Clone(), nil
}

func (v memView) ListVersions(_ context.Context, f VersionFilter, offset, limit int) (int64, []*model.Version, error) {
	var matches []*model.Version
	for _, ver := range v.s.versions {
		if f.DocumentID != 0 && ver.DocumentID != f.DocumentID {
			continue
		}
		if f.AuthorID != 0 && ver.AuthorID != f.AuthorID {
			continue
		}
		if f.Tag != nil && !v.hasTag(ver.DocumentID, f.Tag) {
			continue
		}
		matches = append(matches, ver)
	}
	slices.SortFunc(matches, func(a, b *model.Version) int { return compareDesc(a.ID, b.ID) })

	page := paginate(matches, offset, limit)
	out := make([]*model.Version, len(page))
	for i, ver := range page {
		out[i] = ver.Clone()
	}
	return int64(len(matches)), out, nil
}

func (v memView) ListDocuments(_ context.Context, f DocumentFilter, offset, limit int) (int64, []*model.Document, error) {
	var matches []*model.Document
	for _, doc := range v.s.docs {
		if f.Namespace != "" && doc.Namespace != f.Namespace {
			continue
		}
		if f.Tag != nil && !v.hasTag(doc.ID, f.Tag) {
			continue
		}
		matches = append(matches, doc)
	}
	slices.SortFunc(matches, func(a, b *model.Document) int { return compareDesc(a.ID, b.ID) })

	page := paginate(matches, offset, limit)
	out := make([]*model.Document, len(page))
	for i, doc := range page {
		out[i] = doc.Clone()
	}
	return int64(len(matches)), out, nil
}

func (v memView) ListTags(_ context.Context, documentID int64, f TagFilter) ([]*model.Tag, error) {
	out := []*model.Tag{}
	for _, tag := range v.s.tags {
		if documentID != 0 && tag.DocumentID != documentID {
			continue
		}
		if !tagMatches(tag, &f) {
			continue
		}
		cp := *tag
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *model.Tag) int {
		if a.DocumentID != b.DocumentID {
			return compareDesc(b.DocumentID, a.DocumentID)
		}
		if a.UserID != b.UserID {
			return compareDesc(b.UserID, a.UserID)
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out, nil
}

func (v memView) Dependents(_ context.Context, id int64) ([]int64, error) {
	var out []int64
	for _, doc := range v.s.docs {
		if slices.Contains(doc.AssociatedIDs, id) {
			out = append(out, doc.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (v memView) GetUser(_ context.Context, id int64) (*model.User, error) {
	u, ok := v.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (v memView) CountUsers(context.Context) (int64, error) {
	return int64(len(v.s.users)), nil
}

func (v memView) hasTag(documentID int64, f *TagFilter) bool {
	for _, tag := range v.s.tags {
		if tag.DocumentID == documentID && tagMatches(tag, f) {
			return true
		}
	}
	return false
}

func tagMatches(tag *model.Tag, f *TagFilter) bool {
	if f.Name != "" && tag.Name != f.Name {
		return false
	}
	if f.Value != "" && tag.Value != f.Value {
		return false
	}
	if f.UserID != 0 && tag.UserID != f.UserID {
		return false
	}
	return true
}

func compareDesc(a, b int64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// memTx mutates the maps directly and records how to undo each change.
type memTx struct {
	memView
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) restoreDoc(id int64) {
	s := tx.s
	if prev, ok := s.docs[id]; ok {
		tx.undo = append(tx.undo, func() { s.docs[id] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.docs, id) })
	}
}

func (tx *memTx) restoreVersion(id int64) {
	s := tx.s
	if prev, ok := s.versions[id]; ok {
		tx.undo = append(tx.undo, func() { s.versions[id] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.versions, id) })
	}
}

func (tx *memTx) restoreTag(k tagKey) {
	s := tx.s
	if prev, ok := s.tags[k]; ok {
		tx.undo = append(tx.undo, func() { s.tags[k] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.tags, k) })
	}
}

func (tx *memTx) restoreUser(id int64) {
	s := tx.s
	if prev, ok := s.users[id]; ok {
		tx.undo = append(tx.undo, func() { s.users[id] = prev })
	} else {
		tx.undo = append(tx.undo, func() { delete(s.users, id) })
	}
}

// LockDocument needs no extra locking: the transaction already excludes
// every other writer.
func (tx *memTx) LockDocument(ctx context.Context, id int64) (*model.Document, error) {
	return tx.GetDocument(ctx, id)
}

func (tx *memTx) InsertDocument(_ context.Context, doc *model.Document) error {
	tx.s.lastDocID++
	doc.ID = tx.s.lastDocID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	tx.restoreDoc(doc.ID)
	tx.s.docs[doc.ID] = doc.Clone()
	return nil
}

func (tx *memTx) UpdateDocument(_ context.Context, doc *model.Document) error {
	if _, ok := tx.s.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	tx.restoreDoc(doc.ID)
	tx.s.docs[doc.ID] = doc.Clone()
	return nil
}

func (tx *memTx) DeleteDocument(_ context.Context, id int64) error {
	if _, ok := tx.s.docs[id]; !ok {
		return ErrNotFound
	}
	tx.restoreDoc(id)
	delete(tx.s.docs, id)
	return nil
}

func (tx *memTx) InsertVersion(_ context.Context, v *model.Version) error {
	if _, ok := tx.s.docs[v.DocumentID]; !ok {
		return ErrNotFound
	}
	tx.s.lastVersionID++
	v.ID = tx.s.lastVersionID
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	tx.restoreVersion(v.ID)
	tx.s.versions[v.ID] = v.Clone()
	return nil
}

func (tx *memTx) SetVersionHidden(_ context.Context, id int64, hidden bool) error {
	ver, ok := tx.s.versions[id]
	if !ok {
		return ErrNotFound
	}
	tx.restoreVersion(id)
	cp := ver.Clone()
	cp.Hidden = hidden
	tx.s.versions[id] = cp
	return nil
}

func (tx *memTx) ReassignVersions(_ context.Context, from, to int64) (int64, error) {
	var moved int64
	for id, ver := range tx.s.versions {
		if ver.DocumentID != from {
			continue
		}
		tx.restoreVersion(id)
		cp := ver.Clone()
		cp.DocumentID = to
		tx.s.versions[id] = cp
		moved++
	}
	return moved, nil
}

func (tx *memTx) DeleteVersion(_ context.Context, id int64) error {
	if _, ok := tx.s.versions[id]; !ok {
		return ErrNotFound
	}
	tx.restoreVersion(id)
	delete(tx.s.versions, id)
	return nil
}

func (tx *memTx) DeleteVersions(_ context.Context, documentID int64) error {
	for id, ver := range tx.s.versions {
		if ver.DocumentID == documentID {
			tx.restoreVersion(id)
			delete(tx.s.versions, id)
		}
	}
	return nil
}

func (tx *memTx) CountVersions(_ context.Context, documentID int64) (int64, error) {
	var n int64
	for _, ver := range tx.s.versions {
		if ver.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) LatestVisibleVersion(_ context.Context, documentID, forbiddenID int64) (*model.Version, error) {
	var latest *model.Version
	for _, ver := range tx.s.versions {
		if ver.DocumentID != documentID || ver.Hidden || ver.ID == forbiddenID {
			continue
		}
		if latest == nil || ver.ID > latest.ID {
			latest = ver
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (tx *memTx) PutTag(_ context.Context, tag *model.Tag) error {
	if _, ok := tx.s.docs[tag.DocumentID]; !ok {
		return ErrNotFound
	}
	if tag.UpdatedAt.IsZero() {
		tag.UpdatedAt = time.Now()
	}
	k := tagKey{userID: tag.UserID, documentID: tag.DocumentID, name: tag.Name}
	tx.restoreTag(k)
	cp := *tag
	tx.s.tags[k] = &cp
	return nil
}

func (tx *memTx) DeleteTag(_ context.Context, userID, documentID int64, name string) error {
	k := tagKey{userID: userID, documentID: documentID, name: name}
	if _, ok := tx.s.tags[k]; !ok {
		return ErrNotFound
	}
	tx.restoreTag(k)
	delete(tx.s.tags, k)
	return nil
}

func (tx *memTx) DeleteTags(_ context.Context, documentID int64) error {
	for k := range tx.s.tags {
		if k.documentID == documentID {
			tx.restoreTag(k)
			delete(tx.s.tags, k)
		}
	}
	return nil
}

func (tx *memTx) ReassignTags(_ context.Context, from, to int64) error {
	var keys []tagKey
	for k := range tx.s.tags {
		if k.documentID == from {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		tag := tx.s.tags[k]
		tx.restoreTag(k)
		delete(tx.s.tags, k)

		nk := tagKey{userID: k.userID, documentID: to, name: k.name}
		if _, exists := tx.s.tags[nk]; exists {
			continue
		}
		tx.restoreTag(nk)
		cp := *tag
		cp.DocumentID = to
		tx.s.tags[nk] = &cp
	}
	return nil
}

func (tx *memTx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return tx.GetUser(ctx, id)
}

func (tx *memTx) InsertUser(_ context.Context, u *model.User) error {
	tx.s.lastUserID++
	u.ID = tx.s.lastUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	tx.restoreUser(u.ID)
	tx.s.users[u.ID] = u.Clone()
	return nil
}

func (tx *memTx) UpdateUser(_ context.Context, u *model.User) error {
	if _, ok := tx.s.users[u.ID]; !ok {
		return ErrNotFound
	}
	tx.restoreUser(u.ID)
	tx.s.users[u.ID] = u.Clone()
	return nil
}
