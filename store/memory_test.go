package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alimasry/go-camp/model"
)

func seedDoc(t *testing.T, s *MemoryStore, namespace string, versions int) *model.Document {
	t.Helper()
	var doc *model.Document
	err := s.Update(context.Background(), func(tx Tx) error {
		doc = &model.Document{Namespace: namespace}
		if err := tx.InsertDocument(context.Background(), doc); err != nil {
			return err
		}
		for i := 0; i < versions; i++ {
			v := &model.Version{DocumentID: doc.ID, AuthorID: 1, Data: json.RawMessage(`{}`)}
			if err := tx.InsertVersion(context.Background(), v); err != nil {
				return err
			}
			doc.LastVersionID = model.Int64Ptr(v.ID)
		}
		return tx.UpdateDocument(context.Background(), doc)
	})
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	s := NewMemoryStore()
	doc := seedDoc(t, s, "wiki", 1)

	got, err := s.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Namespace != "wiki" || got.LastVersionID == nil {
		t.Errorf("unexpected document: %+v", got)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetDocument(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetVersion(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_VersionIDsIncreaseAcrossDocuments(t *testing.T) {
	s := NewMemoryStore()
	a := seedDoc(t, s, "wiki", 2)
	b := seedDoc(t, s, "wiki", 1)

	if *b.LastVersionID <= *a.LastVersionID {
		t.Errorf("version ids not increasing: a=%d b=%d", *a.LastVersionID, *b.LastVersionID)
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	doc := seedDoc(t, s, "wiki", 1)
	boom := errors.New("boom")

	err := s.Update(context.Background(), func(tx Tx) error {
		v := &model.Version{DocumentID: doc.ID, Data: json.RawMessage(`{}`)}
		if err := tx.InsertVersion(context.Background(), v); err != nil {
			return err
		}
		d, _ := tx.LockDocument(context.Background(), doc.ID)
		d.Protected = true
		d.LastVersionID = model.Int64Ptr(v.ID)
		if err := tx.UpdateDocument(context.Background(), d); err != nil {
			return err
		}
		if err := tx.DeleteVersions(context.Background(), doc.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, _ := s.GetDocument(context.Background(), doc.ID)
	if got.Protected || *got.LastVersionID != *doc.LastVersionID {
		t.Errorf("document not rolled back: %+v", got)
	}
	total, _, _ := s.ListVersions(context.Background(), VersionFilter{DocumentID: doc.ID}, 0, 100)
	if total != 1 {
		t.Errorf("got %d versions after rollback, want 1", total)
	}
}

func TestMemoryStore_ListVersionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	doc := seedDoc(t, s, "wiki", 5)
	seedDoc(t, s, "wiki", 2)

	total, page, err := s.ListVersions(context.Background(), VersionFilter{DocumentID: doc.ID}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 || page[0].ID <= page[1].ID {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page[0].ID != *doc.LastVersionID-1 {
		t.Errorf("page starts at %d, want %d", page[0].ID, *doc.LastVersionID-1)
	}
}

func TestMemoryStore_LatestVisibleVersion(t *testing.T) {
	s := NewMemoryStore()
	doc := seedDoc(t, s, "wiki", 3)
	last := *doc.LastVersionID

	err := s.Update(context.Background(), func(tx Tx) error {
		if err := tx.SetVersionHidden(context.Background(), last-1, true); err != nil {
			return err
		}
		v, err := tx.LatestVisibleVersion(context.Background(), doc.ID, last)
		if err != nil {
			return err
		}
		if v.ID != last-2 {
			t.Errorf("latest visible = %d, want %d", v.ID, last-2)
		}
		if err := tx.SetVersionHidden(context.Background(), last-2, true); err != nil {
			return err
		}
		if _, err := tx.LatestVisibleVersion(context.Background(), doc.ID, last); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_ReassignVersionsAndTags(t *testing.T) {
	s := NewMemoryStore()
	a := seedDoc(t, s, "wiki", 2)
	b := seedDoc(t, s, "wiki", 1)
	ctx := context.Background()

	err := s.Update(ctx, func(tx Tx) error {
		tx.PutTag(ctx, &model.Tag{UserID: 1, DocumentID: a.ID, Name: "fav"})
		tx.PutTag(ctx, &model.Tag{UserID: 2, DocumentID: a.ID, Name: "fav"})
		tx.PutTag(ctx, &model.Tag{UserID: 1, DocumentID: b.ID, Name: "fav", Value: "keep"})
		moved, err := tx.ReassignVersions(ctx, a.ID, b.ID)
		if err != nil {
			return err
		}
		if moved != 2 {
			t.Errorf("moved = %d, want 2", moved)
		}
		return tx.ReassignTags(ctx, a.ID, b.ID)
	})
	if err != nil {
		t.Fatal(err)
	}

	total, _, _ := s.ListVersions(ctx, VersionFilter{DocumentID: b.ID}, 0, 100)
	if total != 3 {
		t.Errorf("b has %d versions, want 3", total)
	}
	tags, _ := s.ListTags(ctx, b.ID, TagFilter{})
	if len(tags) != 2 {
		t.Fatalf("b has %d tags, want 2", len(tags))
	}
	for _, tag := range tags {
		if tag.UserID == 1 && tag.Value != "keep" {
			t.Errorf("duplicate tag overwrote destination: %+v", tag)
		}
	}
	if left, _ := s.ListTags(ctx, a.ID, TagFilter{}); len(left) != 0 {
		t.Errorf("a still has %d tags", len(left))
	}
}

func TestMemoryStore_TagFilters(t *testing.T) {
	s := NewMemoryStore()
	a := seedDoc(t, s, "wiki", 1)
	b := seedDoc(t, s, "route", 1)
	ctx := context.Background()

	s.Update(ctx, func(tx Tx) error {
		return tx.PutTag(ctx, &model.Tag{UserID: 7, DocumentID: b.ID, Name: "todo", Value: "yes"})
	})

	total, docs, _ := s.ListDocuments(ctx, DocumentFilter{Tag: &TagFilter{Name: "todo"}}, 0, 10)
	if total != 1 || docs[0].ID != b.ID {
		t.Errorf("tag filter returned %d docs", total)
	}
	total, _, _ = s.ListDocuments(ctx, DocumentFilter{Namespace: "wiki"}, 0, 10)
	if total != 1 {
		t.Errorf("namespace filter returned %d docs", total)
	}
	total, _, _ = s.ListVersions(ctx, VersionFilter{Tag: &TagFilter{Name: "todo", UserID: 8}}, 0, 10)
	if total != 0 {
		t.Errorf("user-scoped tag filter returned %d versions", total)
	}
	_ = a
}

func TestMemoryStore_Dependents(t *testing.T) {
	s := NewMemoryStore()
	a := seedDoc(t, s, "wiki", 1)
	b := seedDoc(t, s, "wiki", 1)
	c := seedDoc(t, s, "wiki", 1)
	ctx := context.Background()

	s.Update(ctx, func(tx Tx) error {
		b.AssociatedIDs = []int64{a.ID}
		c.AssociatedIDs = []int64{a.ID, b.ID}
		tx.UpdateDocument(ctx, b)
		return tx.UpdateDocument(ctx, c)
	})

	deps, _ := s.Dependents(ctx, a.ID)
	if len(deps) != 2 || deps[0] != b.ID || deps[1] != c.ID {
		t.Errorf("dependents of a = %v", deps)
	}
}

func TestMemoryStore_Users(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	u := &model.User{Name: "alice", Roles: []model.Role{model.RoleModerator}}

	if err := s.Update(ctx, func(tx Tx) error { return tx.InsertUser(ctx, u) }); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alice" || !got.IsModerator() {
		t.Errorf("unexpected user: %+v", got)
	}
}

func TestMemoryStore_InsertVersionUnknownDocument(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.InsertVersion(context.Background(), &model.Version{DocumentID: 42, Data: json.RawMessage(`{}`)})
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
