package store

import (
	"context"
	"errors"

	"github.com/alimasry/go-camp/model"
)

// ErrNotFound is returned by backends when a row does not exist.
var ErrNotFound = errors.New("not found")

// TagFilter restricts a listing to documents carrying a matching tag.
// Empty Value and zero UserID match any value and any user.
type TagFilter struct {
	Name   string
	Value  string
	UserID int64
}

// VersionFilter restricts ListVersions. Zero fields match everything.
type VersionFilter struct {
	DocumentID int64
	AuthorID   int64
	Tag        *TagFilter
}

// DocumentFilter restricts ListDocuments. Zero fields match everything.
type DocumentFilter struct {
	Namespace string
	Tag       *TagFilter
}

// Reader is the read side shared by stores and transactions. Reads outside a
// transaction take no row locks.
type Reader interface {
	GetDocument(ctx context.Context, id int64) (*model.Document, error)
	GetVersion(ctx context.Context, id int64) (*model.Version, error)
	// ListVersions returns the total match count and one page, newest first.
	ListVersions(ctx context.Context, f VersionFilter, offset, limit int) (int64, []*model.Version, error)
	// ListDocuments returns the total match count and one page, newest first.
	ListDocuments(ctx context.Context, f DocumentFilter, offset, limit int) (int64, []*model.Document, error)
	// ListTags lists tags matching f. A zero documentID matches any document.
	ListTags(ctx context.Context, documentID int64, f TagFilter) ([]*model.Tag, error)
	// Dependents returns the ids of documents whose associated ids contain id.
	Dependents(ctx context.Context, id int64) ([]int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

// Tx is a single transaction. All mutations made through it are committed
// together or not at all.
type Tx interface {
	Reader

	// LockDocument loads a document and holds an exclusive lock on its row
	// until the transaction ends.
	LockDocument(ctx context.Context, id int64) (*model.Document, error)
	// InsertDocument stores doc and assigns its ID.
	InsertDocument(ctx context.Context, doc *model.Document) error
	// UpdateDocument replaces the mutable fields of doc, including its
	// associations.
	UpdateDocument(ctx context.Context, doc *model.Document) error
	// DeleteDocument removes the document row and its associations only.
	DeleteDocument(ctx context.Context, id int64) error

	// InsertVersion stores v and assigns its ID from a global increasing
	// sequence.
	InsertVersion(ctx context.Context, v *model.Version) error
	SetVersionHidden(ctx context.Context, id int64, hidden bool) error
	// ReassignVersions moves every version of from to to and returns how
	// many were moved.
	ReassignVersions(ctx context.Context, from, to int64) (int64, error)
	DeleteVersion(ctx context.Context, id int64) error
	DeleteVersions(ctx context.Context, documentID int64) error
	CountVersions(ctx context.Context, documentID int64) (int64, error)
	// LatestVisibleVersion returns the most recent non-hidden version of the
	// document, skipping forbiddenID when it is non-zero.
	LatestVisibleVersion(ctx context.Context, documentID, forbiddenID int64) (*model.Version, error)

	// PutTag inserts or replaces the tag identified by user, document and name.
	PutTag(ctx context.Context, tag *model.Tag) error
	DeleteTag(ctx context.Context, userID, documentID int64, name string) error
	DeleteTags(ctx context.Context, documentID int64) error
	// ReassignTags moves tags of from to to, dropping those that would
	// duplicate a tag already on to.
	ReassignTags(ctx context.Context, from, to int64) error

	LockUser(ctx context.Context, id int64) (*model.User, error)
	InsertUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error
}

// Store abstracts document persistence.
// Implementations: MemoryStore, postgres.Store.
type Store interface {
	Reader
	// Update runs fn inside one transaction. A non-nil error from fn rolls
	// the transaction back and is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
