package model

import (
	"encoding/json"
	"time"
)

// Document is the mutable record identifying a logical entity. It points at
// the version currently considered canonical.
type Document struct {
	ID        int64
	Namespace string
	Protected bool
	// RedirectTo is set once the document has been merged into another one.
	RedirectTo *int64
	// LastVersionID is nil only for redirects and transiently during creation.
	LastVersionID *int64
	// AssociatedIDs are the documents the cooked form of this one references.
	AssociatedIDs []int64
	CreatedAt     time.Time
}

// IsRedirect reports whether the document only aliases another document.
func (d *Document) IsRedirect() bool {
	return d.RedirectTo != nil
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	cp := *d
	if d.RedirectTo != nil {
		v := *d.RedirectTo
		cp.RedirectTo = &v
	}
	if d.LastVersionID != nil {
		v := *d.LastVersionID
		cp.LastVersionID = &v
	}
	if d.AssociatedIDs != nil {
		cp.AssociatedIDs = append([]int64(nil), d.AssociatedIDs...)
	}
	return &cp
}

// Version is an immutable snapshot of a document's content. Only Hidden and
// DocumentID may change after creation.
type Version struct {
	ID         int64
	DocumentID int64
	AuthorID   int64
	Comment    string
	Data       json.RawMessage
	Hidden     bool
	Timestamp  time.Time
}

// Clone returns a deep copy of v.
func (v *Version) Clone() *Version {
	cp := *v
	if v.Data != nil {
		cp.Data = append(json.RawMessage(nil), v.Data...)
	}
	return &cp
}

// Tag is a per-user label attached to a document.
type Tag struct {
	UserID     int64
	DocumentID int64
	Name       string
	Value      string
	UpdatedAt  time.Time
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
