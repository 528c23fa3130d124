package model

import (
	"encoding/json"
	"time"
)

// AuthorView identifies the author of a version.
type AuthorView struct {
	ID int64 `json:"id"`
}

// DocumentView is the serialized ("raw") representation of a document at a
// given version. Redirects only carry ID and RedirectsTo.
type DocumentView struct {
	ID          int64           `json:"id"`
	Namespace   string          `json:"namespace,omitempty"`
	Protected   bool            `json:"protected,omitempty"`
	RedirectsTo *int64          `json:"redirects_to,omitempty"`
	VersionID   int64           `json:"version_id,omitempty"`
	Author      *AuthorView     `json:"author,omitempty"`
	Comment     string          `json:"comment,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Hidden      bool            `json:"hidden,omitempty"`
}

// IsRedirect reports whether the view describes a redirect.
func (v *DocumentView) IsRedirect() bool {
	return v.RedirectsTo != nil
}

// RenderRedirect returns the view of a merged-away document.
func RenderRedirect(doc *Document) *DocumentView {
	to := *doc.RedirectTo
	return &DocumentView{ID: doc.ID, RedirectsTo: &to}
}

// RenderDocument returns the raw view of doc at version v. v must be the
// document's last version, so it is never hidden.
func RenderDocument(doc *Document, v *Version) *DocumentView {
	if doc.IsRedirect() {
		return RenderRedirect(doc)
	}
	return RenderVersion(doc, v, false)
}

// RenderVersion returns the view of a single version. doc may be nil, in which
// case the document-level fields are left empty. Hidden versions keep their
// metadata but drop their data unless showHidden is set.
func RenderVersion(doc *Document, v *Version, showHidden bool) *DocumentView {
	ts := v.Timestamp
	view := &DocumentView{
		ID:        v.DocumentID,
		VersionID: v.ID,
		Author:    &AuthorView{ID: v.AuthorID},
		Comment:   v.Comment,
		Timestamp: &ts,
		Hidden:    v.Hidden,
	}
	if doc != nil {
		view.Namespace = doc.Namespace
		view.Protected = doc.Protected
	}
	if !v.Hidden || showHidden {
		view.Data = append(json.RawMessage(nil), v.Data...)
	}
	return view
}
