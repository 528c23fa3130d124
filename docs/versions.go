// Package docs holds the document and version rules shared by every
// operation: version storage, the last-version pointer, protection,
// merging and the optimistic concurrency check.
//
// Everything here runs against a store.Reader or store.Tx supplied by the
// caller, so several steps compose into one transaction.
package docs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// MaxLimit is the largest page size accepted by listings.
const MaxLimit = 100

// VersionStore creates and manages immutable versions.
type VersionStore struct {
	now func() time.Time
}

// NewVersionStore returns a VersionStore stamping versions with now. A nil
// now uses time.Now.
func NewVersionStore(now func() time.Time) *VersionStore {
	if now == nil {
		now = time.Now
	}
	return &VersionStore{now: now}
}

// Create inserts a new visible version. The caller repoints the document.
func (vs *VersionStore) Create(ctx context.Context, tx store.Tx, documentID, authorID int64, comment string, data json.RawMessage) (*model.Version, error) {
	v := &model.Version{
		DocumentID: documentID,
		AuthorID:   authorID,
		Comment:    comment,
		Data:       append(json.RawMessage(nil), data...),
		Timestamp:  vs.now().UTC(),
	}
	if err := tx.InsertVersion(ctx, v); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NotFound("document %d not found", documentID)
		}
		return nil, err
	}
	return v, nil
}

func (vs *VersionStore) Get(ctx context.Context, r store.Reader, id int64) (*model.Version, error) {
	v, err := r.GetVersion(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound("version %d not found", id)
	}
	return v, err
}

// List returns the total count and one page of versions, newest first.
func (vs *VersionStore) List(ctx context.Context, r store.Reader, f store.VersionFilter, offset, limit int) (int64, []*model.Version, error) {
	if err := CheckPage(offset, limit); err != nil {
		return 0, nil, err
	}
	return r.ListVersions(ctx, f, offset, limit)
}

// CheckPage validates listing bounds before any query runs.
func CheckPage(offset, limit int) error {
	if limit < 0 || limit > MaxLimit {
		return errs.InvalidArgument("limit must be between 0 and %d, got %d", MaxLimit, limit)
	}
	if offset < 0 {
		return errs.InvalidArgument("offset must not be negative, got %d", offset)
	}
	return nil
}

func (vs *VersionStore) SetHidden(ctx context.Context, tx store.Tx, id int64, hidden bool) error {
	err := tx.SetVersionHidden(ctx, id, hidden)
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound("version %d not found", id)
	}
	return err
}

// ReassignOwner moves the whole history of from onto to.
func (vs *VersionStore) ReassignOwner(ctx context.Context, tx store.Tx, from, to int64) (int64, error) {
	return tx.ReassignVersions(ctx, from, to)
}

// Delete removes v unless it is the last version of its document. The
// document row must already be locked by tx.
func (vs *VersionStore) Delete(ctx context.Context, tx store.Tx, v *model.Version) error {
	n, err := tx.CountVersions(ctx, v.DocumentID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return errs.InvalidOperation("version %d is the only version of document %d", v.ID, v.DocumentID)
	}
	err = tx.DeleteVersion(ctx, v.ID)
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound("version %d not found", v.ID)
	}
	return err
}
