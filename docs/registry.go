package docs

import (
	"context"
	"errors"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// Registry maintains document metadata and the last-version pointer.
type Registry struct {
	versions *VersionStore
}

func NewRegistry(versions *VersionStore) *Registry {
	return &Registry{versions: versions}
}

// Get loads a document. With forUpdate the row stays locked until the
// transaction ends, so r must then be a store.Tx.
func (reg *Registry) Get(ctx context.Context, r store.Reader, id int64, forUpdate bool) (*model.Document, error) {
	var (
		doc *model.Document
		err error
	)
	if forUpdate {
		tx, ok := r.(store.Tx)
		if !ok {
			return nil, errs.InvalidState("document %d locked outside a transaction", id)
		}
		doc, err = tx.LockDocument(ctx, id)
	} else {
		doc, err = r.GetDocument(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound("document %d not found", id)
	}
	return doc, err
}

// RecomputeLastVersion points doc at its most recent visible version other
// than forbiddenID and saves it. Having no such version is a broken
// invariant.
func (reg *Registry) RecomputeLastVersion(ctx context.Context, tx store.Tx, doc *model.Document, forbiddenID int64) error {
	v, err := tx.LatestVisibleVersion(ctx, doc.ID, forbiddenID)
	if errors.Is(err, store.ErrNotFound) {
		return errs.InvalidState("no visible version left for document %d", doc.ID)
	}
	if err != nil {
		return err
	}
	doc.LastVersionID = model.Int64Ptr(v.ID)
	return tx.UpdateDocument(ctx, doc)
}

// SetProtected flips the protection flag of a locked document.
func (reg *Registry) SetProtected(ctx context.Context, tx store.Tx, doc *model.Document, protected bool) error {
	if doc.IsRedirect() {
		return errs.InvalidOperation("document %d is a redirect", doc.ID)
	}
	if doc.Protected == protected {
		if protected {
			return errs.InvalidOperation("document %d is already protected", doc.ID)
		}
		return errs.InvalidOperation("document %d is not protected", doc.ID)
	}
	doc.Protected = protected
	return tx.UpdateDocument(ctx, doc)
}

// Merge turns source into a redirect to destination and moves its history
// and tags there. Both rows are locked in ascending id order so concurrent
// merges in opposite directions cannot deadlock.
func (reg *Registry) Merge(ctx context.Context, tx store.Tx, sourceID, destinationID int64) (source, destination *model.Document, err error) {
	if sourceID == destinationID {
		return nil, nil, errs.InvalidArgument("cannot merge document %d with itself", sourceID)
	}

	first, second := sourceID, destinationID
	if second < first {
		first, second = second, first
	}
	a, err := reg.Get(ctx, tx, first, true)
	if err != nil {
		return nil, nil, err
	}
	b, err := reg.Get(ctx, tx, second, true)
	if err != nil {
		return nil, nil, err
	}
	source, destination = a, b
	if a.ID != sourceID {
		source, destination = b, a
	}

	if source.IsRedirect() {
		return nil, nil, errs.InvalidOperation("document %d is already a redirect", source.ID)
	}
	if destination.IsRedirect() {
		return nil, nil, errs.InvalidOperation("document %d is a redirect", destination.ID)
	}

	if _, err := reg.versions.ReassignOwner(ctx, tx, source.ID, destination.ID); err != nil {
		return nil, nil, err
	}
	if err := tx.ReassignTags(ctx, source.ID, destination.ID); err != nil {
		return nil, nil, err
	}

	source.RedirectTo = model.Int64Ptr(destination.ID)
	source.LastVersionID = nil
	source.AssociatedIDs = nil
	if err := tx.UpdateDocument(ctx, source); err != nil {
		return nil, nil, err
	}
	if err := reg.RecomputeLastVersion(ctx, tx, destination, 0); err != nil {
		return nil, nil, err
	}
	return source, destination, nil
}

// Delete removes a locked document with its tags and versions, in that
// order.
func (reg *Registry) Delete(ctx context.Context, tx store.Tx, id int64) error {
	if err := tx.DeleteTags(ctx, id); err != nil {
		return err
	}
	if err := tx.DeleteVersions(ctx, id); err != nil {
		return err
	}
	err := tx.DeleteDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errs.NotFound("document %d not found", id)
	}
	return err
}
