package docs

import (
	"context"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// CheckEdit rejects an edit based on a stale version. doc must be locked by
// tx. yours describes the submission and is returned inside the conflict
// together with the current last version.
func (reg *Registry) CheckEdit(ctx context.Context, tx store.Tx, doc *model.Document, knownVersionID int64, yours *model.DocumentView) error {
	if doc.LastVersionID == nil {
		return errs.InvalidState("document %d has no last version", doc.ID)
	}
	if *doc.LastVersionID == knownVersionID {
		return nil
	}
	last, err := reg.versions.Get(ctx, tx, *doc.LastVersionID)
	if err != nil {
		return err
	}
	return errs.EditConflict(model.RenderDocument(doc, last), yours)
}
