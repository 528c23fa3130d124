package service

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/alimasry/go-camp/auth"
	"github.com/alimasry/go-camp/cook"
	"github.com/alimasry/go-camp/docs"
	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// NewDocument is the first version of a document.
type NewDocument struct {
	Namespace string
	Comment   string
	Data      json.RawMessage
}

// Edit is a new version submitted against the version the author last saw.
type Edit struct {
	VersionID int64
	Comment   string
	Data      json.RawMessage
}

// CreateDocument stores a document with its first version.
func (s *Service) CreateDocument(ctx context.Context, actor *model.User, in NewDocument) (view *model.DocumentView, err error) {
	defer s.observe("create", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionCreate); err != nil {
		return nil, err
	}
	if in.Namespace == "" {
		return nil, errs.InvalidArgument("namespace is required")
	}
	if err := s.validator.Validate(in.Namespace, in.Data); err != nil {
		return nil, err
	}

	var deps []int64
	err = s.store.Update(ctx, func(tx store.Tx) error {
		doc := &model.Document{Namespace: in.Namespace, CreatedAt: s.now().UTC()}
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		// Documents may reference an id before it exists.
		deps, err = dependents(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		v, err := s.versions.Create(ctx, tx, doc.ID, actorID(actor), in.Comment, in.Data)
		if err != nil {
			return err
		}
		doc.LastVersionID = model.Int64Ptr(v.ID)
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if err := s.refreshAssociations(ctx, tx, doc); err != nil {
			return err
		}
		view = model.RenderDocument(doc, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, deps)
	s.notifier.Publish(Event{Action: "create", DocumentID: view.ID, VersionID: view.VersionID})
	return view, nil
}

// EditDocument adds a version to a document. The edit is accepted only when
// in.VersionID is the current last version; otherwise the error carries both
// the current version and the submission.
func (s *Service) EditDocument(ctx context.Context, actor *model.User, id int64, in Edit) (view *model.DocumentView, err error) {
	defer s.observe("edit", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionEdit); err != nil {
		return nil, err
	}

	var deps []int64
	err = s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.registry.Get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if doc.IsRedirect() {
			return errs.InvalidOperation("document %d is a redirect to %d", doc.ID, *doc.RedirectTo)
		}
		if doc.Protected && !s.can(actor, auth.ActionEditProtected) {
			return errs.Forbidden("document %d is protected", doc.ID)
		}

		yours := &model.DocumentView{
			ID:        doc.ID,
			Namespace: doc.Namespace,
			Protected: doc.Protected,
			VersionID: in.VersionID,
			Author:    &model.AuthorView{ID: actorID(actor)},
			Comment:   in.Comment,
			Data:      in.Data,
		}
		if err := s.registry.CheckEdit(ctx, tx, doc, in.VersionID, yours); err != nil {
			return err
		}
		if err := s.validator.Validate(doc.Namespace, in.Data); err != nil {
			return err
		}

		deps, err = dependents(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		v, err := s.versions.Create(ctx, tx, doc.ID, actorID(actor), in.Comment, in.Data)
		if err != nil {
			return err
		}
		doc.LastVersionID = model.Int64Ptr(v.ID)
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		if err := s.refreshAssociations(ctx, tx, doc); err != nil {
			return err
		}
		view = model.RenderDocument(doc, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, deps, id)
	s.notifier.Publish(Event{Action: "edit", DocumentID: id, VersionID: view.VersionID})
	return view, nil
}

// GetDocument returns the raw form of a document, from the cache when
// possible.
func (s *Service) GetDocument(ctx context.Context, viewer *model.User, id int64) (view *model.DocumentView, err error) {
	defer s.observe("get_document", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return nil, err
	}
	if view, ok := s.cache.GetDocument(ctx, id); ok {
		return view, nil
	}
	view, _, err = s.populate(ctx, id)
	return view, err
}

// GetCookedDocument returns the cooked form of a document, from the cache
// when possible.
func (s *Service) GetCookedDocument(ctx context.Context, viewer *model.User, id int64) (cooked json.RawMessage, err error) {
	defer s.observe("get_cooked_document", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return nil, err
	}
	if cooked, ok := s.cache.GetCookedDocument(ctx, id); ok {
		return cooked, nil
	}
	_, cooked, err = s.populate(ctx, id)
	return cooked, err
}

// populate renders and cooks a document from the store and caches both
// forms. When the cooked form references other documents than recorded,
// the associations are updated.
func (s *Service) populate(ctx context.Context, id int64) (*model.DocumentView, json.RawMessage, error) {
	doc, err := s.registry.Get(ctx, s.store, id, false)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.renderCurrent(ctx, s.store, doc)
	if err != nil {
		return nil, nil, err
	}
	if view.IsRedirect() {
		cooked, err := json.Marshal(view)
		if err != nil {
			return nil, nil, err
		}
		s.cache.SetDocument(ctx, id, view, cooked)
		return view, cooked, nil
	}

	res, err := cook.Run(ctx, s.cooker, view, s.cachedLoader())
	if err != nil {
		return nil, nil, err
	}
	if !slices.Equal(res.Referenced, doc.AssociatedIDs) {
		s.updateAssociations(ctx, id, view.VersionID, res.Referenced)
	}
	s.cache.SetDocument(ctx, id, view, res.Cooked)
	return view, res.Cooked, nil
}

// updateAssociations records the references found while cooking versionID,
// unless the document moved on in the meantime. Failures only cost a
// later refresh, so they are logged.
func (s *Service) updateAssociations(ctx context.Context, id, versionID int64, referenced []int64) {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.registry.Get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if doc.LastVersionID == nil || *doc.LastVersionID != versionID {
			return nil
		}
		doc.AssociatedIDs = referenced
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		s.log.Warn().Err(err).Int64("document_id", id).Msg("failed to update associations")
	}
}

// GetVersion returns one version. Hidden data is only shown to staff.
func (s *Service) GetVersion(ctx context.Context, viewer *model.User, id int64) (view *model.DocumentView, err error) {
	defer s.observe("get_version", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return nil, err
	}
	v, err := s.versions.Get(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	doc, err := s.registry.Get(ctx, s.store, v.DocumentID, false)
	if err != nil {
		return nil, err
	}
	return model.RenderVersion(doc, v, s.can(viewer, auth.ActionReadHidden)), nil
}

// ListVersions returns the total count and one page of versions, newest
// first.
func (s *Service) ListVersions(ctx context.Context, viewer *model.User, f store.VersionFilter, offset, limit int) (total int64, views []*model.DocumentView, err error) {
	defer s.observe("list_versions", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return 0, nil, err
	}
	total, versions, err := s.versions.List(ctx, s.store, f, offset, limit)
	if err != nil {
		return 0, nil, err
	}

	showHidden := s.can(viewer, auth.ActionReadHidden)
	owners := make(map[int64]*model.Document)
	views = make([]*model.DocumentView, 0, len(versions))
	for _, v := range versions {
		doc, ok := owners[v.DocumentID]
		if !ok {
			doc, err = s.registry.Get(ctx, s.store, v.DocumentID, false)
			if err != nil {
				return 0, nil, err
			}
			owners[v.DocumentID] = doc
		}
		views = append(views, model.RenderVersion(doc, v, showHidden))
	}
	return total, views, nil
}

// ListDocuments returns the total count and one page of documents, newest
// first, each at its last version.
func (s *Service) ListDocuments(ctx context.Context, viewer *model.User, f store.DocumentFilter, offset, limit int) (total int64, views []*model.DocumentView, err error) {
	defer s.observe("list_documents", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return 0, nil, err
	}
	if err := docs.CheckPage(offset, limit); err != nil {
		return 0, nil, err
	}
	total, list, err := s.store.ListDocuments(ctx, f, offset, limit)
	if err != nil {
		return 0, nil, err
	}
	views = make([]*model.DocumentView, 0, len(list))
	for _, doc := range list {
		view, err := s.renderCurrent(ctx, s.store, doc)
		if err != nil {
			return 0, nil, err
		}
		views = append(views, view)
	}
	return total, views, nil
}
