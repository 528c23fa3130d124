package service

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/auth"
	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// ProtectDocument restricts edits of a document to moderators.
func (s *Service) ProtectDocument(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("protect", time.Now(), &err)
	return s.setProtected(ctx, actor, id, true)
}

// UnprotectDocument lets every authenticated user edit a document again.
func (s *Service) UnprotectDocument(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("unprotect", time.Now(), &err)
	return s.setProtected(ctx, actor, id, false)
}

func (s *Service) setProtected(ctx context.Context, actor *model.User, id int64, protected bool) error {
	action, entry := auth.ActionUnprotect, audit.ActionUnprotect
	if protected {
		action, entry = auth.ActionProtect, audit.ActionProtect
	}
	if err := s.authz.Authorize(actor, action); err != nil {
		return err
	}

	var deps []int64
	err := s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.registry.Get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if deps, err = dependents(ctx, tx, id); err != nil {
			return err
		}
		return s.registry.SetProtected(ctx, tx, doc, protected)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deps, id)
	s.audit.Record(ctx, audit.Entry{Action: entry, ActorID: actorID(actor), DocumentID: id, Time: s.now().UTC()})
	s.notifier.Publish(Event{Action: string(entry), DocumentID: id})
	return nil
}

// lockVersion loads a version and locks its document. A version moved by a
// concurrent merge between the two reads is reported as a conflict to
// retry.
func (s *Service) lockVersion(ctx context.Context, tx store.Tx, id int64) (*model.Version, *model.Document, error) {
	v, err := s.versions.Get(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.registry.Get(ctx, tx, v.DocumentID, true)
	if err != nil {
		return nil, nil, err
	}
	v, err = s.versions.Get(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	if v.DocumentID != doc.ID {
		return nil, nil, errs.InvalidOperation("version %d moved to document %d, retry", id, v.DocumentID)
	}
	return v, doc, nil
}

// hasOtherVisible reports whether doc keeps a visible version besides v.
func hasOtherVisible(ctx context.Context, tx store.Tx, doc *model.Document, v *model.Version) (bool, error) {
	_, err := tx.LatestVisibleVersion(ctx, doc.ID, v.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// HideVersion hides a version from non-staff readers. The document moves to
// its latest remaining visible version.
func (s *Service) HideVersion(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("hide_version", time.Now(), &err)
	return s.setHidden(ctx, actor, id, true)
}

// UnhideVersion makes a hidden version visible again.
func (s *Service) UnhideVersion(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("unhide_version", time.Now(), &err)
	return s.setHidden(ctx, actor, id, false)
}

func (s *Service) setHidden(ctx context.Context, actor *model.User, id int64, hidden bool) error {
	action, entry := auth.ActionUnhideVersion, audit.ActionUnhideVersion
	if hidden {
		action, entry = auth.ActionHideVersion, audit.ActionHideVersion
	}
	if err := s.authz.Authorize(actor, action); err != nil {
		return err
	}

	var (
		deps []int64
		doc  *model.Document
	)
	err := s.store.Update(ctx, func(tx store.Tx) error {
		v, d, err := s.lockVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		doc = d
		if v.Hidden == hidden {
			if hidden {
				return errs.InvalidOperation("version %d is already hidden", id)
			}
			return errs.InvalidOperation("version %d is not hidden", id)
		}
		if hidden {
			ok, err := hasOtherVisible(ctx, tx, doc, v)
			if err != nil {
				return err
			}
			if !ok {
				return errs.InvalidOperation("version %d is the only visible version of document %d", id, doc.ID)
			}
		}
		if deps, err = dependents(ctx, tx, doc.ID); err != nil {
			return err
		}
		if err := s.versions.SetHidden(ctx, tx, id, hidden); err != nil {
			return err
		}
		var forbidden int64
		if hidden {
			forbidden = id
		}
		if err := s.registry.RecomputeLastVersion(ctx, tx, doc, forbidden); err != nil {
			return err
		}
		return s.refreshAssociations(ctx, tx, doc)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deps, doc.ID)
	s.audit.Record(ctx, audit.Entry{Action: entry, ActorID: actorID(actor), DocumentID: doc.ID, VersionID: id, Time: s.now().UTC()})
	s.notifier.Publish(Event{Action: string(entry), DocumentID: doc.ID, VersionID: *doc.LastVersionID})
	return nil
}

// DeleteVersion permanently removes a version. The last version of a
// document, and its only visible one, cannot be deleted.
func (s *Service) DeleteVersion(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("delete_version", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionDeleteVersion); err != nil {
		return err
	}

	var (
		deps []int64
		doc  *model.Document
	)
	err = s.store.Update(ctx, func(tx store.Tx) error {
		v, d, err := s.lockVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		doc = d
		// Sibling count first, so deleting the sole version reports that.
		if err := s.versions.Delete(ctx, tx, v); err != nil {
			return err
		}
		if !v.Hidden {
			ok, err := hasOtherVisible(ctx, tx, doc, v)
			if err != nil {
				return err
			}
			if !ok {
				return errs.InvalidOperation("version %d is the only visible version of document %d", id, doc.ID)
			}
		}
		if deps, err = dependents(ctx, tx, doc.ID); err != nil {
			return err
		}
		if err := s.registry.RecomputeLastVersion(ctx, tx, doc, id); err != nil {
			return err
		}
		return s.refreshAssociations(ctx, tx, doc)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deps, doc.ID)
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionDeleteVersion, ActorID: actorID(actor), DocumentID: doc.ID, VersionID: id, Time: s.now().UTC()})
	s.notifier.Publish(Event{Action: string(audit.ActionDeleteVersion), DocumentID: doc.ID, VersionID: *doc.LastVersionID})
	return nil
}

// DeleteDocument removes a document with its versions and tags.
func (s *Service) DeleteDocument(ctx context.Context, actor *model.User, id int64) (err error) {
	defer s.observe("delete_document", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionDeleteDocument); err != nil {
		return err
	}

	var deps []int64
	err = s.store.Update(ctx, func(tx store.Tx) error {
		if _, err := s.registry.Get(ctx, tx, id, true); err != nil {
			return err
		}
		var err error
		if deps, err = dependents(ctx, tx, id); err != nil {
			return err
		}
		return s.registry.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deps, id)
	s.audit.Record(ctx, audit.Entry{Action: audit.ActionDeleteDocument, ActorID: actorID(actor), DocumentID: id, Time: s.now().UTC()})
	s.notifier.Publish(Event{Action: string(audit.ActionDeleteDocument), DocumentID: id})
	return nil
}

// MergeDocuments turns source into a redirect to destination, moving its
// history and tags over.
func (s *Service) MergeDocuments(ctx context.Context, actor *model.User, sourceID, destinationID int64, comment string) (err error) {
	defer s.observe("merge", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionMerge); err != nil {
		return err
	}

	var (
		deps []int64
		dest *model.Document
	)
	err = s.store.Update(ctx, func(tx store.Tx) error {
		_, d, err := s.registry.Merge(ctx, tx, sourceID, destinationID)
		if err != nil {
			return err
		}
		dest = d
		// The merge only dropped the source's own associations, so the
		// documents embedding either side are unchanged.
		if deps, err = dependents(ctx, tx, sourceID, destinationID); err != nil {
			return err
		}
		return s.refreshAssociations(ctx, tx, dest)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, deps, sourceID, destinationID)
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionMerge,
		ActorID:    actorID(actor),
		DocumentID: sourceID,
		TargetID:   destinationID,
		Comment:    comment,
		Time:       s.now().UTC(),
	})
	s.notifier.Publish(Event{Action: string(audit.ActionMerge), DocumentID: sourceID, RedirectTo: destinationID})
	s.notifier.Publish(Event{Action: string(audit.ActionMerge), DocumentID: destinationID, VersionID: *dest.LastVersionID})
	return nil
}
