package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/auth"
	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/store"
)

// CreateUser stores a new user without an authorization check. It backs
// operator tooling; requests go through RegisterUser.
func (s *Service) CreateUser(ctx context.Context, name string, roles []model.Role) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.InvalidArgument("user name is required")
	}
	for _, r := range roles {
		if r == model.RoleAnonymous {
			return nil, errs.InvalidArgument("role %q cannot be granted", r)
		}
	}
	u := &model.User{Name: name, Roles: roles, CreatedAt: s.now().UTC()}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RegisterUser creates a user on behalf of actor.
func (s *Service) RegisterUser(ctx context.Context, actor *model.User, name string, roles []model.Role) (u *model.User, err error) {
	defer s.observe("register_user", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionRegisterUser); err != nil {
		return nil, err
	}
	return s.CreateUser(ctx, name, roles)
}

// EnsureAdmin creates an admin called name when the store has no users
// yet. It returns nil when users already exist.
func (s *Service) EnsureAdmin(ctx context.Context, name string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.InvalidArgument("user name is required")
	}
	var created *model.User
	err := s.store.Update(ctx, func(tx store.Tx) error {
		n, err := tx.CountUsers(ctx)
		if err != nil || n > 0 {
			return err
		}
		u := &model.User{Name: name, Roles: []model.Role{model.RoleAdmin}, CreatedAt: s.now().UTC()}
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		created = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errs.NotFound("user %d not found", id)
	}
	return u, err
}

// BlockUser forbids every mutation by a user.
func (s *Service) BlockUser(ctx context.Context, actor *model.User, userID int64) (err error) {
	defer s.observe("block", time.Now(), &err)
	return s.setBlocked(ctx, actor, userID, true)
}

// UnblockUser lifts a block.
func (s *Service) UnblockUser(ctx context.Context, actor *model.User, userID int64) (err error) {
	defer s.observe("unblock", time.Now(), &err)
	return s.setBlocked(ctx, actor, userID, false)
}

func (s *Service) setBlocked(ctx context.Context, actor *model.User, userID int64, blocked bool) error {
	action, entry := auth.ActionUnblock, audit.ActionUnblock
	if blocked {
		action, entry = auth.ActionBlock, audit.ActionBlock
	}
	if err := s.authz.Authorize(actor, action); err != nil {
		return err
	}
	if blocked && actorID(actor) == userID {
		return errs.InvalidOperation("users cannot block themselves")
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return errs.NotFound("user %d not found", userID)
		}
		if err != nil {
			return err
		}
		if u.Blocked == blocked {
			if blocked {
				return errs.InvalidOperation("user %d is already blocked", userID)
			}
			return errs.InvalidOperation("user %d is not blocked", userID)
		}
		u.Blocked = blocked
		return tx.UpdateUser(ctx, u)
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{Action: entry, ActorID: actorID(actor), TargetUserID: userID, Time: s.now().UTC()})
	return nil
}

// AddTag sets a tag of actor on a document, replacing an older value.
func (s *Service) AddTag(ctx context.Context, actor *model.User, documentID int64, name, value string) (tag *model.Tag, err error) {
	defer s.observe("add_tag", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionTag); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errs.InvalidArgument("tag name is required")
	}

	err = s.store.Update(ctx, func(tx store.Tx) error {
		doc, err := s.registry.Get(ctx, tx, documentID, true)
		if err != nil {
			return err
		}
		if doc.IsRedirect() {
			return errs.InvalidOperation("document %d is a redirect to %d", doc.ID, *doc.RedirectTo)
		}
		tag = &model.Tag{UserID: actor.ID, DocumentID: documentID, Name: name, Value: value, UpdatedAt: s.now().UTC()}
		return tx.PutTag(ctx, tag)
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// RemoveTag deletes a tag of actor.
func (s *Service) RemoveTag(ctx context.Context, actor *model.User, documentID int64, name string) (err error) {
	defer s.observe("remove_tag", time.Now(), &err)

	if err := s.authz.Authorize(actor, auth.ActionTag); err != nil {
		return err
	}
	return s.store.Update(ctx, func(tx store.Tx) error {
		err := tx.DeleteTag(ctx, actor.ID, documentID, name)
		if errors.Is(err, store.ErrNotFound) {
			return errs.NotFound("tag %q not found on document %d", name, documentID)
		}
		return err
	})
}

// ListTags lists the tags of a document. A zero documentID lists tags of
// every document.
func (s *Service) ListTags(ctx context.Context, viewer *model.User, documentID int64, f store.TagFilter) (tags []*model.Tag, err error) {
	defer s.observe("list_tags", time.Now(), &err)

	if err := s.authz.Authorize(viewer, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTags(ctx, documentID, f)
}
