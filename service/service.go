// Package service implements the document operations: creating and editing
// documents under optimistic concurrency, cached reads, moderation, user
// blocking and tags. Every mutation runs in one store transaction; cache
// invalidation, audit entries and change events follow the commit.
package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/alimasry/go-camp/audit"
	"github.com/alimasry/go-camp/auth"
	"github.com/alimasry/go-camp/cache"
	"github.com/alimasry/go-camp/cook"
	"github.com/alimasry/go-camp/docs"
	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/metrics"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/schema"
	"github.com/alimasry/go-camp/store"
)

// Event describes a committed change to a document.
type Event struct {
	Action     string `json:"action"`
	DocumentID int64  `json:"document_id"`
	VersionID  int64  `json:"version_id,omitempty"`
	RedirectTo int64  `json:"redirect_to,omitempty"`
}

// Notifier receives change events. Publish must not block.
type Notifier interface {
	Publish(e Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

// Options carries the collaborators of a Service. Zero fields get a
// working default.
type Options struct {
	Cache     *cache.MemoryCache
	Cooker    cook.Cooker
	Validator *schema.Validator
	Authz     *auth.Enforcer
	Audit     audit.Recorder
	Notifier  Notifier
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Service struct {
	store     store.Store
	versions  *docs.VersionStore
	registry  *docs.Registry
	cache     *cache.MemoryCache
	cooker    cook.Cooker
	validator *schema.Validator
	authz     *auth.Enforcer
	audit     audit.Recorder
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
}

// New creates a Service over st.
func New(st store.Store, opts Options) (*Service, error) {
	s := &Service{
		store:     st,
		cache:     opts.Cache,
		cooker:    opts.Cooker,
		validator: opts.Validator,
		authz:     opts.Authz,
		audit:     opts.Audit,
		notifier:  opts.Notifier,
		log:       opts.Logger.With().Str("component", "service").Logger(),
		now:       opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.cache == nil {
		s.cache = cache.New(cache.NopBackend{}, cache.Options{Logger: opts.Logger})
	}
	if s.cooker == nil {
		s.cooker = cook.Passthrough
	}
	if s.validator == nil {
		v, err := schema.NewValidator(nil)
		if err != nil {
			return nil, err
		}
		s.validator = v
	}
	if s.authz == nil {
		a, err := auth.NewEnforcer()
		if err != nil {
			return nil, err
		}
		s.authz = a
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	s.versions = docs.NewVersionStore(s.now)
	s.registry = docs.NewRegistry(s.versions)
	return s, nil
}

// observe records metrics for an operation and logs broken invariants. Use
// it as `defer s.observe("edit", time.Now(), &err)`.
func (s *Service) observe(operation string, start time.Time, err *error) {
	metrics.ObserveOperation(operation, *err, start)
	if errs.Is(*err, errs.KindInvalidState) {
		s.log.Error().Err(*err).Str("operation", operation).Str("kind", string(errs.KindInvalidState)).Msg("invariant violated")
	}
}

// can reports whether u may run action. Policy lookup failures deny and
// are logged.
func (s *Service) can(u *model.User, action auth.Action) bool {
	err := s.authz.Authorize(u, action)
	if err != nil && !errs.Is(err, errs.KindForbidden) {
		s.log.Error().Err(err).Str("action", string(action)).Msg("policy check failed")
	}
	return err == nil
}

func actorID(u *model.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

// renderCurrent returns the raw view of doc at its last version.
func (s *Service) renderCurrent(ctx context.Context, r store.Reader, doc *model.Document) (*model.DocumentView, error) {
	if doc.IsRedirect() {
		return model.RenderRedirect(doc), nil
	}
	if doc.LastVersionID == nil {
		return nil, errs.InvalidState("document %d has no last version", doc.ID)
	}
	v, err := s.versions.Get(ctx, r, *doc.LastVersionID)
	if err != nil {
		return nil, err
	}
	return model.RenderDocument(doc, v), nil
}

// storeLoader resolves documents for the cooker from r only.
func (s *Service) storeLoader(r store.Reader) cook.Loader {
	return func(ctx context.Context, id int64) (*model.DocumentView, error) {
		doc, err := r.GetDocument(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s.renderCurrent(ctx, r, doc)
	}
}

// cachedLoader tries the cache before the store.
func (s *Service) cachedLoader() cook.Loader {
	fromStore := s.storeLoader(s.store)
	return func(ctx context.Context, id int64) (*model.DocumentView, error) {
		if view, ok := s.cache.GetDocument(ctx, id); ok {
			return view, nil
		}
		return fromStore(ctx, id)
	}
}

// refreshAssociations cooks the current version of a locked document and
// stores the documents it references.
func (s *Service) refreshAssociations(ctx context.Context, tx store.Tx, doc *model.Document) error {
	if doc.IsRedirect() {
		return nil
	}
	view, err := s.renderCurrent(ctx, tx, doc)
	if err != nil {
		return err
	}
	res, err := cook.Run(ctx, s.cooker, view, s.storeLoader(tx))
	if err != nil {
		return err
	}
	if slices.Equal(res.Referenced, doc.AssociatedIDs) {
		return nil
	}
	doc.AssociatedIDs = res.Referenced
	return tx.UpdateDocument(ctx, doc)
}

// dependents lists documents whose cooked form embeds any of ids. It runs
// before a mutation so the set reflects the state being replaced.
func dependents(ctx context.Context, r store.Reader, ids ...int64) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		deps, err := r.Dependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if !slices.Contains(out, d) && !slices.Contains(ids, d) {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// invalidate drops the cache entries of ids and their dependents after a
// commit. Failures are logged by the cache and retried there.
func (s *Service) invalidate(ctx context.Context, deps []int64, ids ...int64) {
	for _, id := range ids {
		s.cache.DeleteDocument(ctx, id)
	}
	s.cache.InvalidateDependents(ctx, deps)
}
