// Package auth decides which roles may run which operation, using a casbin
// RBAC model with role inheritance (admin > moderator > authenticated >
// anonymous).
package auth

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v3"
	casbinmodel "github.com/casbin/casbin/v3/model"
	stringadapter "github.com/casbin/casbin/v3/persist/string-adapter"

	"github.com/alimasry/go-camp/errs"
	"github.com/alimasry/go-camp/model"
)

// Action names an authorized operation.
type Action string

const (
	ActionRead           Action = "read"
	ActionCreate         Action = "create"
	ActionEdit           Action = "edit"
	ActionEditProtected  Action = "edit_protected"
	ActionReadHidden     Action = "read_hidden"
	ActionTag            Action = "tag"
	ActionProtect        Action = "protect"
	ActionUnprotect      Action = "unprotect"
	ActionHideVersion    Action = "hide_version"
	ActionUnhideVersion  Action = "unhide_version"
	ActionMerge          Action = "merge"
	ActionBlock          Action = "block"
	ActionUnblock        Action = "unblock"
	ActionDeleteVersion  Action = "delete_version"
	ActionDeleteDocument Action = "delete_document"
	ActionRegisterUser   Action = "register_user"
)

//go:embed model.conf
var modelConf string

//go:embed policy.csv
var defaultPolicy string

// Option customizes an Enforcer.
type Option func(*casbin.Enforcer) error

// WithPolicy lets role run action.
func WithPolicy(role model.Role, action Action) Option {
	return func(e *casbin.Enforcer) error {
		_, err := e.AddPolicy(string(role), string(action))
		return err
	}
}

// WithParent makes role inherit every permission of parent.
func WithParent(role, parent model.Role) Option {
	return func(e *casbin.Enforcer) error {
		_, err := e.AddGroupingPolicy(string(role), string(parent))
		return err
	}
}

// Enforcer checks users against the role policy.
type Enforcer struct {
	e *casbin.Enforcer
}

// NewEnforcer loads the built-in policy and applies opts.
func NewEnforcer(opts ...Option) (*Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(modelConf)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}
	e, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(defaultPolicy))
	if err != nil {
		return nil, fmt.Errorf("load casbin policy: %w", err)
	}
	// Options only change the in-memory policy.
	e.EnableAutoSave(false)
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return &Enforcer{e: e}, nil
}

// Allowed reports whether any effective role of user may run action.
func (a *Enforcer) Allowed(user *model.User, action Action) (bool, error) {
	for _, role := range user.EffectiveRoles() {
		ok, err := a.e.Enforce(string(role), string(action))
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Authorize returns a Forbidden error unless user may run action. Blocked
// users may only read.
func (a *Enforcer) Authorize(user *model.User, action Action) error {
	if user != nil && user.Blocked && action != ActionRead {
		return errs.Forbidden("user %d is blocked", user.ID)
	}
	ok, err := a.Allowed(user, action)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Forbidden("%s is not allowed", action)
	}
	return nil
}
