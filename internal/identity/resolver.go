// Package identity maps a verified caller to the role and display name used
// on posts. Members pick a pseudonym once; it is copied into every row they
// write, so renaming later never touches existing posts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"peersupport/api/internal/auth"
	"peersupport/api/internal/rbac"
	"peersupport/api/internal/util"
)

const (
	DefaultAdminEmail  = "admin@gmail.com"
	MaxPseudonymLength = 40
)

var ErrInvalidPseudonym = errors.New("pseudonym must be 1-40 characters of plain text")

// PseudonymStore is implemented by session.RedisStore and session.MemoryStore.
type PseudonymStore interface {
	GetPseudonym(ctx context.Context, callerID string) (string, bool, error)
	SavePseudonym(ctx context.Context, callerID, name string) error
}

type Identity struct {
	CallerID    string    `json:"caller_id"`
	Role        rbac.Role `json:"role"`
	DisplayName string    `json:"display_name"`
}

// Complete reports whether the identity can author rows.
func (i Identity) Complete() bool {
	return i.DisplayName != ""
}

type Resolver struct {
	adminEmail string
	store      PseudonymStore
	choices    singleflight.Group
}

func NewResolver(adminEmail string, store PseudonymStore) *Resolver {
	adminEmail = strings.TrimSpace(adminEmail)
	if adminEmail == "" {
		adminEmail = DefaultAdminEmail
	}
	return &Resolver{
		adminEmail: adminEmail,
		store:      store,
	}
}

func (r *Resolver) isAdmin(caller auth.Caller) bool {
	return caller.Email != "" && strings.EqualFold(strings.TrimSpace(caller.Email), r.adminEmail)
}

// RoleOf classifies caller without any I/O.
func (r *Resolver) RoleOf(caller auth.Caller) rbac.Role {
	if r.isAdmin(caller) {
		return rbac.RoleAdmin
	}
	return rbac.RoleMember
}

// Resolve returns the caller's identity. A member without a stored pseudonym
// gets an incomplete identity.
func (r *Resolver) Resolve(ctx context.Context, caller auth.Caller) (Identity, error) {
	if r.isAdmin(caller) {
		return Identity{CallerID: caller.ID, Role: rbac.RoleAdmin, DisplayName: caller.Email}, nil
	}
	id := Identity{CallerID: caller.ID, Role: rbac.RoleMember}
	name, ok, err := r.store.GetPseudonym(ctx, caller.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve pseudonym: %w", err)
	}
	if ok {
		id.DisplayName = name
	}
	return id, nil
}

// ChoosePseudonym validates and stores name for the caller. Overlapping calls
// for the same caller share the first call's result.
func (r *Resolver) ChoosePseudonym(ctx context.Context, caller auth.Caller, name string) (Identity, error) {
	if r.isAdmin(caller) {
		return r.Resolve(ctx, caller)
	}
	clean, err := r.normalize(name)
	if err != nil {
		return Identity{}, err
	}

	v, err, _ := r.choices.Do(caller.ID, func() (any, error) {
		if err := r.store.SavePseudonym(ctx, caller.ID, clean); err != nil {
			return nil, fmt.Errorf("save pseudonym: %w", err)
		}
		return clean, nil
	})
	if err != nil {
		return Identity{}, err
	}
	return Identity{CallerID: caller.ID, Role: rbac.RoleMember, DisplayName: v.(string)}, nil
}

func (r *Resolver) normalize(name string) (string, error) {
	clean := strings.Join(strings.Fields(util.PlainText(name)), " ")
	n := utf8.RuneCountInString(clean)
	if n == 0 || n > MaxPseudonymLength {
		return "", ErrInvalidPseudonym
	}
	return clean, nil
}
