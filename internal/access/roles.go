// Package access is the owner/manager role registry.
package access

import (
	"CoverLedger/internal/fault"
	"bytes"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrZeroIdentity      = fault.New(fault.KindValidation, "zero_identity", "access: zero identity")
	ErrNotOwner          = fault.New(fault.KindAuthorization, "not_owner", "access: caller is not the owner")
	ErrNotManagerRole    = fault.New(fault.KindAuthorization, "not_manager_role", "access: caller is not a manager or the owner")
	ErrAlreadyManager    = fault.New(fault.KindState, "already_manager", "access: party is already a manager")
	ErrNotManager        = fault.New(fault.KindState, "not_manager", "access: party is not a manager")
	ErrCannotRemoveOwner = fault.New(fault.KindState, "cannot_remove_owner", "access: the owner cannot be removed")
)

// Roles holds a distinguished owner and an explicit manager set. The owner is
// never stored in the set; it is a manager by construction and nothing can
// take that away.
type Roles struct {
	owner    uuid.UUID
	managers map[uuid.UUID]struct{}
}

func NewRoles(owner uuid.UUID) (*Roles, error) {
	if owner == uuid.Nil {
		return nil, ErrZeroIdentity
	}
	return &Roles{
		owner:    owner,
		managers: make(map[uuid.UUID]struct{}),
	}, nil
}

func (r *Roles) Owner() uuid.UUID {
	return r.owner
}

func (r *Roles) IsOwner(p uuid.UUID) bool {
	return p == r.owner
}

// IsManager reports whether p may perform manager operations.
func (r *Roles) IsManager(p uuid.UUID) bool {
	if p == r.owner {
		return true
	}
	_, ok := r.managers[p]
	return ok
}

// RequireOwner returns ErrNotOwner unless p is the owner.
func (r *Roles) RequireOwner(p uuid.UUID) error {
	if !r.IsOwner(p) {
		return ErrNotOwner
	}
	return nil
}

// RequireManager returns ErrNotManagerRole unless p is a manager or the owner.
func (r *Roles) RequireManager(p uuid.UUID) error {
	if !r.IsManager(p) {
		return ErrNotManagerRole
	}
	return nil
}

// Add grants the manager role. The owner already holds it.
func (r *Roles) Add(p uuid.UUID) error {
	if p == uuid.Nil {
		return ErrZeroIdentity
	}
	if r.IsManager(p) {
		return ErrAlreadyManager
	}
	r.managers[p] = struct{}{}
	return nil
}

// Remove revokes the manager role.
func (r *Roles) Remove(p uuid.UUID) error {
	if p == r.owner {
		return ErrCannotRemoveOwner
	}
	if _, ok := r.managers[p]; !ok {
		return ErrNotManager
	}
	delete(r.managers, p)
	return nil
}

// Managers returns the explicit managers (owner excluded) in byte order.
func (r *Roles) Managers() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.managers))
	for m := range r.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
