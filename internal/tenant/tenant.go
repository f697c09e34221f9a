// Package tenant provides the typed tenant handle that scopes every core operation.
//
// A Handle is deliberately opaque: repositories accept it as their first
// argument after the context and refuse to run with the zero value, so a
// missing tenant is caught at the storage boundary instead of leaking rows
// across customers.
package tenant

import (
	"fmt"
	"strings"

	"github.com/aristath/shelfops/internal/domain"
)

// Handle identifies one tenant. The zero Handle is invalid.
type Handle struct {
	id string
}

// New creates a tenant handle. The id must be non-blank.
func New(id string) (Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Handle{}, fmt.Errorf("tenant id is blank: %w", domain.ErrTenantUnset)
	}
	return Handle{id: id}, nil
}

// MustNew creates a tenant handle and panics on a blank id.
// For tests and seed code only.
func MustNew(id string) Handle {
	h, err := New(id)
	if err != nil {
		panic(err)
	}
	return h
}

// ID returns the tenant identifier.
func (h Handle) ID() string {
	return h.id
}

// IsZero reports whether the handle is the invalid zero value.
func (h Handle) IsZero() bool {
	return h.id == ""
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	if h.IsZero() {
		return "<unset>"
	}
	return h.id
}

// Require returns ErrTenantUnset for the zero handle.
// Every repository method calls this before touching storage.
func Require(h Handle) error {
	if h.IsZero() {
		return domain.ErrTenantUnset
	}
	return nil
}
