package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/shelfops/internal/domain"
)

func TestNew(t *testing.T) {
	h, err := New("acme-retail")
	require.NoError(t, err)
	assert.Equal(t, "acme-retail", h.ID())
	assert.False(t, h.IsZero())
	assert.Equal(t, "acme-retail", h.String())
}

func TestNewTrimsWhitespace(t *testing.T) {
	h, err := New("  acme  ")
	require.NoError(t, err)
	assert.Equal(t, "acme", h.ID())
}

func TestNewRejectsBlank(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, domain.ErrTenantUnset)

	_, err = New("   ")
	require.ErrorIs(t, err, domain.ErrTenantUnset)
}

func TestZeroHandle(t *testing.T) {
	var h Handle
	assert.True(t, h.IsZero())
	assert.Equal(t, "<unset>", h.String())
	assert.ErrorIs(t, Require(h), domain.ErrTenantUnset)
}

func TestRequirePasses(t *testing.T) {
	assert.NoError(t, Require(MustNew("acme")))
}

func TestMustNewPanics(t *testing.T) {
	assert.Panics(t, func() { MustNew("") })
}
