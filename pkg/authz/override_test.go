package authz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeFromFields(t *testing.T) {
	roleID := int64(7)
	principalID := "user-1"
	empty := ""

	tests := []struct {
		name        string
		roleID      *int64
		principalID *string
		wantKind    ScopeKind
		wantErr     bool
	}{
		{
			name:     "role scoped",
			roleID:   &roleID,
			wantKind: ScopeRole,
		},
		{
			name:        "principal scoped",
			principalID: &principalID,
			wantKind:    ScopePrincipal,
		},
		{
			name:        "both set is invalid",
			roleID:      &roleID,
			principalID: &principalID,
			wantErr:     true,
		},
		{
			name:    "neither set is invalid",
			wantErr: true,
		},
		{
			name:        "empty principal is invalid",
			principalID: &empty,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := ScopeFromFields(tt.roleID, tt.principalID)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOverride)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, scope.Kind())
			assert.True(t, scope.Valid())
		})
	}
}

func TestOverrideScopeAccessors(t *testing.T) {
	role := RoleScope(7)
	id, ok := role.RoleID()
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)
	_, ok = role.PrincipalID()
	assert.False(t, ok)

	principal := PrincipalScope("user-1")
	pid, ok := principal.PrincipalID()
	assert.True(t, ok)
	assert.Equal(t, "user-1", pid)
	_, ok = principal.RoleID()
	assert.False(t, ok)

	var zero OverrideScope
	assert.False(t, zero.Valid())
}

func TestOverrideScopeJSON(t *testing.T) {
	t.Run("role scope round trip", func(t *testing.T) {
		data, err := json.Marshal(RoleScope(7))
		require.NoError(t, err)
		assert.JSONEq(t, `{"role_id":7}`, string(data))

		var scope OverrideScope
		require.NoError(t, json.Unmarshal(data, &scope))
		assert.Equal(t, ScopeRole, scope.Kind())
	})

	t.Run("principal scope round trip", func(t *testing.T) {
		data, err := json.Marshal(PrincipalScope("user-1"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"principal_id":"user-1"}`, string(data))

		var scope OverrideScope
		require.NoError(t, json.Unmarshal(data, &scope))
		assert.Equal(t, ScopePrincipal, scope.Kind())
	})

	t.Run("both fields rejected", func(t *testing.T) {
		var scope OverrideScope
		err := json.Unmarshal([]byte(`{"role_id":7,"principal_id":"user-1"}`), &scope)
		assert.ErrorIs(t, err, ErrInvalidOverride)
	})

	t.Run("neither field rejected", func(t *testing.T) {
		var scope OverrideScope
		err := json.Unmarshal([]byte(`{}`), &scope)
		assert.ErrorIs(t, err, ErrInvalidOverride)
	})
}

func TestOverrideAppliesTo(t *testing.T) {
	roleScoped := Override{Scope: RoleScope(3)}
	assert.True(t, roleScoped.AppliesTo("anyone", 3))
	assert.False(t, roleScoped.AppliesTo("anyone", 4))

	principalScoped := Override{Scope: PrincipalScope("user-1")}
	assert.True(t, principalScoped.AppliesTo("user-1", 3))
	assert.False(t, principalScoped.AppliesTo("user-2", 3))
}

func TestPickOverride(t *testing.T) {
	roleOverride := Override{ID: 1, Scope: RoleScope(3)}
	principalOverride := Override{ID: 2, Scope: PrincipalScope("user-1")}
	otherPrincipal := Override{ID: 3, Scope: PrincipalScope("user-2")}

	t.Run("principal scoped wins over role scoped", func(t *testing.T) {
		picked := pickOverride([]Override{roleOverride, principalOverride}, "user-1", 3)
		require.NotNil(t, picked)
		assert.Equal(t, int64(2), picked.ID)
	})

	t.Run("precedence is independent of list order", func(t *testing.T) {
		picked := pickOverride([]Override{principalOverride, roleOverride}, "user-1", 3)
		require.NotNil(t, picked)
		assert.Equal(t, int64(2), picked.ID)
	})

	t.Run("role scoped applies when no principal match", func(t *testing.T) {
		picked := pickOverride([]Override{roleOverride, otherPrincipal}, "user-1", 3)
		require.NotNil(t, picked)
		assert.Equal(t, int64(1), picked.ID)
	})

	t.Run("nothing applicable", func(t *testing.T) {
		picked := pickOverride([]Override{otherPrincipal}, "user-1", 3)
		assert.Nil(t, picked)
	})

	t.Run("empty list", func(t *testing.T) {
		assert.Nil(t, pickOverride(nil, "user-1", 3))
	})
}
