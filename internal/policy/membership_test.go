package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipResolverCurrentMembership(t *testing.T) {
	m := NewMembershipResolver(MustHierarchy(storeRoles()))
	p := Principal{ID: 1, Memberships: []Membership{
		{TenantID: 7, TenantName: "Centro", Role: "vendedor"},
		{TenantID: 9, TenantName: "Norte", Role: "gerente"},
	}}

	ms, ok := m.CurrentMembership(p, nil)
	require.True(t, ok)
	assert.Equal(t, int64(7), ms.TenantID)

	requested := int64(9)
	role, ok := m.EffectiveRole(p, &requested)
	require.True(t, ok)
	assert.Equal(t, Role("gerente"), role)

	unknown := int64(42)
	role, ok = m.EffectiveRole(p, &unknown)
	require.True(t, ok)
	assert.Equal(t, Role("vendedor"), role)

	_, ok = m.EffectiveRole(Principal{ID: 2}, nil)
	assert.False(t, ok)
}

func TestMembershipResolverHighestRole(t *testing.T) {
	m := NewMembershipResolver(MustHierarchy(storeRoles()))

	role, ok := m.HighestRole(Principal{Memberships: []Membership{
		{TenantID: 1, Role: "vendedor"},
		{TenantID: 2, Role: "cajero"},
		{TenantID: 3, Role: "gerente"},
	}})
	require.True(t, ok)
	assert.Equal(t, Role("gerente"), role)

	role, ok = m.HighestRole(Principal{IsSuperAdmin: true})
	require.True(t, ok)
	assert.Equal(t, Role("admin"), role)

	_, ok = m.HighestRole(Principal{Memberships: []Membership{{TenantID: 1, Role: "cajero"}}})
	assert.False(t, ok)
}

func TestMembershipResolverTenants(t *testing.T) {
	m := NewMembershipResolver(MustHierarchy(storeRoles()))
	p := Principal{Memberships: []Membership{{TenantID: 7, Role: "vendedor"}}}

	tenants := m.Tenants(p)
	tenants[0].Role = "admin"
	assert.Equal(t, Role("vendedor"), p.Memberships[0].Role)

	assert.True(t, m.HoldsTenant(p, 7))
	assert.False(t, m.HoldsTenant(p, 8))
	assert.True(t, m.HasGlobalRole(Principal{GlobalRoles: map[Role]bool{"fabrica": true}}, "fabrica"))
}
