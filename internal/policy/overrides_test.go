package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverrideResolve(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	catalog, err := NewCatalog(MustHierarchy(storeRoles()), map[Role][]Permission{
		"gerente": {"x", "y", "z"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	engine := NewOverrideEngine(catalog)

	tests := []struct {
		name      string
		base      PermissionSet
		overrides []PermissionOverride
		want      PermissionSet
	}{
		{
			name: "no overrides",
			base: NewPermissionSet("x"),
			want: NewPermissionSet("x"),
		},
		{
			name:      "grant adds",
			base:      NewPermissionSet("x"),
			overrides: []PermissionOverride{{Permission: "y", Kind: OverrideGrant}},
			want:      NewPermissionSet("x", "y"),
		},
		{
			name:      "deny removes",
			base:      NewPermissionSet("x", "y"),
			overrides: []PermissionOverride{{Permission: "x", Kind: OverrideDeny}},
			want:      NewPermissionSet("y"),
		},
		{
			name: "deny wins grant then deny",
			base: NewPermissionSet("x"),
			overrides: []PermissionOverride{
				{Permission: "x", Kind: OverrideGrant},
				{Permission: "x", Kind: OverrideDeny},
			},
			want: NewPermissionSet(),
		},
		{
			name: "deny wins deny then grant",
			base: NewPermissionSet("x"),
			overrides: []PermissionOverride{
				{Permission: "x", Kind: OverrideDeny},
				{Permission: "x", Kind: OverrideGrant},
			},
			want: NewPermissionSet(),
		},
		{
			name:      "expired deny is inert",
			base:      NewPermissionSet("x"),
			overrides: []PermissionOverride{{Permission: "x", Kind: OverrideDeny, ExpiresAt: &past}},
			want:      NewPermissionSet("x"),
		},
		{
			name:      "expiry at now is inert",
			base:      NewPermissionSet(),
			overrides: []PermissionOverride{{Permission: "y", Kind: OverrideGrant, ExpiresAt: &now}},
			want:      NewPermissionSet(),
		},
		{
			name:      "unexpired grant applies",
			base:      NewPermissionSet(),
			overrides: []PermissionOverride{{Permission: "z", Kind: OverrideGrant, ExpiresAt: &future}},
			want:      NewPermissionSet("z"),
		},
		{
			name: "unknown permission is inert",
			base: NewPermissionSet("x"),
			overrides: []PermissionOverride{
				{Permission: "capas.typo", Kind: OverrideGrant},
				{Permission: "capas.other", Kind: OverrideDeny},
			},
			want: NewPermissionSet("x"),
		},
		{
			name:      "unknown kind is ignored",
			base:      NewPermissionSet("x"),
			overrides: []PermissionOverride{{Permission: "x", Kind: "revoke"}},
			want:      NewPermissionSet("x"),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.base.Clone()
			got := engine.Resolve(tc.base, tc.overrides, now)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, before, tc.base, "base must not be modified")
		})
	}
}
