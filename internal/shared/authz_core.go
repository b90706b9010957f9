package shared

import (
	"encoding/json"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// Store roles.
const (
	RoleFabrica  policy.Role = "fabrica"
	RoleVendedor policy.Role = "vendedor"
	RoleGerente  policy.Role = "gerente"
	RoleAdmin    policy.Role = "admin"
)

// Administration permissions.
const (
	PermOverridesView policy.Permission = "overrides.view"
	PermOverridesEdit policy.Permission = "overrides.edit"

	PermRolesView policy.Permission = "roles.view"
	PermRolesEdit policy.Permission = "roles.edit"

	PermModulesView policy.Permission = "modules.view"
	PermModulesEdit policy.Permission = "modules.edit"

	PermAuditView policy.Permission = "audit.view"
)

// Workflow permissions of the custom cases module.
const (
	PermCapasView       policy.Permission = "capas.view"
	PermCapasCreate     policy.Permission = "capas.create"
	PermCapasEdit       policy.Permission = "capas.edit"
	PermCapasDelete     policy.Permission = "capas.delete"
	PermCapasTransition policy.Permission = "capas.transition"
	PermCapasExport     policy.Permission = "capas.export"
)

// CoreScopes lists the administration permissions.
func CoreScopes() []policy.Permission {
	return []policy.Permission{
		PermOverridesView,
		PermOverridesEdit,
		PermRolesView,
		PermRolesEdit,
		PermModulesView,
		PermModulesEdit,
		PermAuditView,
	}
}

// CapasScopes lists the custom cases permissions.
func CapasScopes() []policy.Permission {
	return []policy.Permission{
		PermCapasView,
		PermCapasCreate,
		PermCapasEdit,
		PermCapasDelete,
		PermCapasTransition,
		PermCapasExport,
	}
}

// DefaultPolicyDefinition is the built-in role hierarchy and catalog used when no definition
// file is configured.
func DefaultPolicyDefinition() policy.Definition {
	groups, _ := json.Marshal([]policy.ModuleGroup{
		{Module: "admin", Label: "Administracion", Permissions: CoreScopes()},
		{Module: "capas", Label: "Capas personalizadas", Permissions: CapasScopes()},
	})
	return policy.Definition{
		Roles: []policy.RoleLevel{
			{Role: RoleFabrica, Level: 0, DisplayName: "Fabrica"},
			{Role: RoleVendedor, Level: 10, DisplayName: "Vendedor"},
			{Role: RoleGerente, Level: 20, DisplayName: "Gerente"},
			{Role: RoleAdmin, Level: 30, DisplayName: "Administrador"},
		},
		Grants: map[policy.Role][]policy.Permission{
			RoleFabrica:  {PermCapasView, PermCapasTransition},
			RoleVendedor: {PermCapasView, PermCapasCreate, PermCapasTransition},
			RoleGerente: {
				PermCapasView, PermCapasCreate, PermCapasEdit, PermCapasTransition, PermCapasExport,
				PermRolesView, PermOverridesView, PermModulesView,
			},
			RoleAdmin: append(CapasScopes(), CoreScopes()...),
		},
		Groups: groups,
	}
}
