package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capasModule() ModuleConfig {
	return ModuleConfig{
		ID: "capas-personalizadas",
		Statuses: map[StatusID]StatusMeta{
			1: {Label: "Pendiente"},
			2: {Label: "Aprobado"},
			3: {Label: "En produccion"},
			4: {Label: "Entregado", Final: true},
		},
		Transitions: map[StatusID][]StatusID{
			1: {2, 3},
			2: {3},
			3: {4},
		},
		RoleMatrix: map[StatusID]map[StatusID][]Role{
			1: {2: {"gerente", "admin"}},
			2: {3: {"*"}},
		},
	}
}

func TestTransitionGraphRoleGating(t *testing.T) {
	g := NewTransitionGraph(capasModule())

	assert.Equal(t, []StatusID{2, 3}, g.AllowedTargets("capas-personalizadas", 1))
	assert.Equal(t, []StatusID{2}, g.AllowedTargetsForRole("capas-personalizadas", 1, "gerente"))
	assert.Empty(t, g.AllowedTargetsForRole("capas-personalizadas", 1, "vendedor"))

	assert.True(t, g.CanTransition("capas-personalizadas", 1, 2, "admin"))
	assert.False(t, g.CanTransition("capas-personalizadas", 1, 2, "vendedor"))
	// 1->3 exists in the graph but has no matrix entry.
	assert.False(t, g.CanTransition("capas-personalizadas", 1, 3, "admin"))
	assert.True(t, g.HasEdge("capas-personalizadas", 1, 3))
}

func TestTransitionGraphWildcard(t *testing.T) {
	g := NewTransitionGraph(capasModule())
	for _, role := range []Role{"vendedor", "gerente", "admin", "fabrica"} {
		assert.Truef(t, g.CanTransition("capas-personalizadas", 2, 3, role), "role %s", role)
	}
}

func TestTransitionGraphFailClosed(t *testing.T) {
	g := NewTransitionGraph(capasModule())

	assert.False(t, g.CanTransition("pedidos", 1, 2, "admin"))
	assert.Empty(t, g.AllowedTargets("pedidos", 1))
	assert.False(t, g.CanTransition("capas-personalizadas", 4, 1, "admin"))
	assert.False(t, g.CanTransition("capas-personalizadas", 1, 4, "admin"))

	var nilGraph *TransitionGraph
	assert.False(t, nilGraph.CanTransition("capas-personalizadas", 1, 2, "admin"))
	assert.Empty(t, nilGraph.AllowedTargets("capas-personalizadas", 1))
}

func TestTransitionGraphIgnoresInconsistentData(t *testing.T) {
	cfg := capasModule()
	cfg.RoleMatrix[3] = map[StatusID][]Role{1: {"*"}}
	cfg.Transitions[4] = []StatusID{9}
	cfg.RoleMatrix[4] = map[StatusID][]Role{9: {"*"}}

	g := NewTransitionGraph(cfg)
	assert.False(t, g.CanTransition("capas-personalizadas", 3, 1, "admin"))
	assert.False(t, g.CanTransition("capas-personalizadas", 4, 9, "admin"))

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidModule)
}

func TestModuleConfigValidate(t *testing.T) {
	require.NoError(t, capasModule().Validate())

	cfg := capasModule()
	cfg.RoleMatrix[1][4] = []Role{"admin"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidModule)

	assert.ErrorIs(t, ModuleConfig{}.Validate(), ErrInvalidModule)
}
