package app

import (
	"log/slog"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// LoadPolicy builds the role hierarchy and permission catalog from POLICY_FILE, or from the
// built-in definition when none is configured.
func LoadPolicy(cfg *Config, logger *slog.Logger) (*policy.Hierarchy, *policy.Catalog, error) {
	def := shared.DefaultPolicyDefinition()
	if cfg != nil && cfg.PolicyFile != "" {
		loaded, err := policy.LoadDefinitionFile(cfg.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		def = loaded
		logger.Info("policy definition loaded", slog.String("file", cfg.PolicyFile))
	}
	h, c, _, err := def.Build()
	if err != nil {
		return nil, nil, err
	}
	return h, c, nil
}
