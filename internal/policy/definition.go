package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Definition is the static description of the role hierarchy and permission catalog.
type Definition struct {
	Roles  []RoleLevel           `json:"roles"`
	Grants map[Role][]Permission `json:"grants"`
	Groups json.RawMessage       `json:"groups,omitempty"`
}

// LoadDefinition decodes a JSON definition.
func LoadDefinition(r io.Reader) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("policy: decode definition: %w", err)
	}
	return def, nil
}

// LoadDefinitionFile reads a JSON definition from disk.
func LoadDefinitionFile(path string) (Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("policy: open definition: %w", err)
	}
	defer f.Close()
	return LoadDefinition(f)
}

// Build validates the definition and compiles the hierarchy, catalog and permission groups.
// Any error is a configuration error and must stop startup.
func (d Definition) Build() (*Hierarchy, *Catalog, []ModuleGroup, error) {
	h, err := NewHierarchy(d.Roles)
	if err != nil {
		return nil, nil, nil, err
	}
	groups, err := DecodeModuleGroups(d.Groups)
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := NewCatalog(h, d.Grants, groups...)
	if err != nil {
		return nil, nil, nil, err
	}
	return h, c, groups, nil
}
