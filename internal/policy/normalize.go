package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeRole folds a raw role identifier into its canonical form.
func NormalizeRole(raw string) Role {
	return Role(fold(raw))
}

// NormalizePermission folds a raw permission identifier into its canonical form.
func NormalizePermission(raw string) Permission {
	return Permission(fold(raw))
}

// cases.Caser keeps state, so one is built per call.
func fold(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return cases.Fold().String(raw)
}

type groupObject struct {
	Label       string   `json:"label"`
	Permissions []string `json:"permissions"`
}

// DecodeModuleGroups normalizes a permission-group payload into module groups. Older API
// versions send a bare map of module to permission list (or to a group object); newer ones
// send an array of groups. The result is sorted by module.
func DecodeModuleGroups(raw []byte) ([]ModuleGroup, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var items []struct {
			Module      string   `json:"module"`
			Label       string   `json:"label"`
			Permissions []string `json:"permissions"`
		}
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGroups, err)
		}
		groups := make([]ModuleGroup, 0, len(items))
		for _, it := range items {
			groups = append(groups, newGroup(it.Module, it.Label, it.Permissions))
		}
		return sortGroups(groups), nil
	case '{':
		var items map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGroups, err)
		}
		groups := make([]ModuleGroup, 0, len(items))
		for module, body := range items {
			body = bytes.TrimSpace(body)
			if len(body) > 0 && body[0] == '[' {
				var perms []string
				if err := json.Unmarshal(body, &perms); err != nil {
					return nil, fmt.Errorf("%w: module %q: %w", ErrInvalidGroups, module, err)
				}
				groups = append(groups, newGroup(module, "", perms))
				continue
			}
			var obj groupObject
			if err := json.Unmarshal(body, &obj); err != nil {
				return nil, fmt.Errorf("%w: module %q: %w", ErrInvalidGroups, module, err)
			}
			groups = append(groups, newGroup(module, obj.Label, obj.Permissions))
		}
		return sortGroups(groups), nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrInvalidGroups, trimmed[0])
	}
}

func newGroup(module, label string, perms []string) ModuleGroup {
	g := ModuleGroup{Module: strings.TrimSpace(module), Label: strings.TrimSpace(label)}
	seen := make(map[Permission]struct{}, len(perms))
	for _, raw := range perms {
		p := NormalizePermission(raw)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		g.Permissions = append(g.Permissions, p)
	}
	return g
}

func sortGroups(groups []ModuleGroup) []ModuleGroup {
	sort.Slice(groups, func(i, j int) bool { return groups[i].Module < groups[j].Module })
	return groups
}
