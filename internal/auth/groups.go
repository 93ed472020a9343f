package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GroupRule maps one external group to catalog roles and, optionally, to the
// code of the organization its members belong to.
type GroupRule struct {
	Group        string   `json:"group"`
	Roles        []string `json:"roles"`
	Organization string   `json:"organization,omitempty"`
}

// GroupMapping is the deployment's group-to-role table. Group names match
// case-insensitively. A nil mapping maps nothing.
type GroupMapping struct {
	rules map[string]GroupRule
	order []string
}

type groupMappingFile struct {
	Mappings []GroupRule `json:"mappings"`
}

// NewGroupMapping validates rules against catalog and builds a mapping.
func NewGroupMapping(rules []GroupRule, catalog *Catalog) (*GroupMapping, error) {
	if catalog == nil {
		catalog = DefaultCatalog
	}
	m := &GroupMapping{rules: make(map[string]GroupRule, len(rules))}
	for i, r := range rules {
		key := strings.ToLower(strings.TrimSpace(r.Group))
		if key == "" {
			return nil, fmt.Errorf("%w: mapping %d has no group", ErrInvalidInput, i)
		}
		if _, dup := m.rules[key]; dup {
			return nil, fmt.Errorf("%w: group %q mapped twice", ErrInvalidInput, r.Group)
		}
		for _, role := range r.Roles {
			if !catalog.Known(role) {
				return nil, fmt.Errorf("%w: group %q maps to unknown role %q", ErrInvalidInput, r.Group, role)
			}
		}
		r.Group = strings.TrimSpace(r.Group)
		r.Organization = strings.TrimSpace(r.Organization)
		r.Roles = append([]string(nil), r.Roles...)
		m.rules[key] = r
		m.order = append(m.order, key)
	}
	return m, nil
}

// ParseGroupMapping decodes a {"mappings": [...]} document.
func ParseGroupMapping(data []byte, catalog *Catalog) (*GroupMapping, error) {
	var f groupMappingFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode group mappings: %w", ErrInvalidInput, err)
	}
	if f.Mappings == nil {
		return nil, errors.New("auth: group mappings document has no \"mappings\" list")
	}
	return NewGroupMapping(f.Mappings, catalog)
}

// Len returns the number of mapped groups.
func (m *GroupMapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Rules returns the configured rules in file order.
func (m *GroupMapping) Rules() []GroupRule {
	if m == nil {
		return nil
	}
	out := make([]GroupRule, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.rules[k])
	}
	return out
}

// RolesFor returns the sorted, deduplicated roles mapped from groups.
// Unmapped groups are ignored.
func (m *GroupMapping) RolesFor(groups []string) []string {
	if m == nil {
		return nil
	}
	set := NewRoleSet()
	for _, g := range groups {
		if r, ok := m.rules[strings.ToLower(strings.TrimSpace(g))]; ok {
			for _, role := range r.Roles {
				set[role] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set.Sorted()
}

// OrganizationCodes returns the organization codes signified by groups, in the
// order the groups were presented.
func (m *GroupMapping) OrganizationCodes(groups []string) []string {
	if m == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, g := range groups {
		r, ok := m.rules[strings.ToLower(strings.TrimSpace(g))]
		if !ok || r.Organization == "" || seen[r.Organization] {
			continue
		}
		seen[r.Organization] = true
		out = append(out, r.Organization)
	}
	return out
}

// GroupSync reports the role changes applied by a synchronization.
type GroupSync struct {
	Added   []string
	Removed []string
}

// Changed reports whether any assignment was inserted or deleted.
func (g GroupSync) Changed() bool { return len(g.Added) > 0 || len(g.Removed) > 0 }
