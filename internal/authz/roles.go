// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authz

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the declarative set of roles and permissions seeded into the
// credential store.
type Catalog struct {
	Permissions []CatalogPermission `yaml:"permissions"`
	Roles       []CatalogRole       `yaml:"roles"`
}

// CatalogPermission describes one permission
type CatalogPermission struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// CatalogRole describes one role and the permission names it grants
type CatalogRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog from path. An empty path selects the
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rbac catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that names are unique and that every role references
// a declared permission.
func (c *Catalog) Validate() error {
	perms := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		if p.Name == "" {
			return fmt.Errorf("%w: permission without name", ErrInvalidCatalog)
		}
		if _, dup := perms[p.Name]; dup {
			return fmt.Errorf("%w: duplicate permission %q", ErrInvalidCatalog, p.Name)
		}
		perms[p.Name] = struct{}{}
	}

	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("%w: role without name", ErrInvalidCatalog)
		}
		if _, dup := roles[r.Name]; dup {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidCatalog, r.Name)
		}
		roles[r.Name] = struct{}{}
		for _, p := range r.Permissions {
			if _, ok := perms[p]; !ok {
				return fmt.Errorf("%w: role %q references unknown permission %q", ErrInvalidCatalog, r.Name, p)
			}
		}
	}
	return nil
}
