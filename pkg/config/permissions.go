package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/a-essam23/livecore/pkg/auth"
)

// builtInPerms are understood by the authenticator itself.
var builtInPerms = []string{auth.PermConnect, auth.PermAPIAccess}

// Catalog is the set of permission names pipelines may require.
type Catalog struct {
	names map[string]struct{}
}

func NewCatalog(names []string) (*Catalog, error) {
	c := &Catalog{names: make(map[string]struct{}, len(builtInPerms)+len(names))}
	for _, name := range builtInPerms {
		c.names[name] = struct{}{}
	}
	for _, name := range names {
		if err := c.register(name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) register(name string) error {
	for _, b := range builtInPerms {
		if b == name {
			return fmt.Errorf("'%s' is reserved for built in permission. please choose a different name", name)
		}
	}
	if name == "" || strings.ContainsAny(name, " \t\n*") {
		return fmt.Errorf("invalid permission name '%s'", name)
	}
	if _, exists := c.names[name]; exists {
		return fmt.Errorf("permission '%s' is already registered", name)
	}
	c.names[name] = struct{}{}
	return nil
}

func (c *Catalog) Known(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns every registered permission, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
