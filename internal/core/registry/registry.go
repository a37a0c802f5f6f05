// Package registry holds the static, per-site node registry.
//
// A Registry is immutable once built. Reloading configuration or toggling the
// enabled set produces a new Registry which is swapped in through a Holder, so
// an operation that already resolved its targets never observes a partially
// applied change.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/sdss/fliswarm/internal/core/domain"
)

// SiteNodes is the registry input for a single site.
type SiteNodes struct {
	Nodes   []domain.NodeDescriptor
	Enabled []string
}

type siteEntry struct {
	names []string
	nodes map[string]domain.NodeDescriptor
}

// Registry maps node names to descriptors for every configured site, with one
// site active.
type Registry struct {
	site  string
	sites map[string]siteEntry
}

// New builds a registry for the active site. Every site in input is validated:
// names must be non-empty and unique, and enabled names must be configured.
func New(site string, input map[string]SiteNodes) (*Registry, error) {
	reg := &Registry{
		site:  site,
		sites: make(map[string]siteEntry, len(input)),
	}

	for siteName, in := range input {
		entry := siteEntry{nodes: make(map[string]domain.NodeDescriptor, len(in.Nodes))}

		for _, node := range in.Nodes {
			if strings.TrimSpace(node.Name) == "" {
				return nil, fmt.Errorf("site %s: node with empty name", siteName)
			}
			if _, dup := entry.nodes[node.Name]; dup {
				return nil, fmt.Errorf("site %s: duplicate node %q", siteName, node.Name)
			}
			node.Enabled = false
			entry.nodes[node.Name] = node
			entry.names = append(entry.names, node.Name)
		}

		for _, name := range in.Enabled {
			node, found := entry.nodes[name]
			if !found {
				return nil, fmt.Errorf("site %s: enabled node %q is not configured", siteName, name)
			}
			node.Enabled = true
			entry.nodes[name] = node
		}

		slices.Sort(entry.names)
		reg.sites[siteName] = entry
	}

	if _, err := reg.entry(site); err != nil {
		return nil, err
	}

	return reg, nil
}

// Site returns the active site.
func (reg *Registry) Site() string {
	return reg.site
}

func (reg *Registry) entry(site string) (siteEntry, error) {
	entry, found := reg.sites[site]
	if !found || len(entry.nodes) == 0 {
		return siteEntry{}, domain.InvalidSiteError{Site: site}
	}
	return entry, nil
}

// Resolve returns every node configured for site, sorted by name.
func (reg *Registry) Resolve(site string) ([]domain.NodeDescriptor, error) {
	entry, err := reg.entry(site)
	if err != nil {
		return nil, err
	}
	return lo.Map(entry.names, func(name string, _ int) domain.NodeDescriptor {
		return entry.nodes[name]
	}), nil
}

// EnabledNodes returns the sorted names of the enabled nodes of site.
func (reg *Registry) EnabledNodes(site string) ([]string, error) {
	entry, err := reg.entry(site)
	if err != nil {
		return nil, err
	}
	return lo.Filter(entry.names, func(name string, _ int) bool {
		return entry.nodes[name].Enabled
	}), nil
}

// Nodes returns every node of the active site.
func (reg *Registry) Nodes() []domain.NodeDescriptor {
	nodes, _ := reg.Resolve(reg.site)
	return nodes
}

// Node looks up a node of the active site.
func (reg *Registry) Node(name string) (domain.NodeDescriptor, bool) {
	node, found := reg.sites[reg.site].nodes[name]
	return node, found
}

// TargetSet resolves requested node names against the active site.
//
// With no names it returns the enabled set. Explicit disabled or unknown names
// are only accepted with force; otherwise an UnknownOrDisabledNodeError lists
// all of them. A forced unknown name resolves to a bare descriptor carrying
// only the name, so it is still dispatched and reported per node.
func (reg *Registry) TargetSet(names []string, force bool) ([]domain.NodeDescriptor, error) {
	return reg.TargetSetFor(names, "", force)
}

// TargetSetFor is TargetSet extended with a category filter: the result is the
// union of the named nodes and the nodes of that category. Category members
// that are disabled are skipped unless force is set.
func (reg *Registry) TargetSetFor(names []string, category string, force bool) ([]domain.NodeDescriptor, error) {
	entry, err := reg.entry(reg.site)
	if err != nil {
		return nil, err
	}

	names = NormalizeNames(names)
	if len(names) == 0 && category == "" {
		enabled, _ := reg.EnabledNodes(reg.site)
		return lo.Map(enabled, func(name string, _ int) domain.NodeDescriptor {
			return entry.nodes[name]
		}), nil
	}

	selected := map[string]domain.NodeDescriptor{}
	offending := []string{}

	for _, name := range names {
		node, known := entry.nodes[name]
		switch {
		case known && (node.Enabled || force):
			selected[name] = node
		case !known && force:
			selected[name] = domain.NodeDescriptor{Name: name}
		default:
			offending = append(offending, name)
		}
	}

	if category != "" {
		for _, name := range entry.names {
			node := entry.nodes[name]
			if node.Category == category && (node.Enabled || force) {
				selected[name] = node
			}
		}
	}

	if len(offending) > 0 {
		slices.Sort(offending)
		return nil, domain.UnknownOrDisabledNodeError{Names: offending}
	}

	keys := lo.Keys(selected)
	slices.Sort(keys)
	return lo.Map(keys, func(name string, _ int) domain.NodeDescriptor {
		return selected[name]
	}), nil
}

// WithEnabled returns a copy of the registry in which the named nodes of the
// active site are enabled or disabled. The receiver is left untouched.
func (reg *Registry) WithEnabled(names []string, enabled bool) (*Registry, error) {
	entry, err := reg.entry(reg.site)
	if err != nil {
		return nil, err
	}

	names = NormalizeNames(names)
	if len(names) == 0 {
		return nil, errors.New("no node names given")
	}

	unknown := lo.Filter(names, func(name string, _ int) bool {
		_, found := entry.nodes[name]
		return !found
	})
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, domain.UnknownOrDisabledNodeError{Names: unknown}
	}

	next := &Registry{
		site:  reg.site,
		sites: make(map[string]siteEntry, len(reg.sites)),
	}
	for siteName, e := range reg.sites {
		next.sites[siteName] = e
	}

	updated := siteEntry{
		names: slices.Clone(entry.names),
		nodes: make(map[string]domain.NodeDescriptor, len(entry.nodes)),
	}
	for name, node := range entry.nodes {
		if slices.Contains(names, name) {
			node.Enabled = enabled
		}
		updated.nodes[name] = node
	}
	next.sites[reg.site] = updated

	return next, nil
}

// NormalizeNames splits comma-separated entries, trims blanks and removes
// duplicates, keeping first-seen order.
func NormalizeNames(names []string) []string {
	out := []string{}
	for _, raw := range names {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return lo.Uniq(out)
}
