// Package content names the kinds of artifacts a repository can provide.
package content

import (
	"fmt"
	"slices"
	"strings"
)

// Kind identifies a category of artifact derived from repository files.
type Kind string

const (
	ConfigContextSchemas Kind = "extras.configcontextschema"
	ConfigContexts       Kind = "extras.configcontext"
	LocalConfigContexts  Kind = "extras.localconfigcontext"
	ExportTemplates      Kind = "extras.exporttemplate"
	SavedQueries         Kind = "extras.graphqlquery"
	Jobs                 Kind = "extras.job"
)

// RepositoryGrouping is the log grouping for entries that concern the
// repository as a whole rather than one kind of content.
const RepositoryGrouping = "repository"

var groupings = map[Kind]string{
	ConfigContextSchemas: "config context schemas",
	ConfigContexts:       "config contexts",
	LocalConfigContexts:  "local config contexts",
	ExportTemplates:      "export templates",
	SavedQueries:         "graphql queries",
	Jobs:                 "jobs",
}

var labels = map[Kind]string{
	ConfigContextSchemas: "config context schema",
	ConfigContexts:       "config context",
	LocalConfigContexts:  "local config context",
	ExportTemplates:      "export template",
	SavedQueries:         "graphql query",
	Jobs:                 "job",
}

// All returns every known kind in a stable order.
func All() []Kind {
	return []Kind{ConfigContextSchemas, ConfigContexts, LocalConfigContexts, ExportTemplates, SavedQueries, Jobs}
}

func (k Kind) Known() bool {
	_, ok := groupings[k]
	return ok
}

// Grouping is the log grouping used for entries about this kind.
func (k Kind) Grouping() string {
	if g, ok := groupings[k]; ok {
		return g
	}
	return string(k)
}

// Label is the singular, human readable name of one artifact of this kind.
func (k Kind) Label() string {
	if l, ok := labels[k]; ok {
		return l
	}
	return string(k)
}

func (k Kind) String() string {
	return string(k)
}

// Set is a set of kinds, kept sorted and free of duplicates.
type Set []Kind

func NewSet(kinds ...Kind) Set {
	s := slices.Clone(kinds)
	slices.Sort(s)
	return slices.Compact(s)
}

// ParseSet converts identifiers into a Set, rejecting unknown kinds.
func ParseSet(ids []string) (Set, error) {
	kinds := make([]Kind, 0, len(ids))
	for _, id := range ids {
		k := Kind(id)
		if !k.Known() {
			return nil, fmt.Errorf("unknown content kind %q", id)
		}
		kinds = append(kinds, k)
	}
	return NewSet(kinds...), nil
}

func (s Set) Contains(k Kind) bool {
	_, found := slices.BinarySearch(s, k)
	return found
}

// Intersect returns the kinds present in both sets.
func (s Set) Intersect(other Set) Set {
	var out Set
	for _, k := range s {
		if other.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i := range s {
		out[i] = string(s[i])
	}
	return out
}

func (s Set) String() string {
	return strings.Join(s.Strings(), ", ")
}

// ContentTypes lists the app.model pairs export templates may target.
var ContentTypes = []string{
	"circuits.circuit",
	"circuits.provider",
	"dcim.cable",
	"dcim.device",
	"dcim.devicetype",
	"dcim.interface",
	"dcim.location",
	"dcim.platform",
	"dcim.rack",
	"extras.tag",
	"ipam.ipaddress",
	"ipam.prefix",
	"ipam.vlan",
	"ipam.vrf",
	"tenancy.tenant",
	"virtualization.cluster",
	"virtualization.virtualmachine",
}

// KnownContentType reports whether app.model names a target of export templates.
func KnownContentType(app, model string) bool {
	_, found := slices.BinarySearch(ContentTypes, strings.ToLower(app)+"."+strings.ToLower(model))
	return found
}

// InventoryKinds lists the inventory record kinds that config contexts can
// be assigned to, keyed by the assignment field name used in files.
var InventoryKinds = map[string]string{
	"devices":          "device",
	"device_types":     "device_type",
	"locations":        "location",
	"platforms":        "platform",
	"regions":          "region",
	"roles":            "role",
	"tags":             "tag",
	"tenants":          "tenant",
	"virtual_machines": "virtual_machine",
}

// LocalContextKinds lists the directory names under config_contexts/ that
// hold local context overlays, mapped to their inventory record kind.
var LocalContextKinds = map[string]string{
	"devices":          "device",
	"locations":        "location",
	"virtual_machines": "virtual_machine",
}
