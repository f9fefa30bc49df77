package core

import (
	"sort"
	"strings"
)

// defaultCreateExclusions are columns never asked for when deriving
// required create fields from important columns.
var defaultCreateExclusions = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"deleted_at": true,
	"is_active":  true,
}

// schedulerSynonyms is the alias group added for any table whose name
// contains "scheduler".
var schedulerSynonyms = []string{"schedule", "schedules", "scheduler", "schedulers"}

// Catalog is a read-only index over the schema manifest.
type Catalog struct {
	manifest *Manifest
}

// NewCatalog wraps a loaded manifest.
func NewCatalog(m *Manifest) *Catalog {
	if m == nil {
		m = EmptyManifest()
	}
	return &Catalog{manifest: m}
}

// Manifest exposes the underlying manifest for prompt rendering.
func (c *Catalog) Manifest() *Manifest {
	return c.manifest
}

// TableNames returns all manifest tables in lexicographic order.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.manifest.Tables))
	for name := range c.manifest.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTable reports whether the manifest declares the table.
func (c *Catalog) HasTable(table string) bool {
	_, ok := c.manifest.Tables[table]
	return ok
}

// TableMeta returns the manifest entry for a table, zero-valued when absent.
func (c *Catalog) TableMeta(table string) TableMeta {
	return c.manifest.Tables[table]
}

// ImportantColumns returns the important column names in manifest order.
func (c *Catalog) ImportantColumns(table string) []string {
	cols := c.manifest.Tables[table].ImportantColumns
	names := make([]string, 0, len(cols))
	for _, col := range cols {
		names = append(names, col.Name)
	}
	return names
}

// ImportantColumnSet returns the important columns as a membership set.
func (c *Catalog) ImportantColumnSet(table string) map[string]bool {
	set := map[string]bool{}
	for _, col := range c.manifest.Tables[table].ImportantColumns {
		set[col.Name] = true
	}
	return set
}

// ColumnDescriptions returns column descriptions keyed by column name.
func (c *Catalog) ColumnDescriptions(table string) map[string]string {
	out := map[string]string{}
	for _, col := range c.manifest.Tables[table].ImportantColumns {
		out[col.Name] = strings.TrimSpace(col.Description)
	}
	return out
}

// Aliases returns the lookup aliases for a table: the lowercased name, its
// underscore-to-space form, an implicit singular for "_details" tables, the
// scheduler synonym group where applicable, then any custom manifest
// aliases. Duplicates are removed preserving first occurrence.
func (c *Catalog) Aliases(table string) []string {
	lower := strings.ToLower(table)
	base := []string{lower, strings.ReplaceAll(lower, "_", " ")}

	if strings.HasSuffix(lower, "_details") {
		base = append(base, strings.TrimSuffix(lower, "_details"))
	}
	for _, alias := range c.manifest.Tables[table].Aliases {
		if a := strings.ToLower(strings.TrimSpace(alias)); a != "" {
			base = append(base, a)
		}
	}
	if strings.Contains(lower, "scheduler") {
		base = append(base, schedulerSynonyms...)
	}

	seen := map[string]bool{}
	out := base[:0]
	for _, a := range base {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// ResolveTableFromQuery returns the first table (in lexicographic order)
// with an alias appearing as a substring of the lowercased query, or "".
func (c *Catalog) ResolveTableFromQuery(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return ""
	}
	for _, table := range c.TableNames() {
		for _, alias := range c.Aliases(table) {
			if strings.Contains(q, alias) {
				return table
			}
		}
	}
	return ""
}

// RequiredCreateFields returns the explicit required fields for insert, or
// derives them from the important columns minus the default exclusions.
func (c *Catalog) RequiredCreateFields(table string) []string {
	meta := c.manifest.Tables[table]

	var explicit []string
	for _, f := range meta.Operations.Create.RequiredFields {
		if f = strings.TrimSpace(f); f != "" {
			explicit = append(explicit, f)
		}
	}
	if len(explicit) > 0 {
		return explicit
	}

	var derived []string
	for _, col := range meta.ImportantColumns {
		name := strings.TrimSpace(col.Name)
		if name == "" || defaultCreateExclusions[name] {
			continue
		}
		derived = append(derived, name)
	}
	return derived
}
