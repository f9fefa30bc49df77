package core

import (
	"strings"

	"github.com/xwb1989/sqlparser"
	"go.uber.org/zap"
)

// Validator performs static safety validation of generated SQL before it
// reaches the database. SELECT, INSERT and UPDATE are permitted; DDL and
// DELETE are refused anywhere in the tree. A validation failure is final,
// never retried.
type Validator struct {
	allowedTables map[string]bool
	log           *zap.SugaredLogger
}

// NewValidator builds a validator. allowedTables, when non-empty, restricts
// every referenced table to the list.
func NewValidator(allowedTables []string, log *zap.SugaredLogger) *Validator {
	var allowed map[string]bool
	if len(allowedTables) > 0 {
		allowed = map[string]bool{}
		for _, t := range allowedTables {
			allowed[strings.ToLower(t)] = true
		}
	}
	return &Validator{allowedTables: allowed, log: log}
}

// tableRef is one referenced table with its effective alias.
type tableRef struct {
	name  string
	alias string
}

// parse parses a single statement, tolerating a trailing semicolon.
func parse(sql string) (sqlparser.Statement, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	return sqlparser.Parse(trimmed)
}

// collectTables walks the full tree and returns every referenced table.
func collectTables(stmt sqlparser.Statement) []tableRef {
	var refs []tableRef

	if ins, ok := stmt.(*sqlparser.Insert); ok {
		refs = append(refs, tableRef{name: ins.Table.Name.String(), alias: ins.Table.Name.String()})
	}

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if ate, ok := node.(*sqlparser.AliasedTableExpr); ok {
			if tn, ok := ate.Expr.(sqlparser.TableName); ok {
				name := tn.Name.String()
				alias := ate.As.String()
				if alias == "" {
					alias = name
				}
				refs = append(refs, tableRef{name: name, alias: alias})
			}
		}
		return true, nil
	}, stmt)

	return refs
}

// Tables returns the names of every table referenced by the SQL, in
// first-reference order with duplicates removed. Returns nil on parse error.
func (v *Validator) Tables(sql string) []string {
	stmt, err := parse(sql)
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	for _, ref := range collectTables(stmt) {
		if ref.name == "" || seen[ref.name] {
			continue
		}
		seen[ref.name] = true
		out = append(out, ref.name)
	}
	return out
}

// Validate checks the SQL against all safety rules. tableColumns, when
// non-nil, maps table name to the set of known column names (lowercased) and
// enables qualified-column validation.
func (v *Validator) Validate(sql string, tableColumns map[string]map[string]bool) bool {
	stmt, err := parse(sql)
	if err != nil {
		v.log.Errorf("failed to parse SQL: %s", err)
		return false
	}

	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect,
		*sqlparser.Insert, *sqlparser.Update:
	default:
		v.log.Warnf("forbidden statement kind: %s", sqlparser.String(stmt))
		return false
	}

	// Walk every node, including subqueries, for forbidden statement kinds.
	forbidden := false
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch node.(type) {
		case *sqlparser.DDL, *sqlparser.DBDDL, *sqlparser.Delete:
			forbidden = true
			return false, nil
		}
		return true, nil
	}, stmt)
	if forbidden {
		v.log.Warn("forbidden command detected in sub-clause")
		return false
	}

	refs := collectTables(stmt)

	if !v.validateUniqueAliases(refs) {
		return false
	}

	if v.allowedTables != nil {
		for _, ref := range refs {
			if !v.allowedTables[strings.ToLower(ref.name)] {
				v.log.Warnf("access to forbidden table: %s", ref.name)
				return false
			}
		}
	}

	if tableColumns != nil && !v.validateColumns(stmt, refs, tableColumns) {
		return false
	}

	return true
}

// validateUniqueAliases rejects reuse of the same alias for different
// tables, which leads to ambiguous joins (MySQL error 1066).
func (v *Validator) validateUniqueAliases(refs []tableRef) bool {
	seen := map[string]bool{}
	var dups []string
	for _, ref := range refs {
		if ref.alias == "" {
			continue
		}
		key := strings.ToLower(ref.alias)
		if seen[key] {
			dups = append(dups, ref.alias)
		} else {
			seen[key] = true
		}
	}
	if len(dups) > 0 {
		v.log.Warnf("duplicate table aliases detected: %s", strings.Join(dups, ", "))
		return false
	}
	return true
}

// validateColumns checks every qualified column reference against the
// provided column map. Unqualified columns are skipped to avoid false
// positives on projection labels.
func (v *Validator) validateColumns(stmt sqlparser.Statement, refs []tableRef, tableColumns map[string]map[string]bool) bool {
	aliasToTable := map[string]string{}
	for _, ref := range refs {
		aliasToTable[strings.ToLower(ref.name)] = ref.name
		if ref.alias != "" {
			aliasToTable[strings.ToLower(ref.alias)] = ref.name
		}
	}

	var invalid []string
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		col, ok := node.(*sqlparser.ColName)
		if !ok {
			return true, nil
		}
		qualifier := col.Qualifier.Name.String()
		name := col.Name.String()
		if qualifier == "" || name == "" {
			return true, nil
		}

		table, ok := aliasToTable[strings.ToLower(qualifier)]
		if !ok {
			return true, nil
		}
		cols := tableColumns[table]
		if cols != nil && !cols[strings.ToLower(name)] {
			invalid = append(invalid, qualifier+"."+name)
		}
		return true, nil
	}, stmt)

	if len(invalid) > 0 {
		v.log.Warnf("unknown columns detected in SQL: %s", strings.Join(invalid, ", "))
		return false
	}
	return true
}
