package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// identPattern is the only shape accepted for table and column identifiers
// interpolated into SQL text.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// kvPatterns recognize "key = value", "key: value" and "key is value" pairs
// in free text. A value runs to the next comma or semicolon.
var kvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^,;]+)`),
	regexp.MustCompile(`(?i)([A-Za-z_][A-Za-z0-9_]*)\s*:\s*([^,;]+)`),
	regexp.MustCompile(`(?i)([A-Za-z_][A-Za-z0-9_]*)\s+is\s+([^,;]+)`),
}

// Builder constructs SQL statements. Mutations are assembled entirely with
// string templating over validated identifiers and escaped values; only
// SELECT uses the model, and always with a deterministic fallback.
type Builder struct {
	catalog *Catalog
	llm     LLM
	log     *zap.SugaredLogger
}

// NewBuilder wires the builder with its schema catalog and completer.
func NewBuilder(catalog *Catalog, llm LLM, log *zap.SugaredLogger) *Builder {
	return &Builder{catalog: catalog, llm: llm, log: log}
}

// stringify renders an arbitrary decoded JSON value as its SQL-friendly
// string form. Floats that carry no fraction drop the trailing ".0" so JSON
// numbers round-trip as integers.
func stringify(v any) string {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// safeIdent validates a SQL identifier.
func safeIdent(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !identPattern.MatchString(name) {
		return "", errors.Errorf("invalid identifier %q", name)
	}
	return name, nil
}

// safeValue renders a value as a SQL literal. Numbers pass through bare,
// nil becomes NULL, everything else is single-quoted with quotes doubled.
func safeValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch n := v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return stringify(n)
	case bool:
		if n {
			return "1"
		}
		return "0"
	}

	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return "''"
	}
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			s = s[1 : len(s)-1]
		}
	}
	if numericLiteral.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// numericLiteral matches values passed through as bare SQL numbers.
var numericLiteral = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// ParseKVPairs extracts field assignments from free text. Later patterns do
// not overwrite keys captured by earlier ones.
func ParseKVPairs(text string) map[string]string {
	out := map[string]string{}
	for _, pat := range kvPatterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			key := strings.ToLower(strings.TrimSpace(m[1]))
			val := strings.TrimSpace(m[2])
			if len(val) >= 2 {
				if (val[0] == '\'' && val[len(val)-1] == '\'') || (val[0] == '"' && val[len(val)-1] == '"') {
					val = val[1 : len(val)-1]
				}
			}
			if key == "" || val == "" {
				continue
			}
			if _, seen := out[key]; !seen {
				out[key] = val
			}
		}
	}
	return out
}

// allowedColumns returns the lowercased important-columns set of a table,
// empty when the manifest lists none.
func (b *Builder) allowedColumns(table string) map[string]bool {
	set := map[string]bool{}
	for _, c := range b.catalog.ImportantColumns(table) {
		set[strings.ToLower(c)] = true
	}
	return set
}

// BuildInsert renders an INSERT for the collected fields. Fields outside the
// table's important-columns set are dropped; the tenant id is injected as
// company_id only when the table has that column. Field order is
// lexicographic so the output is deterministic.
func (b *Builder) BuildInsert(table string, fields map[string]string, companyID string) (string, error) {
	tbl, err := safeIdent(table)
	if err != nil {
		return "", errors.New("No valid fields found for insert.")
	}
	allowed := b.allowedColumns(tbl)

	cols := make([]string, 0, len(fields))
	for k := range fields {
		if _, err := safeIdent(k); err != nil {
			continue
		}
		if strings.EqualFold(k, "company_id") {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(k)] {
			continue
		}
		cols = append(cols, k)
	}
	if len(cols) == 0 {
		return "", errors.New("No valid fields found for insert.")
	}
	sort.Strings(cols)

	names := make([]string, 0, len(cols)+1)
	values := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, c)
		values = append(values, safeValue(fields[c]))
	}
	if companyID != "" && (len(allowed) == 0 || allowed["company_id"]) {
		names = append(names, "company_id")
		values = append(values, safeValue(companyID))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		tbl, strings.Join(names, ", "), strings.Join(values, ", ")), nil
}

// BuildUpdate renders an UPDATE scoped by primary key and tenant. The id
// field is mandatory and never settable; company_id is never settable, and
// the tenant clause applies only to tables that carry the column.
func (b *Builder) BuildUpdate(table string, fields map[string]string, companyID string) (string, error) {
	tbl, err := safeIdent(table)
	if err != nil {
		return "", errors.New("Update requires at least one field to change.")
	}
	allowed := b.allowedColumns(tbl)

	var id string
	setCols := make([]string, 0, len(fields))
	for k, v := range fields {
		if strings.EqualFold(k, "id") {
			id = strings.TrimSpace(v)
			continue
		}
		if strings.EqualFold(k, "company_id") {
			continue
		}
		if _, err := safeIdent(k); err != nil {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(k)] {
			continue
		}
		setCols = append(setCols, k)
	}
	if id == "" {
		return "", errors.New("Update requires id=<record_id>.")
	}
	if len(setCols) == 0 {
		return "", errors.New("Update requires at least one field to change.")
	}
	sort.Strings(setCols)

	assigns := make([]string, 0, len(setCols))
	for _, c := range setCols {
		assigns = append(assigns, fmt.Sprintf("%s = %s", c, safeValue(fields[c])))
	}

	where := fmt.Sprintf("id = %s", safeValue(id))
	if companyID != "" && (len(allowed) == 0 || allowed["company_id"]) {
		where += fmt.Sprintf(" AND company_id = %s", safeValue(companyID))
	}

	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;",
		tbl, strings.Join(assigns, ", "), where), nil
}

// selectResponse is the JSON envelope the model is asked to emit.
type selectResponse struct {
	SQL string `json:"sql"`
}

// BuildSelect asks the model for a SELECT over the given tables and falls
// back to a plain projection when the model fails or emits garbage. Usage is
// reported through the returned completion when the model was consulted.
func (b *Builder) BuildSelect(ctx context.Context, query string, tables []string, intentType, companyID string) (string, *TokenUsage) {
	primary := ""
	if len(tables) > 0 {
		primary = tables[0]
	}
	fallback := b.fallbackSelect(primary, companyID)
	if b.llm == nil || primary == "" {
		return fallback, nil
	}

	prompt := b.selectPrompt(query, tables, intentType, companyID)
	res, err := CompleteWithRetry(ctx, b.llm, prompt, 0, 2, 300*time.Millisecond, hasJSONObject, "sql generation", b.log)
	if err != nil {
		b.log.Warnf("select generation failed, using fallback: %s", err)
		return fallback, nil
	}

	var parsed selectResponse
	if err := json.Unmarshal([]byte(firstJSONObject(res.Content)), &parsed); err != nil {
		b.log.Warnf("select generation returned invalid JSON, using fallback: %s", err)
		return fallback, &res.Usage
	}
	sql := strings.TrimSpace(parsed.SQL)
	if sql == "" || !strings.HasPrefix(strings.ToUpper(sql), "SELECT") {
		return fallback, &res.Usage
	}
	if !strings.Contains(strings.ToUpper(sql), "LIMIT") {
		sql = strings.TrimRight(sql, "; \t\n") + " LIMIT 100"
	}
	if !strings.HasSuffix(sql, ";") {
		sql += ";"
	}
	return sql, &res.Usage
}

// selectPrompt renders the SQL generation prompt: schema context for the
// selected tables, join hints, few-shot examples and the tenancy rule.
func (b *Builder) selectPrompt(query string, tables []string, intentType, companyID string) string {
	m := b.catalog.Manifest()

	var sb strings.Builder
	sb.WriteString("You translate a question about a task and asset management (TAG) system into one MySQL SELECT statement.\n\n")

	sb.WriteString("Tables and columns:\n")
	for _, t := range tables {
		cols := b.catalog.ImportantColumns(t)
		if len(cols) > 12 {
			cols = cols[:12]
		}
		sb.WriteString(fmt.Sprintf("- %s(%s)\n", t, strings.Join(cols, ", ")))
	}

	if ctxText := m.RenderContext(tables); ctxText != "" {
		sb.WriteString("\nContext:\n" + ctxText + "\n")
	}
	if hints := m.RenderJoinHints(tables); hints != "" {
		sb.WriteString("\nJoins:\n" + hints + "\n")
	}
	if shots := m.RenderFewShots(intentType); shots != "" {
		sb.WriteString("\nExamples:\n" + shots + "\n")
	}

	sb.WriteString("\nRules:\n")
	sb.WriteString("- SELECT statements only, never modify data.\n")
	sb.WriteString("- Always end with LIMIT 100.\n")
	if companyID != "" {
		sb.WriteString(fmt.Sprintf("- Filter every table that has a company_id column with company_id = %s.\n", safeValue(companyID)))
	}
	sb.WriteString("- Answer with a JSON object only: {\"sql\": \"...\"}.\n")

	sb.WriteString("\nQuestion: " + query + "\n")
	return sb.String()
}

// fallbackSelect is the deterministic SELECT used whenever generation fails.
func (b *Builder) fallbackSelect(table, companyID string) string {
	tbl, err := safeIdent(table)
	if err != nil {
		return SkipSQL
	}
	if companyID != "" {
		return fmt.Sprintf("SELECT * FROM %s WHERE company_id = %s LIMIT 100;", tbl, safeValue(companyID))
	}
	return fmt.Sprintf("SELECT * FROM %s LIMIT 100;", tbl)
}

// MutationFormPayload builds the workflow payload for a mutation that still
// needs fields, including a form UI hint derived from the manifest.
func (b *Builder) MutationFormPayload(op Operation, table string, required []string, collected map[string]string) *WorkflowPayload {
	next := ""
	for _, f := range required {
		if _, ok := collected[f]; !ok {
			next = f
			break
		}
	}

	descs := b.catalog.ColumnDescriptions(table)
	fields := make([]FormField, 0, len(required))
	for _, f := range required {
		fields = append(fields, FormField{
			ID:          f,
			Label:       fieldLabel(f),
			Type:        string(fieldKind(f)),
			Description: descs[f],
		})
	}

	return &WorkflowPayload{
		WorkflowID: fmt.Sprintf("%s_%s", op, table),
		State:      "collecting",
		Completed:  next == "",
		NextField:  next,
		CollectedData: CollectedData{
			Operation:       op,
			Table:           table,
			RequiredFields:  required,
			CollectedFields: collected,
		},
		UI: &FormUI{
			Type:        "form",
			State:       "collecting",
			Title:       fmt.Sprintf("%s %s", fieldLabel(string(op)), fieldLabel(table)),
			Description: fmt.Sprintf("Provide the required fields for %s.", fieldLabel(table)),
			Fields:      fields,
		},
	}
}

// fieldLabel renders a snake_case identifier as a human label.
func fieldLabel(name string) string {
	words := strings.Split(strings.ToLower(name), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
