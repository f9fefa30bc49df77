package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ColumnSpec is one manifest-declared important column. Order matters: the
// declaration order drives required-field prompts and SELECT projections, so
// columns are kept as a slice rather than a map.
type ColumnSpec struct {
	Name        string
	Description string
}

// ColumnSpecs decodes a JSON object while preserving key order.
type ColumnSpecs []ColumnSpec

func (c *ColumnSpecs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("important_columns: expected object")
	}

	out := ColumnSpecs{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)

		var meta struct {
			Description string `json:"description"`
		}
		if err := dec.Decode(&meta); err != nil {
			return err
		}
		out = append(out, ColumnSpec{Name: name, Description: meta.Description})
	}
	*c = out
	return nil
}

func (c ColumnSpecs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(col.Name)
		v, _ := json.Marshal(map[string]string{"description": col.Description})
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CreateMeta configures the create operation for a table.
type CreateMeta struct {
	RequiredFields []string `json:"required_fields"`
}

// OperationsMeta holds per-operation manifest configuration.
type OperationsMeta struct {
	Create CreateMeta `json:"create"`
}

// TableMeta is the manifest entry for one table.
type TableMeta struct {
	Description      string            `json:"description,omitempty"`
	Aliases          []string          `json:"aliases,omitempty"`
	ImportantColumns ColumnSpecs       `json:"important_columns,omitempty"`
	Operations       OperationsMeta    `json:"operations,omitempty"`
	Joins            map[string]string `json:"joins,omitempty"`
}

// FewShot is one example question/SQL pair.
type FewShot struct {
	IntentType string `json:"intent_type,omitempty"`
	Question   string `json:"question"`
	SQL        string `json:"sql"`
}

// Manifest is the read-only schema manifest consumed at startup. It is
// immutable after load and shared process-wide.
type Manifest struct {
	Tables          map[string]TableMeta         `json:"tables"`
	FewShotExamples []FewShot                    `json:"few_shot_examples"`
	QueryTemplates  map[string]map[string]string `json:"query_templates,omitempty"`
}

// EmptyManifest returns a manifest with no tables, used when the manifest
// file is absent or invalid so resolution degrades to "no table".
func EmptyManifest() *Manifest {
	return &Manifest{Tables: map[string]TableMeta{}}
}

// LoadManifest reads the schema manifest from disk. A missing or invalid
// file is not an error: the assistant starts with an empty manifest.
func LoadManifest(path string, log *zap.SugaredLogger) *Manifest {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("schema manifest not found at %s", path)
		return EmptyManifest()
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		log.Errorf("failed to load schema manifest: %s", err)
		return EmptyManifest()
	}
	if m.Tables == nil {
		m.Tables = map[string]TableMeta{}
	}
	return &m
}

// RenderContext renders table and column descriptions for the given tables,
// used as LLM prompt context.
func (m *Manifest) RenderContext(tables []string) string {
	var lines []string
	for _, table := range tables {
		meta, ok := m.Tables[table]
		if !ok {
			continue
		}
		if meta.Description != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", table, meta.Description))
		}
		for _, col := range meta.ImportantColumns {
			if col.Description != "" {
				lines = append(lines, fmt.Sprintf("  - %s.%s: %s", table, col.Name, col.Description))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// RenderJoinHints renders join conditions between the selected tables.
func (m *Manifest) RenderJoinHints(tables []string) string {
	selected := map[string]bool{}
	for _, t := range tables {
		selected[t] = true
	}

	var lines []string
	for _, left := range tables {
		joins := m.Tables[left].Joins
		rights := make([]string, 0, len(joins))
		for right := range joins {
			rights = append(rights, right)
		}
		sort.Strings(rights)
		for _, right := range rights {
			if selected[right] {
				lines = append(lines, fmt.Sprintf("- %s -> %s on %s", left, right, joins[right]))
			}
		}
	}
	return strings.Join(lines, "\n")
}

// RenderFewShots renders up to two few-shot examples, preferring those
// matching the intent type.
func (m *Manifest) RenderFewShots(intentType string) string {
	selected := m.FewShotExamples
	if intentType != "" {
		var matched []FewShot
		for _, ex := range m.FewShotExamples {
			if strings.EqualFold(ex.IntentType, intentType) {
				matched = append(matched, ex)
			}
		}
		if len(matched) > 0 {
			selected = matched
		}
	}

	var lines []string
	for i, ex := range selected {
		if i >= 2 {
			break
		}
		lines = append(lines, "Q: "+ex.Question, "SQL: "+ex.SQL)
	}
	return strings.Join(lines, "\n")
}

// RenderQueryTemplate formats a manifest query template. Returns "" when the
// template is missing or a placeholder is unresolved.
func (m *Manifest) RenderQueryTemplate(table, kind string, args map[string]string) string {
	tmpl := m.QueryTemplates[table][kind]
	if tmpl == "" {
		return ""
	}
	out := tmpl
	for k, v := range args {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	if strings.Contains(out, "{") {
		return ""
	}
	return out
}

// tableDoc builds the embedding document for one table.
func (m *Manifest) tableDoc(table string) string {
	meta := m.Tables[table]
	parts := []string{"table: " + table}
	if meta.Description != "" {
		parts = append(parts, "description: "+meta.Description)
	}
	for _, col := range meta.ImportantColumns {
		parts = append(parts, strings.TrimSpace("column: "+col.Name+" "+col.Description))
	}
	return strings.Join(parts, " | ")
}

// Embedder produces vector embeddings for a batch of texts. The embedding
// model itself is an external collaborator; see OpenAIEmbedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// SemanticSelectTables ranks candidate tables against the query with the
// embedder and returns the top-k. On any failure it falls back to a lexical
// substring match, then to the first three candidates.
func (m *Manifest) SemanticSelectTables(ctx context.Context, emb Embedder, query string, candidates []string, topK int) []string {
	if len(candidates) == 0 {
		return nil
	}
	if topK < 1 {
		topK = 1
	}

	if emb != nil {
		docs := make([]string, 0, len(candidates)+1)
		docs = append(docs, query)
		for _, t := range candidates {
			docs = append(docs, m.tableDoc(t))
		}

		vecs, err := emb.Embed(ctx, docs)
		if err == nil && len(vecs) == len(docs) {
			type scored struct {
				table string
				score float64
			}
			out := make([]scored, len(candidates))
			for i, t := range candidates {
				out[i] = scored{table: t, score: cosine(vecs[0], vecs[i+1])}
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
			if topK > len(out) {
				topK = len(out)
			}
			tables := make([]string, topK)
			for i := 0; i < topK; i++ {
				tables[i] = out[i].table
			}
			return tables
		}
	}

	lower := strings.ToLower(query)
	var lexical []string
	for _, t := range candidates {
		if strings.Contains(lower, strings.ToLower(t)) {
			lexical = append(lexical, t)
		}
	}
	if len(lexical) > 0 {
		if len(lexical) > topK {
			lexical = lexical[:topK]
		}
		return lexical
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return candidates
}

// cosine computes cosine similarity, 0 for zero-norm inputs.
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
