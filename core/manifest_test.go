package core

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func TestColumnSpecsPreserveOrder(t *testing.T) {
	raw := `{
		"zeta": {"description": "last letter"},
		"alpha": {"description": "first letter"},
		"mid": {"description": ""}
	}`

	var cols ColumnSpecs
	require.NoError(t, json.Unmarshal([]byte(raw), &cols))

	require.Len(t, cols, 3)
	assert.Equal(t, "zeta", cols[0].Name)
	assert.Equal(t, "alpha", cols[1].Name)
	assert.Equal(t, "mid", cols[2].Name)
	assert.Equal(t, "last letter", cols[0].Description)
}

func TestLoadManifest(t *testing.T) {
	log := zap.NewNop().Sugar()

	t.Run("missing file yields an empty manifest", func(t *testing.T) {
		m := LoadManifest("/nonexistent/manifest.json", log)
		require.NotNil(t, m)
		assert.Empty(t, m.Tables)
	})

	t.Run("invalid json yields an empty manifest", func(t *testing.T) {
		f := t.TempDir() + "/bad.json"
		require.NoError(t, writeFile(f, "{not json"))
		m := LoadManifest(f, log)
		assert.Empty(t, m.Tables)
	})

	t.Run("valid manifest loads tables", func(t *testing.T) {
		f := t.TempDir() + "/manifest.json"
		require.NoError(t, writeFile(f, `{
			"tables": {
				"user": {
					"description": "People.",
					"important_columns": {"id": {"description": "pk"}, "email": {}}
				}
			}
		}`))
		m := LoadManifest(f, log)
		require.Contains(t, m.Tables, "user")
		assert.Equal(t, []string{"id", "email"}, NewCatalog(m).ImportantColumns("user"))
	})
}

func TestRenderFewShots(t *testing.T) {
	m := testManifest()

	t.Run("intent filter applies", func(t *testing.T) {
		out := m.RenderFewShots("insert")
		assert.Contains(t, out, "add a task")
		assert.NotContains(t, out, "show open tasks")
	})

	t.Run("unknown intent falls back to all", func(t *testing.T) {
		out := m.RenderFewShots("delete")
		assert.Contains(t, out, "show open tasks")
	})
}

func TestRenderJoinHints(t *testing.T) {
	m := testManifest()

	assert.Contains(t,
		m.RenderJoinHints([]string{"task_transaction", "user"}),
		"task_transaction -> user on task_transaction.assigned_to = user.id")

	// Joins to unselected tables are omitted.
	assert.Empty(t, m.RenderJoinHints([]string{"task_transaction"}))
}

func TestRenderQueryTemplate(t *testing.T) {
	m := &Manifest{
		Tables: map[string]TableMeta{},
		QueryTemplates: map[string]map[string]string{
			"task_transaction": {
				"by_status": "SELECT id FROM task_transaction WHERE task_status = '{status}' LIMIT 100",
			},
		},
	}

	t.Run("placeholders resolve", func(t *testing.T) {
		out := m.RenderQueryTemplate("task_transaction", "by_status", map[string]string{"status": "open"})
		assert.Equal(t, "SELECT id FROM task_transaction WHERE task_status = 'open' LIMIT 100", out)
	})

	t.Run("unresolved placeholder yields empty", func(t *testing.T) {
		assert.Empty(t, m.RenderQueryTemplate("task_transaction", "by_status", nil))
	})

	t.Run("unknown template yields empty", func(t *testing.T) {
		assert.Empty(t, m.RenderQueryTemplate("user", "by_status", nil))
	})
}

// fixedEmbedder maps exact texts to vectors, errors otherwise.
type fixedEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i, txt := range texts {
		v, ok := f.vectors[txt]
		if !ok {
			v = []float64{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

func TestSemanticSelectTables(t *testing.T) {
	m := testManifest()
	candidates := []string{"asset_details", "task_transaction", "user"}

	t.Run("embedder ranking wins", func(t *testing.T) {
		emb := &fixedEmbedder{vectors: map[string][]float64{
			"overdue work orders":          {1, 0, 0},
			m.tableDoc("task_transaction"): {1, 0, 0},
			m.tableDoc("asset_details"):    {0, 1, 0},
			m.tableDoc("user"):             {0, 1, 0},
		}}
		got := m.SemanticSelectTables(context.Background(), emb, "overdue work orders", candidates, 1)
		assert.Equal(t, []string{"task_transaction"}, got)
	})

	t.Run("embedder failure falls back to lexical match", func(t *testing.T) {
		emb := &fixedEmbedder{err: errors.New("down")}
		got := m.SemanticSelectTables(context.Background(), emb, "anything about user accounts", candidates, 2)
		assert.Equal(t, []string{"user"}, got)
	})

	t.Run("no signal falls back to first candidates", func(t *testing.T) {
		got := m.SemanticSelectTables(context.Background(), nil, "xyz", candidates, 3)
		assert.Equal(t, candidates, got)
	})
}
