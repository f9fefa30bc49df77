package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// testManifest mirrors the shape of the shipped schema manifest with enough
// tables to exercise alias resolution and required-field derivation.
func testManifest() *Manifest {
	return &Manifest{
		Tables: map[string]TableMeta{
			"task_transaction": {
				Description: "Work orders.",
				Aliases:     []string{"task", "tasks"},
				ImportantColumns: ColumnSpecs{
					{Name: "id", Description: "Primary key."},
					{Name: "task_name", Description: "Short title."},
					{Name: "task_status", Description: "Lifecycle status."},
					{Name: "due_date", Description: "Due date."},
					{Name: "priority", Description: "Priority level."},
					{Name: "assigned_to", Description: "Assignee user id."},
					{Name: "company_id", Description: "Tenant."},
				},
				Operations: OperationsMeta{Create: CreateMeta{
					RequiredFields: []string{"task_name", "task_status", "due_date"},
				}},
				Joins: map[string]string{
					"user": "task_transaction.assigned_to = user.id",
				},
			},
			"asset_details": {
				Description: "Physical assets.",
				Aliases:     []string{"equipment"},
				ImportantColumns: ColumnSpecs{
					{Name: "id"},
					{Name: "asset_name", Description: "Name of the asset."},
					{Name: "serial_number"},
					{Name: "is_active"},
				},
			},
			"scheduler_details": {
				Description: "Recurring schedules.",
				ImportantColumns: ColumnSpecs{
					{Name: "id"},
					{Name: "schedule_name"},
					{Name: "start_date"},
					{Name: "occurrence"},
				},
				Operations: OperationsMeta{Create: CreateMeta{
					RequiredFields: []string{"schedule_name", "start_date", "occurrence"},
				}},
			},
			"scheduler_task_details": {
				Description: "Tasks attached to a schedule.",
				ImportantColumns: ColumnSpecs{
					{Name: "id"},
					{Name: "scheduler_id"},
					{Name: "task_name"},
					{Name: "start_date"},
				},
				Operations: OperationsMeta{Create: CreateMeta{
					RequiredFields: []string{"scheduler_id", "task_name", "start_date"},
				}},
			},
			"user": {
				Description: "People.",
				Aliases:     []string{"users", "people"},
				ImportantColumns: ColumnSpecs{
					{Name: "id"},
					{Name: "first_name"},
					{Name: "last_name"},
					{Name: "email"},
				},
			},
			"facility_details": {
				Description: "Sites.",
				Aliases:     []string{"site", "location"},
				ImportantColumns: ColumnSpecs{
					{Name: "id"},
					{Name: "facility_name"},
				},
			},
		},
		FewShotExamples: []FewShot{
			{IntentType: "select", Question: "show open tasks", SQL: "SELECT id FROM task_transaction WHERE task_status = 'open' LIMIT 100"},
			{IntentType: "insert", Question: "add a task", SQL: "INSERT INTO task_transaction (task_name) VALUES ('x')"},
		},
	}
}

func TestCatalogAliases(t *testing.T) {
	c := NewCatalog(testManifest())

	t.Run("details tables gain a singular alias", func(t *testing.T) {
		assert.Contains(t, c.Aliases("asset_details"), "asset")
		assert.Contains(t, c.Aliases("asset_details"), "asset details")
	})

	t.Run("scheduler tables gain the synonym group", func(t *testing.T) {
		aliases := c.Aliases("scheduler_details")
		for _, syn := range []string{"schedule", "schedules", "scheduler", "schedulers"} {
			assert.Contains(t, aliases, syn)
		}
	})

	t.Run("manifest aliases are included", func(t *testing.T) {
		assert.Contains(t, c.Aliases("task_transaction"), "task")
		assert.Contains(t, c.Aliases("facility_details"), "site")
	})

	t.Run("no duplicates", func(t *testing.T) {
		seen := map[string]bool{}
		for _, a := range c.Aliases("scheduler_details") {
			assert.False(t, seen[a], "duplicate alias %q", a)
			seen[a] = true
		}
	})
}

func TestResolveTableFromQuery(t *testing.T) {
	c := NewCatalog(testManifest())

	tests := []struct {
		query string
		table string
	}{
		{"show my tasks", "task_transaction"},
		{"how many assets do we have", "asset_details"},
		{"list all users", "user"},
		{"create a new schedule", "scheduler_details"},
		{"where is the main site", "facility_details"},
		{"what is the weather", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.table, c.ResolveTableFromQuery(tt.query))
		})
	}
}

func TestRequiredCreateFields(t *testing.T) {
	c := NewCatalog(testManifest())

	t.Run("explicit fields win", func(t *testing.T) {
		assert.Equal(t,
			[]string{"task_name", "task_status", "due_date"},
			c.RequiredCreateFields("task_transaction"))
	})

	t.Run("derived fields drop system columns", func(t *testing.T) {
		assert.Equal(t,
			[]string{"asset_name", "serial_number"},
			c.RequiredCreateFields("asset_details"))
	})
}

func TestImportantColumnsOrder(t *testing.T) {
	c := NewCatalog(testManifest())
	assert.Equal(t,
		[]string{"id", "task_name", "task_status", "due_date", "priority", "assigned_to", "company_id"},
		c.ImportantColumns("task_transaction"))
}
