package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memCache is a TTL-less in-memory store for tests.
type memCache struct {
	m map[string][]byte
}

func (c *memCache) Get(key string) ([]byte, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *memCache) Set(key string, value []byte, _ time.Duration) {
	c.m[key] = value
}

func (c *memCache) Delete(key string) {
	delete(c.m, key)
}

// fakeDB serves canned schema and results without a real database.
type fakeDB struct {
	columns   map[string]map[string]bool
	rows      []map[string]any
	execErr   error
	execCount int
	lastSQL   string
}

func (f *fakeDB) TableColumns(_ context.Context, _, table string) (map[string]bool, error) {
	return f.columns[table], nil
}

func (f *fakeDB) Execute(_ context.Context, _, query string) (*ExecResult, error) {
	f.execCount++
	f.lastSQL = query
	if f.execErr != nil {
		return nil, f.execErr
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return &ExecResult{Rows: f.rows, RowCount: len(f.rows), ReturnsRows: true}, nil
	}
	return &ExecResult{
		Rows:     []map[string]any{{"status": "ok", "rows_affected": int64(1)}},
		RowCount: 1,
	}, nil
}

func (f *fakeDB) UserName(context.Context, string, string) string { return "" }
func (f *fakeDB) Close()                                          {}

func newFakeDB() *fakeDB {
	return &fakeDB{
		columns: map[string]map[string]bool{
			"task_transaction":  {"id": true, "task_name": true, "task_status": true, "due_date": true, "assigned_to": true, "company_id": true},
			"scheduler_details": {"id": true, "schedule_name": true, "start_date": true, "occurrence": true, "company_id": true},
			"user":              {"id": true, "first_name": true, "last_name": true, "email": true},
		},
		rows: []map[string]any{
			{"id": 1, "task_name": "Fix pump"},
			{"id": 2, "task_name": "Check valve"},
		},
	}
}

// denyLocker refuses every acquisition.
type denyLocker struct{}

func (denyLocker) Acquire(string, time.Duration) bool { return false }
func (denyLocker) Release(string)                     {}

func newTestChat(llm LLM, db Database, locker Locker) (*ChatService, *memCache) {
	log := zap.NewNop().Sugar()
	assistant := NewAssistant(NewCatalog(testManifest()), llm, nil, db, "test-conn", log)
	cache := &memCache{m: map[string][]byte{}}
	if locker == nil {
		locker = NopLocker{}
	}
	return NewChatService(assistant, cache, locker, log), cache
}

// turn runs one Stream call and decodes the NDJSON records: a token and a
// result on success, a single error record on failure.
func turn(t *testing.T, svc *ChatService, sessionID, message string) (tokenRecord, Result) {
	t.Helper()

	var buf bytes.Buffer
	err := svc.Stream(context.Background(), &ChatRequest{
		SessionID: sessionID,
		Message:   message,
	}, &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	var res Result
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &res))

	var tok tokenRecord
	if res.Type == "error" {
		require.Len(t, lines, 1, "an error turn emits a single record")
		return tok, res
	}
	require.Len(t, lines, 2, "expected exactly one token and one result record")
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &tok))
	require.Equal(t, "token", tok.Type)
	return tok, res
}

func TestChatTurnSmallTalk(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)

	tok, res := turn(t, svc, "s1", "hello there")
	assert.Contains(t, tok.Content, "only help with this TAG project")
	assert.Equal(t, "result", res.Type)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, tok.Content, res.Message)
	assert.Equal(t, "tag_backend", res.ProviderUsed)
	assert.Equal(t, "s1", res.SessionID)
	assert.Nil(t, res.Data)
}

func TestSelectTurn(t *testing.T) {
	db := newFakeDB()
	svc, _ := newTestChat(nil, db, nil)

	_, res := turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, "result", res.Type)
	assert.Contains(t, res.Message, "Found 2 record(s)")
	require.NotNil(t, res.Data)
	assert.Equal(t, "SELECT * FROM task_transaction LIMIT 100;", res.Data.SQL)
	assert.Equal(t, 2, res.Data.RowCount)
	assert.Len(t, res.Data.RowsPreview, 2)
	assert.True(t, res.Data.Ran)
	assert.False(t, res.Data.Cached)
}

func TestSelectTurnWireFormat(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)

	var buf bytes.Buffer
	err := svc.Stream(context.Background(), &ChatRequest{
		SessionID: "s1",
		Message:   "show my tasks",
	}, &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"sql":{`)
	assert.Contains(t, lines[1], `"query":"SELECT * FROM task_transaction LIMIT 100;"`)
	assert.Contains(t, lines[1], `"row_count":2`)
	assert.NotContains(t, lines[1], `"sql":"SELECT`)
}

func TestSelectNoRecords(t *testing.T) {
	db := newFakeDB()
	db.rows = nil
	svc, _ := newTestChat(nil, db, nil)

	_, res := turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, "No records found.", res.Message)
}

func TestMutationMissingTable(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)

	_, res := turn(t, svc, "s1", "add something")
	assert.Contains(t, res.Message, "Please mention a table/entity")
	assert.Nil(t, res.Data)
}

func TestMutationFormFlow(t *testing.T) {
	db := newFakeDB()
	svc, _ := newTestChat(nil, db, nil)
	sid := "form-session"

	// Opening a create with no fields starts the form conversation.
	_, res := turn(t, svc, sid, "create a new schedule")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")
	assert.Contains(t, res.Message, "1. Schedule Name")
	require.NotNil(t, res.Workflow)
	assert.Equal(t, AwaitFieldSelection, res.Workflow.State)

	// Pick the first field by index and provide a value.
	_, res = turn(t, svc, sid, "1")
	assert.Contains(t, res.Message, "Please provide Schedule Name.")

	_, res = turn(t, svc, sid, "Quarterly maintenance")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")
	assert.Contains(t, res.Message, "Quarterly maintenance")

	// Pick occurrence by index, answer with an option label.
	_, res = turn(t, svc, sid, "2")
	assert.Contains(t, res.Message, "Weekly (2)")

	_, res = turn(t, svc, sid, "weekly")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")

	// Pick the date by name and provide it.
	_, res = turn(t, svc, sid, "start date")
	assert.Contains(t, res.Message, "YYYY-MM-DD")

	_, res = turn(t, svc, sid, "2026-09-01")
	assert.Contains(t, res.Message, "Ready to create a record in Scheduler Details")

	// Confirming executes the insert through the graph.
	_, res = turn(t, svc, sid, "yes")
	assert.Equal(t, "Insert successful. Rows affected: 1.", res.Message)
	assert.Equal(t,
		"INSERT INTO scheduler_details (occurrence, schedule_name, start_date) VALUES (2, 'Quarterly maintenance', '2026-09-01');",
		db.lastSQL)

	// The form is gone; the next message is a normal turn.
	_, res = turn(t, svc, sid, "hello there")
	assert.Contains(t, res.Message, "only help with this TAG project")
}

func TestMutationFreeTextFillsNextField(t *testing.T) {
	db := newFakeDB()
	svc, _ := newTestChat(nil, db, nil)
	sid := "freetext-session"

	_, res := turn(t, svc, sid, "create a new schedule")
	require.NotNil(t, res.Workflow)

	// Text that names no field is taken as the value of the first missing
	// field instead of being rejected.
	_, res = turn(t, svc, sid, "Boiler inspection round")
	assert.Contains(t, res.Message, "Boiler inspection round")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")
}

func TestMutationPairAnswers(t *testing.T) {
	db := newFakeDB()
	svc, _ := newTestChat(nil, db, nil)
	sid := "pairs-session"

	_, _ = turn(t, svc, sid, "create a new schedule")
	_, res := turn(t, svc, sid, "1")
	assert.Contains(t, res.Message, "Please provide Schedule Name.")

	// A key=value answer fills the named fields, not the pending one.
	_, res = turn(t, svc, sid, "start_date = 2026-09-01, occurrence = 2")
	assert.Contains(t, res.Message, "Start Date: 2026-09-01")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")
	assert.Contains(t, res.Message, "1. Schedule Name")

	// A command-like prefix does not shadow a usable pair.
	_, res = turn(t, svc, sid, "1")
	assert.Contains(t, res.Message, "Please provide Schedule Name.")
	_, res = turn(t, svc, sid, "update occurrence = 4")
	assert.Contains(t, res.Message, "Occurrence: 4")
}

func TestMutationValueAdoptedVerbatim(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)
	sid := "verbatim-session"

	_, _ = turn(t, svc, sid, "create a new schedule")
	_, res := turn(t, svc, sid, "start date")
	assert.Contains(t, res.Message, "YYYY-MM-DD")

	// A free-form date is adopted as typed; the database decides later.
	_, res = turn(t, svc, sid, "tomorrow")
	assert.Contains(t, res.Message, "Start Date: tomorrow")
	assert.Contains(t, res.Message, "Which field would you like to fill next?")
}

func TestMutationMenuPaging(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)
	sid := "paging-session"

	ms := NewMutationState(OpInsert, "task_transaction",
		[]string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"})
	svc.saveMutation(sid, ms)

	reply, _, done := svc.advanceMutation(sid, ms, "more")
	require.False(t, done)
	assert.Contains(t, reply, "6. F6")
	assert.NotContains(t, reply, "1. F1")

	reply, _, _ = svc.advanceMutation(sid, ms, "back")
	assert.Contains(t, reply, "1. F1")

	// Paging before the first page stays on it.
	reply, _, _ = svc.advanceMutation(sid, ms, "prev")
	assert.Contains(t, reply, "1. F1")
}

func TestMutationCancel(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)
	sid := "cancel-session"

	_, res := turn(t, svc, sid, "create a new schedule")
	require.NotNil(t, res.Workflow)

	_, res = turn(t, svc, sid, "cancel")
	assert.Contains(t, res.Message, "Cancelled")

	_, res = turn(t, svc, sid, "hello there")
	assert.Contains(t, res.Message, "only help with this TAG project")
}

func TestMutationCommandInterrupt(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), nil)
	sid := "interrupt-session"

	_, _ = turn(t, svc, sid, "create a new schedule")
	_, res := turn(t, svc, sid, "1")
	assert.Contains(t, res.Message, "Please provide Schedule Name.")

	// A command-like message is not swallowed as a field value.
	_, res = turn(t, svc, sid, "show me the menu again")
	assert.Contains(t, res.Message, "Please provide Schedule Name.")
}

func TestMutationRecovery(t *testing.T) {
	db := newFakeDB()
	svc, _ := newTestChat(nil, db, nil)
	sid := "recovery-session"

	_, _ = turn(t, svc, sid, "create a new schedule")
	_, _ = turn(t, svc, sid, "1")
	_, _ = turn(t, svc, sid, "Weekly check")
	_, _ = turn(t, svc, sid, "1")
	_, _ = turn(t, svc, sid, "2026-09-01")
	_, _ = turn(t, svc, sid, "1")
	_, res := turn(t, svc, sid, "weekly")
	assert.Contains(t, res.Message, "Ready to create")

	// The database rejects the date; the form reopens on that field.
	db.execErr = errors.New("Incorrect date value: '2026-09-01' for column 'start_date'")
	_, res = turn(t, svc, sid, "yes")
	assert.Contains(t, res.Message, "Start Date was rejected")
	assert.Contains(t, res.Message, "YYYY-MM-DD")

	// Fixing the value completes the form again and the insert succeeds.
	db.execErr = nil
	_, res = turn(t, svc, sid, "2026-10-01")
	assert.Contains(t, res.Message, "Ready to create")

	_, res = turn(t, svc, sid, "yes")
	assert.Equal(t, "Insert successful. Rows affected: 1.", res.Message)
	assert.Contains(t, db.lastSQL, "'2026-10-01'")
}

func TestResponseCacheReplay(t *testing.T) {
	db := newFakeDB()
	svc, cache := newTestChat(nil, db, nil)

	_, first := turn(t, svc, "s1", "show my tasks")
	require.Equal(t, 1, db.execCount)

	// Same turn shape (identical history length) replays from the cache.
	cache.Delete(historyKey("s1"))
	_, second := turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, 1, db.execCount)
	assert.Equal(t, first.Message, second.Message)
	require.NotNil(t, second.Data)
	assert.True(t, second.Data.Cached)

	// The replayed turn still lands in the transcript.
	data, ok := cache.Get(historyKey("s1"))
	require.True(t, ok)
	var history []Message
	require.NoError(t, json.Unmarshal(data, &history))
	assert.Len(t, history, 2)
}

func TestSessionLockDenied(t *testing.T) {
	svc, _ := newTestChat(nil, newFakeDB(), denyLocker{})

	_, res := turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, "error", res.Type)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Message, "already in progress")
}

func TestExecutionErrorIsSafe(t *testing.T) {
	db := newFakeDB()
	db.execErr = errors.New("connection refused")
	svc, cache := newTestChat(nil, db, nil)

	_, res := turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, "result", res.Type)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Message, "Request failed safely")
	assert.Contains(t, res.Message, "connection refused")

	// The failure is not cached; once the database recovers the identical
	// turn runs again and succeeds.
	db.execErr = nil
	cache.Delete(historyKey("s1"))
	_, res = turn(t, svc, "s1", "show my tasks")
	assert.Equal(t, "ok", res.Status)
	assert.Contains(t, res.Message, "Found 2 record(s)")
	assert.Equal(t, 2, db.execCount)
}

func TestHistoryTrim(t *testing.T) {
	svc, cache := newTestChat(nil, newFakeDB(), nil)
	sid := "history-session"

	for i := 0; i < 15; i++ {
		_, _ = turn(t, svc, sid, "hello there")
	}

	data, ok := cache.Get(historyKey(sid))
	require.True(t, ok)
	var history []Message
	require.NoError(t, json.Unmarshal(data, &history))
	assert.Len(t, history, historyLimit)
}
