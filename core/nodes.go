package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Node labels of the workflow graph.
const (
	nodeLabelRoute       = "route"
	nodeLabelChat        = "chat"
	nodeLabelIntent      = "intent"
	nodeLabelMutation    = "mutation_understand"
	nodeLabelSQLBuild    = "sql_build"
	nodeLabelSQLValidate = "sql_validate"
	nodeLabelSQLExecute  = "sql_execute"
	nodeLabelRespond     = "respond"
)

const chatFallbackReply = "I can only help with this TAG project: tasks, assets, users, facilities and schedules. Ask me about your data."

// Database is the schema and execution surface the graph nodes use.
// Inspector is the production implementation.
type Database interface {
	TableColumns(ctx context.Context, conn, table string) (map[string]bool, error)
	Execute(ctx context.Context, conn, query string) (*ExecResult, error)
	UserName(ctx context.Context, conn, userID string) string
	Close()
}

// Assistant owns the compiled workflow graph and every service the nodes
// call. One assistant serves all sessions; per-request state flows through
// the State bag.
type Assistant struct {
	router    *Router
	intents   *IntentService
	builder   *Builder
	validator *Validator
	db        Database
	catalog   *Catalog
	llm       LLM
	embedder  Embedder
	log       *zap.SugaredLogger

	dbConn string
	graph  *Graph
}

// NewAssistant compiles the workflow graph over the given services. llm and
// embedder may be nil; every node keeps a deterministic fallback.
func NewAssistant(catalog *Catalog, llm LLM, embedder Embedder, db Database, dbConn string, log *zap.SugaredLogger) *Assistant {
	a := &Assistant{
		router:    NewRouter(llm, log),
		intents:   NewIntentService(catalog, llm, log),
		builder:   NewBuilder(catalog, llm, log),
		validator: NewValidator(nil, log),
		db:        db,
		catalog:   catalog,
		llm:       llm,
		embedder:  embedder,
		log:       log,
		dbConn:    dbConn,
	}
	a.graph = a.buildGraph()
	return a
}

// buildGraph wires the node pipeline:
//
//	route -> chat -> END
//	route -> intent -> mutation_understand -> sql_build
//	route -> intent -> sql_build
//	sql_build -> respond (SKIP) | sql_validate -> sql_execute -> respond -> END
func (a *Assistant) buildGraph() *Graph {
	g := NewGraph(nodeLabelRoute)

	g.AddNode(nodeLabelRoute, a.nodeRoute)
	g.AddNode(nodeLabelChat, a.nodeChat)
	g.AddNode(nodeLabelIntent, a.nodeIntent)
	g.AddNode(nodeLabelMutation, a.nodeMutationUnderstand)
	g.AddNode(nodeLabelSQLBuild, a.nodeSQLBuild)
	g.AddNode(nodeLabelSQLValidate, a.nodeSQLValidate)
	g.AddNode(nodeLabelSQLExecute, a.nodeSQLExecute)
	g.AddNode(nodeLabelRespond, a.nodeRespond)

	g.AddConditionalEdge(nodeLabelRoute, func(st *State) string {
		if st.Route == RouteChat {
			return nodeLabelChat
		}
		return nodeLabelIntent
	})
	g.AddEdge(nodeLabelChat, graphEnd)

	g.AddConditionalEdge(nodeLabelIntent, func(st *State) string {
		if st.MutationContext() != nil {
			return nodeLabelSQLBuild
		}
		if st.Intent != nil && st.Intent.Operation != OpSelect {
			return nodeLabelMutation
		}
		return nodeLabelSQLBuild
	})
	g.AddEdge(nodeLabelMutation, nodeLabelSQLBuild)

	g.AddConditionalEdge(nodeLabelSQLBuild, func(st *State) string {
		if st.SQLQuery == SkipSQL {
			return nodeLabelRespond
		}
		return nodeLabelSQLValidate
	})
	g.AddConditionalEdge(nodeLabelSQLValidate, func(st *State) string {
		if st.Err != "" {
			return nodeLabelRespond
		}
		return nodeLabelSQLExecute
	})
	g.AddEdge(nodeLabelSQLExecute, nodeLabelRespond)
	g.AddEdge(nodeLabelRespond, graphEnd)

	return g
}

// Run drives one request through the graph.
func (a *Assistant) Run(ctx context.Context, st *State) error {
	return a.graph.Invoke(ctx, st)
}

// Catalog exposes the schema catalog for callers that seed mutation forms.
func (a *Assistant) Catalog() *Catalog {
	return a.catalog
}

// DB exposes the database layer for user lookups and shutdown.
func (a *Assistant) DB() Database {
	return a.db
}

// DBConn returns the configured default connection string.
func (a *Assistant) DBConn() string {
	return a.dbConn
}

// addUsage accumulates token usage across node LLM calls.
func (st *State) addUsage(u *TokenUsage) {
	if u == nil {
		return
	}
	if st.TokenUsage == nil {
		st.TokenUsage = &TokenUsage{}
	}
	st.TokenUsage.PromptTokens += u.PromptTokens
	st.TokenUsage.CompletionTokens += u.CompletionTokens
	st.TokenUsage.TotalTokens += u.TotalTokens
}

// conn resolves the connection string for a request, preferring an explicit
// metadata override.
func (a *Assistant) conn(st *State) string {
	if c := str(st.Metadata["db_conn"]); c != "" {
		return c
	}
	return a.dbConn
}

// companyID returns the tenant scope of the request, "" for unscoped.
func companyID(st *State) string {
	return str(st.Metadata["company_id"])
}

// nodeRoute classifies the request. A confirmed mutation context always
// takes the SQL path.
func (a *Assistant) nodeRoute(ctx context.Context, st *State) error {
	if st.MutationContext() != nil {
		st.Route = RouteSQL
		return nil
	}
	st.Route = a.router.Route(ctx, st.LastUserMessage())
	return nil
}

// nodeChat answers small talk, scoped to the project.
func (a *Assistant) nodeChat(ctx context.Context, st *State) error {
	if a.llm == nil {
		st.reply(chatFallbackReply)
		return nil
	}

	prompt := "You are the assistant of a task and asset management (TAG) system. " +
		"Answer briefly and only about this TAG project and its data (tasks, assets, users, facilities, schedules). " +
		"For anything unrelated, say you can only help with this TAG project.\n\n" +
		"User: " + st.LastUserMessage()

	res, err := CompleteWithRetry(ctx, a.llm, prompt, 0.3, 2, 300*time.Millisecond, nil, "chat", a.log)
	if err != nil {
		a.log.Warnf("chat completion failed, using fallback: %s", err)
		st.reply(chatFallbackReply)
		return nil
	}
	st.addUsage(&res.Usage)
	st.reply(strings.TrimSpace(res.Content))
	return nil
}

// nodeIntent extracts the structured intent, short-circuiting when a
// confirmed mutation context already carries it.
func (a *Assistant) nodeIntent(ctx context.Context, st *State) error {
	if mc := st.MutationContext(); mc != nil {
		fields := map[string]any{}
		for k, v := range mc.Fields {
			fields[k] = v
		}
		st.Intent = &Intent{
			Operation: mc.Operation,
			Table:     mc.Table,
			Fields:    fields,
			Filters:   map[string]any{},
		}
		return nil
	}

	intent, usage := a.intents.Resolve(ctx, st.LastUserMessage())
	st.Intent = intent
	st.addUsage(usage)
	return nil
}

// nodeMutationUnderstand resolves the target table and gathers inline fields
// for a free-text mutation. Missing table or missing required fields skip
// the SQL pipeline with guidance and, for missing fields, a workflow payload
// the session layer turns into a form conversation.
func (a *Assistant) nodeMutationUnderstand(_ context.Context, st *State) error {
	message := st.LastUserMessage()
	table := ResolveMutationTable(a.catalog, st.Intent, message)
	if table == "" {
		st.SQLQuery = SkipSQL
		st.reply("Please mention a table/entity like task, asset, user, or facility.")
		return nil
	}
	st.Intent.Table = table

	collected := map[string]string{}
	for k, v := range st.Intent.Fields {
		if s := str(v); s != "" {
			collected[strings.ToLower(k)] = s
		}
	}
	for k, v := range ParseKVPairs(message) {
		if _, ok := collected[k]; !ok {
			collected[k] = v
		}
	}
	fields := map[string]any{}
	for k, v := range collected {
		fields[k] = v
	}
	st.Intent.Fields = fields

	if st.Intent.Operation == OpUpdate {
		// Updates require only the record id up front; the changed fields
		// arrive as free-form pairs.
		if _, ok := collected["id"]; !ok {
			st.SQLQuery = SkipSQL
			st.reply("Update requires id=<record_id>.")
		}
		return nil
	}

	required := a.catalog.RequiredCreateFields(table)
	var missing []string
	for _, f := range required {
		if _, ok := collected[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		st.SQLQuery = SkipSQL
		st.WorkflowPayload = a.builder.MutationFormPayload(OpInsert, table, required, collected)
		st.reply("Missing required fields for insert: " + strings.Join(missing, ", ") + ".")
	}
	return nil
}

// nodeSQLBuild renders the SQL statement for the resolved intent.
func (a *Assistant) nodeSQLBuild(ctx context.Context, st *State) error {
	if st.SQLQuery == SkipSQL {
		return nil
	}
	intent := st.Intent
	if intent == nil {
		st.SQLQuery = SkipSQL
		st.reply("Please mention a table/entity like task, asset, user, or facility.")
		return nil
	}

	switch intent.Operation {
	case OpInsert, OpUpdate:
		fields := map[string]string{}
		for k, v := range intent.Fields {
			fields[strings.ToLower(k)] = str(v)
		}

		var sql string
		var err error
		if intent.Operation == OpInsert {
			sql, err = a.builder.BuildInsert(intent.Table, fields, companyID(st))
		} else {
			sql, err = a.builder.BuildUpdate(intent.Table, fields, companyID(st))
		}
		if err != nil {
			st.SQLQuery = SkipSQL
			st.reply(err.Error())
			return nil
		}
		st.SQLQuery = sql

	default:
		candidates := a.catalog.TableNames()
		if len(candidates) == 0 {
			st.SQLQuery = SkipSQL
			st.reply("Please mention a table/entity like task, asset, user, or facility.")
			return nil
		}
		tables := candidates
		if intent.Table != "" && a.catalog.HasTable(intent.Table) {
			tables = append([]string{intent.Table}, without(candidates, intent.Table)...)
			if len(tables) > 3 {
				tables = tables[:3]
			}
		} else {
			tables = a.catalog.Manifest().SemanticSelectTables(ctx, a.embedder, st.LastUserMessage(), candidates, 3)
		}

		sql, usage := a.builder.BuildSelect(ctx, st.LastUserMessage(), tables, string(intent.Operation), companyID(st))
		st.addUsage(usage)
		if sql == SkipSQL {
			st.SQLQuery = SkipSQL
			st.reply("Please mention a table/entity like task, asset, user, or facility.")
			return nil
		}
		st.SQLQuery = sql
	}
	return nil
}

// nodeSQLValidate statically validates the statement. Failure is final and
// never reaches the database.
func (a *Assistant) nodeSQLValidate(ctx context.Context, st *State) error {
	tables := a.validator.Tables(st.SQLQuery)

	var tableColumns map[string]map[string]bool
	conn := a.conn(st)
	if conn != "" && len(tables) > 0 {
		tableColumns = map[string]map[string]bool{}
		for _, t := range tables {
			cols, err := a.db.TableColumns(ctx, conn, t)
			if err != nil {
				a.log.Warnf("column lookup for %s failed, validating structure only: %s", t, err)
				tableColumns = nil
				break
			}
			tableColumns[t] = cols
		}
	}

	if !a.validator.Validate(st.SQLQuery, tableColumns) {
		st.Err = "SQL failed safety validation."
	}
	return nil
}

// nodeSQLExecute runs the statement. Database errors become state, not node
// failures, so the responder and the recovery layer can act on them.
func (a *Assistant) nodeSQLExecute(ctx context.Context, st *State) error {
	res, err := a.db.Execute(ctx, a.conn(st), st.SQLQuery)
	if err != nil {
		st.Err = err.Error()
		return nil
	}

	st.RowCount = res.RowCount
	st.RowsPreview = res.Rows
	if len(st.RowsPreview) > rowsPreviewCap {
		st.RowsPreview = st.RowsPreview[:rowsPreviewCap]
	}
	if data, err := json.Marshal(st.RowsPreview); err == nil {
		st.SQLResult = string(data)
	}
	return nil
}

// nodeRespond renders the final assistant turn from the execution outcome.
func (a *Assistant) nodeRespond(_ context.Context, st *State) error {
	if st.SQLQuery == SkipSQL {
		// Guidance was already written by the skipping node.
		return nil
	}
	if st.Err != "" {
		st.reply("Request failed safely: " + st.Err)
		return nil
	}

	op := OpSelect
	if st.Intent != nil {
		op = st.Intent.Operation
	}
	switch op {
	case OpInsert:
		st.reply(fmt.Sprintf("Insert successful. Rows affected: %d.", st.RowCount))
	case OpUpdate:
		st.reply(fmt.Sprintf("Update successful. Rows affected: %d.", st.RowCount))
	default:
		if st.RowCount == 0 {
			st.reply("No records found.")
			return nil
		}
		// The spoken preview shows only the last few rows; the full capped
		// set travels in the data section.
		tail := st.RowsPreview
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		preview := st.SQLResult
		if data, err := json.Marshal(tail); err == nil {
			preview = string(data)
		}
		st.reply(fmt.Sprintf("Found %d record(s). Preview: %s", st.RowCount, preview))
	}
	return nil
}

// without returns list minus one element.
func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
