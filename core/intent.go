package core

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// dataWords is the fallback signal for routing a message to the SQL path
// when the model is unavailable or answers garbage.
var dataWords = regexp.MustCompile(`(?i)\b(task|asset|user|facility|select|insert|update|create|add|edit|modify|show|list|count|get|find)\b`)

// Router classifies a user message as a data question or small talk.
type Router struct {
	llm LLM
	log *zap.SugaredLogger
}

// NewRouter wires the router. llm may be nil; routing then falls back to the
// keyword heuristic.
func NewRouter(llm LLM, log *zap.SugaredLogger) *Router {
	return &Router{llm: llm, log: log}
}

type routeResponse struct {
	Route string `json:"route"`
}

// Route decides SQL or CHAT for a message. Any model failure falls back to
// keyword matching; a message with no data signal at all is CHAT.
func (r *Router) Route(ctx context.Context, message string) Route {
	if r.llm != nil {
		prompt := "Classify the user message for a task and asset management (TAG) system.\n" +
			"Answer with a JSON object only: {\"route\": \"SQL\"} for questions about data " +
			"(tasks, assets, users, facilities, schedules, counts, lists, creating or editing records) " +
			"or {\"route\": \"CHAT\"} for anything else.\n\n" +
			"Message: " + message

		res, err := CompleteWithRetry(ctx, r.llm, prompt, 0, 2, 300*time.Millisecond, hasJSONObject, "routing", r.log)
		if err == nil {
			var parsed routeResponse
			if err := json.Unmarshal([]byte(firstJSONObject(res.Content)), &parsed); err == nil {
				switch strings.ToUpper(strings.TrimSpace(parsed.Route)) {
				case string(RouteSQL):
					return RouteSQL
				case string(RouteChat):
					return RouteChat
				}
			}
		} else {
			r.log.Warnf("routing failed, using keyword fallback: %s", err)
		}
	}

	if dataWords.MatchString(message) {
		return RouteSQL
	}
	return RouteChat
}

var (
	insertWords = regexp.MustCompile(`(?i)\b(insert|create|add|new)\b`)
	updateWords = regexp.MustCompile(`(?i)\b(update|edit|modify|change|set)\b`)
)

// IntentService extracts the structured intent of a data message: the SQL
// operation, target table and any inline fields or filters.
type IntentService struct {
	catalog *Catalog
	llm     LLM
	log     *zap.SugaredLogger
}

// NewIntentService wires the intent extractor.
func NewIntentService(catalog *Catalog, llm LLM, log *zap.SugaredLogger) *IntentService {
	return &IntentService{catalog: catalog, llm: llm, log: log}
}

type intentResponse struct {
	Operation string         `json:"operation"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
	Filters   map[string]any `json:"filters"`
}

// Resolve extracts the intent of a message. Operation and table always come
// back non-speculative: when the model fails the operation is derived from
// keywords and the table from the catalog aliases, possibly empty.
func (s *IntentService) Resolve(ctx context.Context, message string) (*Intent, *TokenUsage) {
	fallback := &Intent{
		Operation: fallbackOperation(message),
		Table:     s.catalog.ResolveTableFromQuery(message),
		Fields:    map[string]any{},
		Filters:   map[string]any{},
	}
	if s.llm == nil {
		return fallback, nil
	}

	prompt := "Extract the intent of a message to a task and asset management (TAG) system.\n" +
		"Known tables: " + strings.Join(s.catalog.TableNames(), ", ") + "\n" +
		"Answer with a JSON object only:\n" +
		"{\"operation\": \"select|insert|update\", \"table\": \"<table or empty>\", " +
		"\"fields\": {<column>: <value>}, \"filters\": {<column>: <value>}}\n\n" +
		"Message: " + message

	res, err := CompleteWithRetry(ctx, s.llm, prompt, 0, 2, 300*time.Millisecond, hasJSONObject, "intent extraction", s.log)
	if err != nil {
		s.log.Warnf("intent extraction failed, using keyword fallback: %s", err)
		return fallback, nil
	}

	var parsed intentResponse
	if err := json.Unmarshal([]byte(firstJSONObject(res.Content)), &parsed); err != nil {
		s.log.Warnf("intent extraction returned invalid JSON, using keyword fallback: %s", err)
		return fallback, &res.Usage
	}

	intent := &Intent{
		Operation: normalizeOperation(parsed.Operation, fallback.Operation),
		Table:     strings.TrimSpace(parsed.Table),
		Fields:    parsed.Fields,
		Filters:   parsed.Filters,
	}
	if intent.Fields == nil {
		intent.Fields = map[string]any{}
	}
	if intent.Filters == nil {
		intent.Filters = map[string]any{}
	}
	if intent.Table != "" && !s.catalog.HasTable(intent.Table) {
		intent.Table = fallback.Table
	}
	if intent.Table == "" {
		intent.Table = fallback.Table
	}
	return intent, &res.Usage
}

// fallbackOperation derives the operation from verb keywords, SELECT wins
// ties by being the default.
func fallbackOperation(message string) Operation {
	switch {
	case insertWords.MatchString(message):
		return OpInsert
	case updateWords.MatchString(message):
		return OpUpdate
	default:
		return OpSelect
	}
}

// normalizeOperation maps a model answer onto a known operation.
func normalizeOperation(raw string, fallback Operation) Operation {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OpSelect:
		return OpSelect
	case OpInsert:
		return OpInsert
	case OpUpdate:
		return OpUpdate
	default:
		return fallback
	}
}

// ResolveMutationTable picks the table a mutation targets. Scheduling
// phrases are disambiguated before the generic alias lookup because the
// scheduler synonym group maps to two tables.
func ResolveMutationTable(catalog *Catalog, intent *Intent, message string) string {
	if intent != nil && intent.Table != "" && catalog.HasTable(intent.Table) {
		return intent.Table
	}

	lower := strings.ToLower(message)
	mentionsSchedule := strings.Contains(lower, "schedule") || strings.Contains(lower, "scheduler")
	if mentionsSchedule {
		if strings.Contains(lower, "task") && catalog.HasTable("scheduler_task_details") {
			return "scheduler_task_details"
		}
		if catalog.HasTable("scheduler_details") {
			return "scheduler_details"
		}
	}
	return catalog.ResolveTableFromQuery(message)
}
