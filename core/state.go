// Package core implements the TAG assistant engine: the workflow graph that
// turns a natural-language message into safe SQL, the services the graph
// nodes depend on, and the per-session chat orchestrator.
package core

// Route is the top-level classification of an incoming message.
type Route string

const (
	RouteSQL  Route = "SQL"
	RouteChat Route = "CHAT"
)

// Operation is the SQL operation resolved from user intent.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
)

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SkipSQL is the sentinel sql_query value that short-circuits the
// validate/execute nodes. It is the only way for the builder to exit the
// pipeline early with guidance instead of SQL.
const SkipSQL = "SKIP"

// Message is one role-tagged conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Intent is the structured interpretation of a user message.
type Intent struct {
	Operation Operation      `json:"operation"`
	Table     string         `json:"table"`
	Filters   map[string]any `json:"filters"`
	Fields    map[string]any `json:"fields"`
}

// TokenUsage reports LLM token consumption for a single call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MutationContext carries a confirmed mutation from the session FSM into the
// graph. Its presence forces the router to SQL and makes the builder use the
// explicit fields instead of parsing free text.
type MutationContext struct {
	Operation Operation         `json:"operation"`
	Table     string            `json:"table"`
	Fields    map[string]string `json:"fields"`
}

// CollectedData is the structured portion of a workflow payload.
type CollectedData struct {
	Operation       Operation         `json:"operation"`
	Table           string            `json:"table"`
	RequiredFields  []string          `json:"required_fields"`
	CollectedFields map[string]string `json:"collected_fields,omitempty"`
}

// FormField describes one input in a form UI descriptor.
type FormField struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// FormUI is the builder's form descriptor, used as a hint when the
// orchestrator has not yet built a richer menu.
type FormUI struct {
	Type        string      `json:"type"`
	State       string      `json:"state"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Fields      []FormField `json:"fields"`
}

// WorkflowPayload signals an in-progress mutation workflow to the caller.
type WorkflowPayload struct {
	WorkflowID    string        `json:"workflow_id"`
	State         string        `json:"state"`
	Completed     bool          `json:"completed"`
	NextField     string        `json:"next_field,omitempty"`
	CollectedData CollectedData `json:"collected_data"`
	UI            *FormUI       `json:"ui,omitempty"`
}

// State is the per-invocation state bag flowing through the workflow graph.
// Nodes read and write it; the orchestrator owns it for the duration of one
// request.
type State struct {
	Messages        []Message
	Metadata        map[string]any
	Route           Route
	Intent          *Intent
	SQLQuery        string
	SQLResult       string
	RowCount        int
	RowsPreview     []map[string]any
	Err             string
	WorkflowPayload *WorkflowPayload
	TokenUsage      *TokenUsage
	Labels          []string
}

// LastUserMessage returns the content of the most recent user turn.
func (s *State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// LastMessage returns the content of the final turn regardless of role.
func (s *State) LastMessage() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].Content
}

// reply appends an assistant turn.
func (s *State) reply(content string) {
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: content})
}

// MutationContext extracts a mutation context from the request metadata, or
// nil when none is present.
func (s *State) MutationContext() *MutationContext {
	raw, ok := s.Metadata["mutation_context"]
	if !ok {
		return nil
	}
	if mc, ok := raw.(*MutationContext); ok {
		return mc
	}
	if m, ok := raw.(map[string]any); ok {
		mc := &MutationContext{
			Operation: Operation(str(m["operation"])),
			Table:     str(m["table"]),
			Fields:    map[string]string{},
		}
		if fields, ok := m["fields"].(map[string]any); ok {
			for k, v := range fields {
				mc.Fields[k] = str(v)
			}
		}
		return mc
	}
	return nil
}

// str renders any metadata value as a string, empty for nil.
func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}
