package core

import (
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// providerTag identifies this backend in result records.
const providerTag = "tag_backend"

const historyLimit = 20

// ChatRequest is one conversational turn. TraceID is assigned by the
// transport layer, not the client.
type ChatRequest struct {
	SessionID string         `json:"session_id" validate:"required"`
	Message   string         `json:"message" validate:"required"`
	UserID    any            `json:"user_id,omitempty"`
	UserRole  string         `json:"user_role,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"-"`
}

// SQLData is the data section of a result record. Ran is false when the
// statement never reached the database or failed there; Cached marks a
// replayed response.
type SQLData struct {
	SQL         string           `json:"query,omitempty"`
	RowCount    int              `json:"row_count"`
	RowsPreview []map[string]any `json:"rows_preview,omitempty"`
	Ran         bool             `json:"ran"`
	Cached      bool             `json:"cached"`
}

// Result is the terminal NDJSON record of a turn: type "result" on success,
// "error" on failure. Message holds the assistant text or the error text.
type Result struct {
	Type         string           `json:"type"`
	SessionID    string           `json:"session_id,omitempty"`
	Message      string           `json:"message,omitempty"`
	Status       string           `json:"status,omitempty"`
	Labels       []string         `json:"labels,omitempty"`
	Workflow     *WorkflowPayload `json:"workflow,omitempty"`
	Data         *SQLData         `json:"sql,omitempty"`
	Usage        *TokenUsage      `json:"token_usage,omitempty"`
	ProviderUsed string           `json:"provider_used,omitempty"`
	TraceID      string           `json:"trace_id,omitempty"`
}

// tokenRecord is the single content record preceding the result.
type tokenRecord struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Database error shapes the recovery layer understands.
var (
	invalidValueErr = regexp.MustCompile(`for column '([^']+)'`)
	missingFieldErr = regexp.MustCompile(`Field '([^']+)' doesn't have a default value`)
)

// ChatService orchestrates one session turn: locking, history, the mutation
// form conversation, response caching and the workflow graph.
type ChatService struct {
	assistant *Assistant
	cache     Cache
	locker    Locker
	log       *zap.SugaredLogger
}

// NewChatService wires the orchestrator.
func NewChatService(assistant *Assistant, cache Cache, locker Locker, log *zap.SugaredLogger) *ChatService {
	return &ChatService{assistant: assistant, cache: cache, locker: locker, log: log}
}

// StartSession mints a new session id.
func (s *ChatService) StartSession() string {
	return uuid.NewString()
}

// Stream processes one turn and writes the NDJSON records: exactly one token
// record followed by exactly one result or error record.
func (s *ChatService) Stream(ctx context.Context, req *ChatRequest, w io.Writer) error {
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.Metadata["session_id"] = req.SessionID
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	if !s.locker.Acquire(lockKey(req.SessionID), lockTTL) {
		return writeError(w, req.SessionID, req.TraceID,
			"Another request for this session is already in progress.")
	}
	defer s.locker.Release(lockKey(req.SessionID))

	res := s.processTurn(ctx, req)
	res.SessionID = req.SessionID
	res.ProviderUsed = providerTag
	res.TraceID = req.TraceID

	if res.Type == "error" {
		return writeError(w, req.SessionID, req.TraceID, res.Message)
	}
	if err := writeRecord(w, tokenRecord{Type: "token", Content: res.Message}); err != nil {
		return err
	}
	return writeRecord(w, res)
}

// processTurn runs the session logic and produces the terminal record.
func (s *ChatService) processTurn(ctx context.Context, req *ChatRequest) *Result {
	history := s.loadHistory(req.SessionID)

	// An in-flight mutation form owns the turn until confirmed or cancelled.
	if ms := s.loadMutation(req.SessionID); ms != nil {
		reply, mc, done := s.advanceMutation(req.SessionID, ms, req.Message)
		if !done {
			s.saveHistory(req.SessionID, history, req.Message, reply)
			return &Result{Type: "result", Status: "ok", Message: reply, Workflow: s.formPayload(ms)}
		}
		if mc == nil {
			// Cancelled.
			s.saveHistory(req.SessionID, history, req.Message, reply)
			return &Result{Type: "result", Status: "ok", Message: reply}
		}
		req.Metadata["mutation_context"] = mc
	}

	mutating := req.Metadata["mutation_context"] != nil

	key := chatKey(req.SessionID, len(history), req.Message)
	if !mutating {
		if data, ok := s.cache.Get(key); ok {
			var cached Result
			if err := json.Unmarshal(data, &cached); err == nil {
				if cached.Data != nil {
					cached.Data.Cached = true
				}
				// A replayed turn still advances the transcript.
				s.saveHistory(req.SessionID, history, req.Message, cached.Message)
				return &cached
			}
		}
	}

	st := &State{
		Messages: append(append([]Message{}, history...), Message{Role: RoleUser, Content: req.Message}),
		Metadata: req.Metadata,
	}
	if err := s.assistant.Run(ctx, st); err != nil {
		s.log.Errorf("workflow failed for session: %s", err)
		return &Result{Type: "error", Message: "The request could not be processed. Please try again."}
	}

	// A database rejection during a confirmed mutation reopens the form on
	// the offending field instead of surfacing a terminal failure.
	if mutating && st.Err != "" {
		if reply, ok := s.recoverMutation(req.SessionID, req.Metadata, st.Err); ok {
			s.saveHistory(req.SessionID, history, req.Message, reply)
			return &Result{Type: "result", Status: "ok", Message: reply, Workflow: s.formPayload(s.loadMutation(req.SessionID))}
		}
	}

	res := &Result{Type: "result", Status: "ok", Usage: st.TokenUsage, Labels: st.Labels}
	if st.Err != "" {
		res.Status = "error"
	}

	if st.WorkflowPayload != nil {
		// The graph opened a mutation form; the session layer owns the
		// conversation from here and renders the field menu.
		cd := st.WorkflowPayload.CollectedData
		ms := NewMutationState(cd.Operation, cd.Table, cd.RequiredFields)
		for k, v := range cd.CollectedFields {
			ms.Collected[k] = v
		}
		if ms.NextMissingField() == "" {
			ms.Awaiting = AwaitConfirmation
			res.Message = ms.renderConfirmation()
		} else {
			res.Message = ms.renderMenu()
		}
		s.saveMutation(req.SessionID, ms)
		res.Workflow = s.formPayload(ms)
	} else {
		res.Message = lastAssistant(st.Messages)
		if st.SQLQuery != "" && st.SQLQuery != SkipSQL {
			res.Data = &SQLData{
				SQL:         st.SQLQuery,
				RowCount:    st.RowCount,
				RowsPreview: st.RowsPreview,
				Ran:         st.Err == "",
			}
		}
	}

	s.saveHistory(req.SessionID, history, req.Message, res.Message)

	// Failed turns are never cached; a later identical turn must re-run.
	if !mutating && res.Workflow == nil && res.Status == "ok" {
		if data, err := json.Marshal(res); err == nil {
			s.cache.Set(key, data, responseTTL)
		}
	}
	return res
}

// advanceMutation applies one user message to the form conversation. done is
// true when the form finished: with a mutation context on confirmation, with
// mc nil on cancel.
func (s *ChatService) advanceMutation(sessionID string, ms *MutationState, message string) (reply string, mc *MutationContext, done bool) {
	if isCancel(message) {
		s.deleteMutation(sessionID)
		verb := "create"
		if ms.Operation == OpUpdate {
			verb = "update"
		}
		return "Cancelled the " + verb + " request.", nil, true
	}

	switch ms.Awaiting {
	case AwaitFieldSelection:
		switch strings.ToLower(strings.TrimSpace(message)) {
		case "more", "next":
			ms.Page++
			return s.renderCurrent(sessionID, ms), nil, false
		case "prev", "back":
			ms.Page--
			return s.renderCurrent(sessionID, ms), nil, false
		}
		if commandLike(message) {
			return s.renderCurrent(sessionID, ms), nil, false
		}
		if field := ms.SelectField(message); field != "" {
			ms.Pending = field
			ms.Awaiting = AwaitFieldValue
			s.saveMutation(sessionID, ms)
			return ms.renderValuePrompt(), nil, false
		}
		// Not a field choice; treat the text as a value for the next
		// missing field.
		return s.acceptValue(sessionID, ms, ms.NextMissingField(), message), nil, false

	case AwaitFieldValue:
		// Pair answers win over the command check so "update occurrence = 2"
		// fills the field instead of re-rendering.
		if reply, ok := s.acceptPairs(sessionID, ms, message); ok {
			return reply, nil, false
		}
		if commandLike(message) {
			return s.renderCurrent(sessionID, ms), nil, false
		}
		return s.acceptValue(sessionID, ms, ms.Pending, message), nil, false

	case AwaitConfirmation:
		if isConfirm(message) {
			s.deleteMutation(sessionID)
			return "", &MutationContext{
				Operation: ms.Operation,
				Table:     ms.Table,
				Fields:    ms.Collected,
			}, true
		}
		if isDecline(message) {
			ms.Awaiting = AwaitFieldSelection
			ms.Page = 0
			s.saveMutation(sessionID, ms)
			return ms.renderMenu(), nil, false
		}
		return ms.renderConfirmation(), nil, false
	}

	// Unknown awaiting state in the store; restart the menu.
	ms.Awaiting = AwaitFieldSelection
	return s.renderCurrent(sessionID, ms), nil, false
}

// acceptValue records one value for a field and advances the form: on to
// confirmation when nothing is missing, back to the first menu page otherwise.
func (s *ChatService) acceptValue(sessionID string, ms *MutationState, field, input string) string {
	if field == "" {
		return s.renderCurrent(sessionID, ms)
	}
	value := coerceOptionInput(field, input)
	if bad := validateFieldValue(field, value); bad != "" {
		ms.Pending = field
		ms.Awaiting = AwaitFieldValue
		s.saveMutation(sessionID, ms)
		return bad + "\n" + ms.renderValuePrompt()
	}
	ms.Collected[field] = value
	ms.Pending = ""
	ms.Page = 0
	if ms.NextMissingField() == "" {
		ms.Awaiting = AwaitConfirmation
		s.saveMutation(sessionID, ms)
		return ms.renderConfirmation()
	}
	ms.Awaiting = AwaitFieldSelection
	s.saveMutation(sessionID, ms)
	return ms.renderMenu()
}

// acceptPairs collects key=value pairs naming required fields. ok is false
// when the message carried no usable pair.
func (s *ChatService) acceptPairs(sessionID string, ms *MutationState, message string) (string, bool) {
	accepted := false
	for k, v := range ParseKVPairs(message) {
		if contains(ms.Required, k) && strings.TrimSpace(v) != "" {
			ms.Collected[k] = coerceOptionInput(k, v)
			accepted = true
		}
	}
	if !accepted {
		return "", false
	}
	ms.Pending = ""
	ms.Page = 0
	if ms.NextMissingField() == "" {
		ms.Awaiting = AwaitConfirmation
		s.saveMutation(sessionID, ms)
		return ms.renderConfirmation(), true
	}
	ms.Awaiting = AwaitFieldSelection
	s.saveMutation(sessionID, ms)
	return ms.renderMenu(), true
}

// renderCurrent re-renders the prompt for the current awaiting state.
func (s *ChatService) renderCurrent(sessionID string, ms *MutationState) string {
	s.saveMutation(sessionID, ms)
	switch ms.Awaiting {
	case AwaitFieldValue:
		return ms.renderValuePrompt()
	case AwaitConfirmation:
		return ms.renderConfirmation()
	default:
		return ms.renderMenu()
	}
}

// validateFieldValue rejects only empty input. Values are otherwise adopted
// verbatim; a value the database refuses comes back through the
// post-execution recovery path.
func validateFieldValue(_, value string) string {
	if strings.TrimSpace(value) == "" {
		return "A value is required."
	}
	return ""
}

// recoverMutation rebuilds the form state from a database rejection so the
// user can fix the offending field instead of starting over. Returns false
// when the error shape is not recoverable.
func (s *ChatService) recoverMutation(sessionID string, metadata map[string]any, dbErr string) (string, bool) {
	mc := (&State{Metadata: metadata}).MutationContext()
	if mc == nil {
		return "", false
	}

	required := s.assistant.Catalog().RequiredCreateFields(mc.Table)
	collected := map[string]string{}
	for k, v := range mc.Fields {
		collected[k] = v
	}

	var field, note string
	if m := invalidValueErr.FindStringSubmatch(dbErr); m != nil {
		field = m[1]
		delete(collected, field)
		note = "The value for " + fieldLabel(field) + " was rejected."
	} else if m := missingFieldErr.FindStringSubmatch(dbErr); m != nil {
		field = m[1]
		if !contains(required, field) {
			required = append(required, field)
		}
		note = fieldLabel(field) + " is required."
	} else {
		return "", false
	}

	ms := NewMutationState(mc.Operation, mc.Table, required)
	ms.Collected = collected
	ms.Awaiting = AwaitFieldValue
	ms.Pending = field
	s.saveMutation(sessionID, ms)

	return note + "\n" + ms.renderValuePrompt(), true
}

// formPayload mirrors the persisted form state as a workflow payload.
func (s *ChatService) formPayload(ms *MutationState) *WorkflowPayload {
	if ms == nil {
		return nil
	}
	payload := s.assistant.builder.MutationFormPayload(ms.Operation, ms.Table, ms.Required, ms.Collected)
	payload.State = ms.Awaiting
	if payload.UI != nil {
		payload.UI.State = ms.Awaiting
	}
	return payload
}

func (s *ChatService) loadHistory(sessionID string) []Message {
	data, ok := s.cache.Get(historyKey(sessionID))
	if !ok {
		return nil
	}
	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil
	}
	return history
}

// saveHistory appends the turn and persists the trimmed transcript.
func (s *ChatService) saveHistory(sessionID string, history []Message, userMsg, reply string) {
	history = append(history, Message{Role: RoleUser, Content: userMsg})
	if reply != "" {
		history = append(history, Message{Role: RoleAssistant, Content: reply})
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	if data, err := json.Marshal(history); err == nil {
		s.cache.Set(historyKey(sessionID), data, historyTTL)
	}
}

func (s *ChatService) loadMutation(sessionID string) *MutationState {
	data, ok := s.cache.Get(mutationKey(sessionID))
	if !ok {
		return nil
	}
	var ms MutationState
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil
	}
	if ms.Collected == nil {
		ms.Collected = map[string]string{}
	}
	return &ms
}

func (s *ChatService) saveMutation(sessionID string, ms *MutationState) {
	if data, err := json.Marshal(ms); err == nil {
		s.cache.Set(mutationKey(sessionID), data, mutationTTL)
	}
}

func (s *ChatService) deleteMutation(sessionID string) {
	s.cache.Delete(mutationKey(sessionID))
}

// lastAssistant returns the content of the final assistant turn.
func lastAssistant(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// writeRecord marshals one NDJSON record and terminates it with a newline.
func writeRecord(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode stream record")
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "failed to write stream record")
	}
	return nil
}

// writeError emits the single error record of a failed turn.
func writeError(w io.Writer, sessionID, traceID, msg string) error {
	return writeRecord(w, Result{
		Type:         "error",
		Status:       "error",
		Message:      msg,
		SessionID:    sessionID,
		TraceID:      traceID,
		ProviderUsed: providerTag,
	})
}
