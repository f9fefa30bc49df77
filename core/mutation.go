package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Awaiting states of a mutation conversation.
const (
	AwaitFieldSelection = "field_selection"
	AwaitFieldValue     = "field_value"
	AwaitConfirmation   = "confirmation"
)

const defaultPageSize = 5

// MutationState is the persisted per-session form-filling state. It survives
// turns in the session cache and is deleted on completion or cancel.
type MutationState struct {
	Operation Operation         `json:"operation"`
	Table     string            `json:"table"`
	Required  []string          `json:"required_fields"`
	Collected map[string]string `json:"collected_fields"`
	Awaiting  string            `json:"awaiting"`
	Pending   string            `json:"pending_field,omitempty"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}

// NewMutationState starts a fresh form for an operation on a table.
func NewMutationState(op Operation, table string, required []string) *MutationState {
	return &MutationState{
		Operation: op,
		Table:     table,
		Required:  required,
		Collected: map[string]string{},
		Awaiting:  AwaitFieldSelection,
		Page:      0,
		PageSize:  defaultPageSize,
	}
}

// RemainingFields returns required fields not yet collected, in declaration
// order.
func (ms *MutationState) RemainingFields() []string {
	var out []string
	for _, f := range ms.Required {
		if _, ok := ms.Collected[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// NextMissingField returns the first uncollected required field, "" when the
// form is complete.
func (ms *MutationState) NextMissingField() string {
	for _, f := range ms.Required {
		if _, ok := ms.Collected[f]; !ok {
			return f
		}
	}
	return ""
}

// pageOf slices one page of the remaining fields and reports whether more
// pages follow. The page number is clamped to the valid range.
func (ms *MutationState) pageOf(remaining []string) (fields []string, hasMore bool) {
	size := ms.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	if ms.Page < 0 {
		ms.Page = 0
	}
	if max := (len(remaining) - 1) / size; ms.Page > max {
		ms.Page = max
	}
	start := ms.Page * size
	end := start + size
	if end > len(remaining) {
		end = len(remaining)
	}
	return remaining[start:end], end < len(remaining)
}

// fieldKindName classifies a field for prompting and UI hints.
type fieldKindName string

const (
	kindDate    fieldKindName = "date"
	kindNumber  fieldKindName = "number"
	kindBoolean fieldKindName = "boolean"
	kindText    fieldKindName = "text"
)

var numericField = regexp.MustCompile(`(?i)(^id$|_id$|count|qty|quantity|amount|price|occurrence|number|ref_no)`)

// fieldKind derives the input kind from the column name.
func fieldKind(name string) fieldKindName {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "date"):
		return kindDate
	case lower == "is_active" || lower == "active" || lower == "enabled":
		return kindBoolean
	case numericField.MatchString(lower):
		return kindNumber
	default:
		return kindText
	}
}

// fieldOptions returns the labeled choice set for enumerated fields, nil for
// free-form fields. Labels carry the stored value in parentheses.
func fieldOptions(name string) []string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "occurrence"):
		return []string{"Daily (1)", "Weekly (2)", "Monthly (3)", "Quarterly (4)"}
	case fieldKind(name) == kindBoolean:
		return []string{"Yes (1)", "No (0)"}
	default:
		return nil
	}
}

// optionValue is the value in "Label (value)".
var optionValue = regexp.MustCompile(`\(([^)]+)\)\s*$`)

// coerceOptionInput maps user input onto an option value: the bare value, a
// 1-based option index, or a label substring all resolve. Free-form fields
// pass input through unchanged.
func coerceOptionInput(name, input string) string {
	options := fieldOptions(name)
	if options == nil {
		return strings.TrimSpace(input)
	}

	in := strings.ToLower(strings.TrimSpace(input))
	values := make([]string, len(options))
	for i, opt := range options {
		if m := optionValue.FindStringSubmatch(opt); m != nil {
			values[i] = m[1]
		}
	}

	for _, v := range values {
		if in == strings.ToLower(v) {
			return v
		}
	}
	if idx, err := strconv.Atoi(in); err == nil && idx >= 1 && idx <= len(options) {
		return values[idx-1]
	}
	for i, opt := range options {
		label := strings.ToLower(opt)
		if m := optionValue.FindStringIndex(label); m != nil {
			label = strings.TrimSpace(label[:m[0]])
		}
		if strings.Contains(label, in) {
			return values[i]
		}
	}
	return strings.TrimSpace(input)
}

var (
	cancelWords  = map[string]bool{"cancel": true, "stop": true, "exit": true, "abort": true}
	confirmWords = map[string]bool{"yes": true, "y": true, "confirm": true, "confirmed": true, "proceed": true}
	declineWords = map[string]bool{"no": true, "n": true, "edit": true, "change": true}

	commandPrefixes = []string{
		"create ", "insert ", "add ", "update ",
		"show ", "list ", "count ", "get ", "find ",
	}
)

// isCancel reports whether a message aborts the mutation.
func isCancel(message string) bool {
	return cancelWords[strings.ToLower(strings.TrimSpace(message))]
}

// isConfirm reports whether a message confirms execution.
func isConfirm(message string) bool {
	return confirmWords[strings.ToLower(strings.TrimSpace(message))]
}

// isDecline reports whether a message declines the confirmation and asks to
// keep editing.
func isDecline(message string) bool {
	return declineWords[strings.ToLower(strings.TrimSpace(message))]
}

// commandLike reports whether a message starts a new command rather than
// answering the pending form prompt. Such messages re-render the menu
// instead of being swallowed as field input.
func commandLike(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message)) + " "
	for _, prefix := range commandPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// renderMenu renders the field-selection prompt: collected values, one page
// of remaining fields with numeric indices, and the navigation hints.
func (ms *MutationState) renderMenu() string {
	verb := "Creating"
	if ms.Operation == OpUpdate {
		verb = "Updating"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s a record in %s.\n", verb, fieldLabel(ms.Table)))

	if len(ms.Collected) > 0 {
		sb.WriteString("Collected so far:\n")
		for _, f := range ms.Required {
			if v, ok := ms.Collected[f]; ok {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", fieldLabel(f), v))
			}
		}
	}

	remaining := ms.RemainingFields()
	if len(remaining) == 0 {
		sb.WriteString("All required fields are filled. Reply 'yes' to proceed or 'cancel' to abort.")
		return sb.String()
	}

	page, hasMore := ms.pageOf(remaining)
	sb.WriteString("Which field would you like to fill next?\n")
	offset := ms.Page * ms.PageSize
	for i, f := range page {
		sb.WriteString(fmt.Sprintf("%d. %s\n", offset+i+1, fieldLabel(f)))
	}
	if hasMore {
		sb.WriteString("Reply 'more' for more fields.\n")
	}
	sb.WriteString("Reply with a number or field name, or 'cancel' to abort.")
	return sb.String()
}

// renderValuePrompt asks for the value of the pending field, listing options
// for enumerated kinds and a format hint for dates.
func (ms *MutationState) renderValuePrompt() string {
	label := fieldLabel(ms.Pending)
	if options := fieldOptions(ms.Pending); options != nil {
		return fmt.Sprintf("Please choose a value for %s:\n%s", label, strings.Join(options, "\n"))
	}
	if fieldKind(ms.Pending) == kindDate {
		return fmt.Sprintf("Please provide %s (YYYY-MM-DD).", label)
	}
	return fmt.Sprintf("Please provide %s.", label)
}

// renderConfirmation summarizes the collected fields and asks to proceed.
func (ms *MutationState) renderConfirmation() string {
	var sb strings.Builder
	verb := "create"
	if ms.Operation == OpUpdate {
		verb = "update"
	}
	sb.WriteString(fmt.Sprintf("Ready to %s a record in %s with:\n", verb, fieldLabel(ms.Table)))
	for _, f := range ms.Required {
		if v, ok := ms.Collected[f]; ok {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", fieldLabel(f), v))
		}
	}
	for f, v := range ms.Collected {
		if !contains(ms.Required, f) {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", fieldLabel(f), v))
		}
	}
	sb.WriteString("Reply 'yes' to proceed, 'no' to edit, or 'cancel' to abort.")
	return sb.String()
}

// SelectField resolves user input as a field choice: a 1-based menu index
// into the remaining fields or a bare field name, case-insensitive with
// spaces treated as underscores.
func (ms *MutationState) SelectField(input string) string {
	in := strings.TrimSpace(input)
	remaining := ms.RemainingFields()

	if idx, err := strconv.Atoi(in); err == nil && idx >= 1 && idx <= len(remaining) {
		return remaining[idx-1]
	}

	norm := strings.ReplaceAll(strings.ToLower(in), " ", "_")
	for _, f := range ms.Required {
		if strings.ToLower(f) == norm {
			return f
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
