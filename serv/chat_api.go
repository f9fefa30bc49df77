package serv

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/rs/xid"

	"github.com/qbloq/tagserv/core"
)

const userContextHeader = "x-user-context"

// flushWriter flushes the response after every record so NDJSON lines reach
// the client as they are produced.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// apiV1StartSession mints a session id.
func (s *Service) apiV1StartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := s.chat.StartSession()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"session_id": sessionID,
		"message":    "Session started. Ask me about your tasks, assets, users and facilities.",
	})
}

// apiV1Chat processes one conversational turn and streams the NDJSON
// response. The request body carries session_id, message and optional
// metadata; the x-user-context header may add base64-encoded metadata.
func (s *Service) apiV1Chat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reqID := xid.New().String()

	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		http.Error(w, "session_id and message are required", http.StatusBadRequest)
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.TraceID = reqID

	applyUserContext(r.Header.Get(userContextHeader), &req)
	s.resolveUserName(r, &req)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	fw := flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}

	if err := s.chat.Stream(r.Context(), &req, fw); err != nil {
		s.log.Errorf("chat stream failed [%s]: %s", reqID, err)
	}
}

// applyUserContext reconciles the request-level user fields with the header
// context. Body fields win over the header and a malformed header is ignored
// rather than rejected; the resulting user_id/user_role are visible both on
// the request and in its metadata.
func applyUserContext(header string, req *core.ChatRequest) {
	if req.UserID != nil {
		req.Metadata["user_id"] = req.UserID
	}
	if req.UserRole != "" {
		req.Metadata["user_role"] = req.UserRole
	}

	mergeUserContext(header, req.Metadata)

	if req.UserID == nil {
		req.UserID = req.Metadata["user_id"]
	}
	if req.UserRole == "" {
		if role, ok := req.Metadata["user_role"].(string); ok {
			req.UserRole = role
		}
	}
}

// mergeUserContext decodes a base64 JSON object into the metadata, skipping
// keys already present.
func mergeUserContext(header string, metadata map[string]any) {
	if header == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(header)
		if err != nil {
			return
		}
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return
	}
	for k, v := range extra {
		if _, ok := metadata[k]; !ok {
			metadata[k] = v
		}
	}
}

// resolveUserName fills metadata.user_name from the database when only a
// numeric user_id was supplied.
func (s *Service) resolveUserName(r *http.Request, req *core.ChatRequest) {
	if _, ok := req.Metadata["user_name"]; ok {
		return
	}
	userID, ok := req.Metadata["user_id"]
	if !ok {
		return
	}
	conn := s.sessions.DBConn()
	if conn == "" {
		return
	}
	if name := s.sessions.DB().UserName(r.Context(), conn, userIDString(userID)); name != "" {
		req.Metadata["user_name"] = name
	}
}

// userIDString renders the user id metadata value, decoded JSON numbers
// included, as a plain string.
func userIDString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return jsonNumberString(n)
	default:
		return ""
	}
}

func jsonNumberString(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
