package models

import "encoding/json"

// Operation is one of the three protocol operations.
type Operation string

const (
	OperationTest   Operation = "test"
	OperationSchema Operation = "schema"
	OperationSync   Operation = "sync"
)

// State maps an entity name to its watermark. The connector never persists it;
// the caller hands it back on the next invocation.
type State map[string]string

// Clone copies the state so a response never aliases the request.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ResumeKey names the state entry that holds the cursor of an entity whose
// extraction stopped at the page cap.
func ResumeKey(entity string) string {
	return entity + "@resume"
}

// Resume continues an unfinished window: the next page to request under the
// unchanged watermark and the highest incremental value read so far.
type Resume struct {
	Page int    `json:"page"`
	Max  string `json:"max,omitempty"`
}

// Resume returns the cursor stored for entity. A missing or unreadable entry
// restarts the window from page 1.
func (s State) Resume(entity string) (Resume, bool) {
	raw, ok := s[ResumeKey(entity)]
	if !ok {
		return Resume{}, false
	}
	var r Resume
	if err := json.Unmarshal([]byte(raw), &r); err != nil || r.Page < 2 {
		return Resume{}, false
	}
	return r, true
}

// SetResume stores the cursor for entity, or clears it when r is nil.
func (s State) SetResume(entity string, r *Resume) {
	if r == nil {
		delete(s, ResumeKey(entity))
		return
	}
	raw, _ := json.Marshal(r)
	s[ResumeKey(entity)] = string(raw)
}

// Credentials for the source system. Empty fields fall back to configuration.
type Credentials struct {
	APIKey  string `json:"apiKey,omitempty"`
	Secret  string `json:"secret,omitempty"`
	AuthURL string `json:"authUrl,omitempty"`
	APIURL  string `json:"apiUrl,omitempty"`
}

// Merge fills empty fields from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	if c.APIKey == "" {
		c.APIKey = fallback.APIKey
	}
	if c.Secret == "" {
		c.Secret = fallback.Secret
	}
	if c.AuthURL == "" {
		c.AuthURL = fallback.AuthURL
	}
	if c.APIURL == "" {
		c.APIURL = fallback.APIURL
	}
	return c
}

// Complete reports whether every field needed to reach the source is set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != "" && c.AuthURL != "" && c.APIURL != ""
}

// SyncRequest is the inbound protocol message.
type SyncRequest struct {
	Operation   Operation   `json:"operation"`
	Credentials Credentials `json:"credentials"`
	State       State       `json:"state"`
	Entities    []string    `json:"entities,omitempty"`
}

// SyncResponse is returned by the sync operation.
type SyncResponse struct {
	State   State                   `json:"state"`
	Insert  map[string][]Record     `json:"insert"`
	Delete  map[string][]PrimaryKey `json:"delete"`
	HasMore bool                    `json:"hasMore"`
	Error   string                  `json:"error,omitempty"`
}

// NewSyncResponse starts a response carrying the incoming state.
func NewSyncResponse(state State) *SyncResponse {
	return &SyncResponse{
		State:  state.Clone(),
		Insert: make(map[string][]Record),
		Delete: make(map[string][]PrimaryKey),
	}
}

// TableSchema describes one destination table.
type TableSchema struct {
	PrimaryKey  []string          `json:"primary_key"`
	Columns     map[string]string `json:"columns"`
	Description string            `json:"description,omitempty"`
}

// SchemaResponse is returned by the schema operation.
type SchemaResponse struct {
	Schema map[string]TableSchema `json:"schema"`
	Error  string                 `json:"error,omitempty"`
}

// TestResponse is returned by the test operation.
type TestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse carries a protocol error without partial data.
type ErrorResponse struct {
	Error string `json:"error"`
}
