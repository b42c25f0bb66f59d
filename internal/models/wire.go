package models

// HistoryRequestType is the type field of every outbound history request.
const HistoryRequestType = "history"

// HistoryRequest is sent through the transport. Exactly one of Peer or
// Room is set. BeforeID 0 asks for the most recent page. When SinceID is
// set the server returns rows strictly newer than it and BeforeID is
// omitted.
type HistoryRequest struct {
	Type     string `json:"type"`
	Peer     string `json:"peer,omitempty"`
	Room     string `json:"room,omitempty"`
	BeforeID *int64 `json:"before_id,omitempty"`
	SinceID  *int64 `json:"since_id,omitempty"`
	Limit    int    `json:"limit"`
	Preview  bool   `json:"preview,omitempty"`
}

// NewHistoryRequest addresses a request at the given target.
func NewHistoryRequest(t Target, limit int) HistoryRequest {
	req := HistoryRequest{Type: HistoryRequestType, Limit: limit}
	if t.Kind.IsRoom() {
		req.Room = t.ID
	} else {
		req.Peer = t.ID
	}

	return req
}

// HistoryResult is a page of history returned by the server. An echoed
// BeforeID marks a backward (tail or older) page; its absence marks a
// delta page.
type HistoryResult struct {
	Type     string    `json:"type,omitempty"`
	Room     string    `json:"room,omitempty"`
	Peer     string    `json:"peer,omitempty"`
	Rows     []Message `json:"rows"`
	BeforeID *int64    `json:"before_id,omitempty"`
	SinceID  *int64    `json:"since_id,omitempty"`
	HasMore  *bool     `json:"has_more,omitempty"`
	Preview  bool      `json:"preview,omitempty"`
	ReadUpTo *int64    `json:"read_up_to_id,omitempty"`
}

// IsBackward reports whether the result answers a tail or before page.
func (r HistoryResult) IsBackward() bool {
	return r.BeforeID != nil
}

// LiveMessage is a single message pushed by the server outside of any
// history request.
type LiveMessage struct {
	Type    string  `json:"type"`
	Room    string  `json:"room,omitempty"`
	Peer    string  `json:"peer,omitempty"`
	Message Message `json:"message"`
}

// Int64 returns a pointer to v, for optional wire fields.
func Int64(v int64) *int64 {
	return &v
}

// Bool returns a pointer to v, for optional wire fields.
func Bool(v bool) *bool {
	return &v
}
