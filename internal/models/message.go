package models

import "strconv"

// MessageKind is the direction of a message relative to the local user.
type MessageKind string

const (
	MessageIn  MessageKind = "in"
	MessageOut MessageKind = "out"
	MessageSys MessageKind = "sys"
)

// Attachment describes media carried by a message. Width and Height are
// zero until the server has probed the media.
type Attachment struct {
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
	Size   int64  `json:"size,omitempty"`
	URL    string `json:"url,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Message is a single timeline row. A message is server-anchored once ID
// is positive. Optimistic local messages only carry LocalID until the
// server echoes them back with an ID.
type Message struct {
	ID         int64       `json:"id,omitempty"`
	LocalID    string      `json:"localId,omitempty"`
	TS         int64       `json:"ts"`
	From       string      `json:"from"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Kind       MessageKind `json:"kind"`
}

// Anchored reports whether the message carries a server id.
func (m Message) Anchored() bool {
	return m.ID > 0
}

// StableKey identifies a row across re-renders. Server id wins over the
// local id so a placeholder keeps its identity only until it is anchored.
func (m Message) StableKey() string {
	if m.ID > 0 {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}

	if m.LocalID != "" {
		return "local:" + m.LocalID
	}

	return ""
}
