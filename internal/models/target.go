// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies the type of conversation a target refers to.
type Kind string

const (
	KindDM    Kind = "dm"
	KindGroup Kind = "group"
	KindBoard Kind = "board"
)

// Valid reports whether k is one of the known conversation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDM, KindGroup, KindBoard:
		return true
	}

	return false
}

// IsRoom reports whether conversations of this kind are addressed as a
// room on the wire (groups and boards) rather than a peer (DMs).
func (k Kind) IsRoom() bool {
	return k == KindGroup || k == KindBoard
}

// Target references a single conversation.
type Target struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Key returns the conversation key all cache and sync state is stored
// under. IDs are NFC-normalized so the same peer typed on different
// keyboards maps to one cache entry.
func (t Target) Key() string {
	return string(t.Kind) + ":" + norm.NFC.String(t.ID)
}

// Valid reports whether the target has a known kind and non-empty id.
func (t Target) Valid() bool {
	return t.Kind.Valid() && strings.TrimSpace(t.ID) != ""
}

func (t Target) String() string {
	return t.Key()
}

// ParseKey is the inverse of Target.Key.
func ParseKey(key string) (Target, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q has no kind prefix", apperrors.ErrInvalidTarget, key)
	}

	t := Target{Kind: Kind(kind), ID: norm.NFC.String(id)}
	if !t.Valid() {
		return Target{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidTarget, key)
	}

	return t, nil
}

// ParseKeys parses a comma-separated list of conversation keys. Empty
// entries are skipped.
func ParseKeys(list string) ([]Target, error) {
	var targets []Target

	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		t, err := ParseKey(part)
		if err != nil {
			return nil, err
		}

		targets = append(targets, t)
	}

	return targets, nil
}
