package cache

import (
	"slices"

	"github.com/alexjbarnes/timeline-sync/internal/models"
)

// mergeMessages folds incoming rows into existing and returns the new
// array. The result keeps anchored rows strictly ascending by id with no
// duplicates, followed by local placeholders in their original order.
//
// An incoming anchored row whose LocalID matches a cached placeholder
// replaces that placeholder; the dropped local ids are returned so the
// persisted copy can be cleaned up too.
func mergeMessages(existing, incoming []models.Message) ([]models.Message, MergeResult, []string) {
	var res MergeResult

	anchored := make([]models.Message, 0, len(existing)+len(incoming))
	var locals []models.Message

	for _, m := range existing {
		if m.Anchored() {
			anchored = append(anchored, m)
		} else {
			locals = append(locals, m)
		}
	}

	byID := make(map[int64]int, len(anchored))
	for i, m := range anchored {
		byID[m.ID] = i
	}

	var dropLocal []string

	sorted := true

	for _, m := range incoming {
		if !m.Anchored() {
			if m.LocalID == "" {
				continue
			}

			if i := indexLocal(locals, m.LocalID); i >= 0 {
				if !sameMessage(locals[i], m) {
					locals[i] = m
					res.Updated++
				}

				continue
			}

			locals = append(locals, m)
			res.Added++

			continue
		}

		if m.LocalID != "" {
			if i := indexLocal(locals, m.LocalID); i >= 0 {
				locals = slices.Delete(locals, i, i+1)
				dropLocal = append(dropLocal, m.LocalID)
				res.Replaced++
			}
		}

		if i, ok := byID[m.ID]; ok {
			if !sameMessage(anchored[i], m) {
				anchored[i] = m
				res.Updated++
			}

			continue
		}

		if n := len(anchored); n > 0 && anchored[n-1].ID > m.ID {
			sorted = false
		}

		byID[m.ID] = len(anchored)
		anchored = append(anchored, m)
		res.Added++
	}

	if !sorted {
		slices.SortStableFunc(anchored, func(a, b models.Message) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}

			return 0
		})
	}

	return append(anchored, locals...), res, dropLocal
}

func indexLocal(locals []models.Message, localID string) int {
	for i, m := range locals {
		if m.LocalID == localID {
			return i
		}
	}

	return -1
}

func sameMessage(a, b models.Message) bool {
	if a.ID != b.ID || a.LocalID != b.LocalID || a.TS != b.TS || a.From != b.From ||
		a.Text != b.Text || a.Kind != b.Kind {
		return false
	}

	switch {
	case a.Attachment == nil && b.Attachment == nil:
		return true
	case a.Attachment == nil || b.Attachment == nil:
		return false
	}

	return *a.Attachment == *b.Attachment
}
