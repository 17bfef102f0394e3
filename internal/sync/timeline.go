package sync

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
)

// Timeline is one conversation's messages, unique by ID and sorted by
// (Timestamp, ID). It is not safe for concurrent use; the engine loop owns
// every Timeline.
type Timeline struct {
	msgs []model.Message
	byID map[string]model.Message
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]model.Message)}
}

// Len returns the number of messages.
func (t *Timeline) Len() int { return len(t.msgs) }

// Get returns the message with the given ID.
func (t *Timeline) Get(id string) (model.Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// Insert adds m unless a message with the same ID is present. It reports
// whether m was added.
func (t *Timeline) Insert(m model.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	i, _ := slices.BinarySearchFunc(t.msgs, m, model.Compare)
	t.msgs = slices.Insert(t.msgs, i, m)
	t.byID[m.ID] = m
	return true
}

// Remove deletes the message with the given ID.
func (t *Timeline) Remove(id string) (model.Message, bool) {
	m, ok := t.byID[id]
	if !ok {
		return model.Message{}, false
	}
	i, found := slices.BinarySearchFunc(t.msgs, m, model.Compare)
	if found {
		t.msgs = slices.Delete(t.msgs, i, i+1)
	}
	delete(t.byID, id)
	return m, true
}

// Replace swaps the message oldID for m. If m's ID is already present the
// old entry is only removed.
func (t *Timeline) Replace(oldID string, m model.Message) {
	t.Remove(oldID)
	t.Insert(m)
}

// Update replaces the stored copy of m.ID with m, keeping order.
func (t *Timeline) Update(m model.Message) bool {
	if _, ok := t.Remove(m.ID); !ok {
		return false
	}
	return t.Insert(m)
}

// Find returns the first message, in timeline order, matching fn.
func (t *Timeline) Find(fn func(model.Message) bool) (model.Message, bool) {
	for _, m := range t.msgs {
		if fn(m) {
			return m, true
		}
	}
	return model.Message{}, false
}

// Messages returns a copy of the ordered messages.
func (t *Timeline) Messages() []model.Message {
	return slices.Clone(t.msgs)
}
