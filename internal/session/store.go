package session

import "sync"

// TranscriptSink receives every item appended to the transcript
type TranscriptSink interface {
	Append(item TranscriptItem) error
}

// MemoryStore keeps appended items in process
type MemoryStore struct {
	mu    sync.RWMutex
	items []TranscriptItem
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(item TranscriptItem) error {
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return nil
}

// Items returns a copy of the stored items
func (s *MemoryStore) Items() []TranscriptItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptItem, len(s.items))
	copy(out, s.items)
	return out
}

// Messages returns only message items
func (s *MemoryStore) Messages() []TranscriptItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TranscriptItem
	for _, item := range s.items {
		if item.Type == ItemMessage {
			out = append(out, item)
		}
	}
	return out
}
