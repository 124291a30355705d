package hipaa

import "sync"

// Store is the local append-only ledger behind an AuditLogger. It is the
// source of truth for Query and ComplianceReport and the retention buffer
// while the durable sink is unavailable. Implementations must be safe for
// concurrent use and must never modify or drop an appended entry.
type Store interface {
	Append(entry AuditEntry)
	Len() int
	// Since returns copies of the entries at positions >= offset.
	Since(offset int) []AuditEntry
	// Snapshot returns copies of every entry in append order.
	Snapshot() []AuditEntry
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]AuditEntry, 0, 64)}
}

// Append adds entry to the end of the ledger.
func (s *MemoryStore) Append(entry AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Since returns copies of the entries from offset on.
func (s *MemoryStore) Since(offset int) []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.entries) {
		return nil
	}
	out := make([]AuditEntry, 0, len(s.entries)-offset)
	for _, e := range s.entries[offset:] {
		out = append(out, e.clone())
	}
	return out
}

// Snapshot returns copies of every entry.
func (s *MemoryStore) Snapshot() []AuditEntry {
	return s.Since(0)
}
