package projection

import (
	"sync"
	"time"

	"PoolLedger/internal/core"
)

// HistoryEntry is one committed operation as seen by a user.
type HistoryEntry struct {
	Sequence  int64
	OpType    string
	User      string
	Amount    string
	Applied   string
	RequestID string
	Timestamp time.Time
}

// HistoryProjection keeps a bounded in-memory operation history per user.
// It serves the history endpoint when Postgres is not configured.
type HistoryProjection struct {
	mu      sync.RWMutex
	perUser int
	entries map[string][]HistoryEntry
	lastSeq int64
}

func NewHistoryProjection(perUser int) *HistoryProjection {
	if perUser <= 0 {
		perUser = 1000
	}
	return &HistoryProjection{
		perUser: perUser,
		entries: make(map[string][]HistoryEntry),
		lastSeq: -1,
	}
}

// Apply records a committed operation.
func (p *HistoryProjection) Apply(out core.CoreOutput) {
	entry := HistoryEntry{
		Sequence:  out.Envelope.Sequence,
		OpType:    out.Journal.JournalType.String(),
		User:      out.Envelope.User,
		Amount:    out.Journal.Amount.Dec(),
		Applied:   out.Journal.Applied.Dec(),
		RequestID: out.Envelope.IdempotencyKey,
		Timestamp: out.Envelope.Timestamp,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list := append(p.entries[entry.User], entry)
	if len(list) > p.perUser {
		list = list[len(list)-p.perUser:]
	}
	p.entries[entry.User] = list
	if entry.Sequence > p.lastSeq {
		p.lastSeq = entry.Sequence
	}
}

// QueryByUser returns up to limit entries for user, newest first.
func (p *HistoryProjection) QueryByUser(user string, limit int) []HistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.entries[user]
	result := make([]HistoryEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}

// LastSequence is the newest sequence applied, -1 if none.
func (p *HistoryProjection) LastSequence() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}
