package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ledger"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData with decimal amounts.
const snapshotFormatVersion = 1

// SnapshotManager stores and loads engine snapshots for warm restart.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized engine state at a sequence.
type SnapshotData struct {
	Sequence    int64             `json:"sequence"`
	StateHash   []byte            `json:"state_hash"`
	Accounts    []AccountSnap     `json:"accounts"`
	Balances    []BalanceSnap     `json:"balances"`
	Idempotency []IdempotencySnap `json:"idempotency"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AccountSnap is a serializable user account.
type AccountSnap struct {
	User       string `json:"user"`
	Deposited  string `json:"deposited"`
	Collateral string `json:"collateral"`
	Borrowed   string `json:"borrowed"`
}

// BalanceSnap is a serializable stable token balance.
type BalanceSnap struct {
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// IdempotencySnap is a serializable LRU entry.
type IdempotencySnap struct {
	Key     string       `json:"key"`
	Outcome core.Outcome `json:"outcome"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromState converts engine state to its storage form.
func SnapshotFromState(st *core.SnapshotState, createdAt time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:    st.Sequence,
		StateHash:   append([]byte(nil), st.StateHash[:]...),
		Accounts:    make([]AccountSnap, 0, len(st.Accounts)),
		Balances:    make([]BalanceSnap, 0, len(st.Balances)),
		Idempotency: make([]IdempotencySnap, 0, len(st.IdempotencyKeys)),
		CreatedAt:   createdAt,
	}
	for _, e := range st.Accounts {
		snap.Accounts = append(snap.Accounts, AccountSnap{
			User:       e.User,
			Deposited:  e.Account.Deposited.Dec(),
			Collateral: e.Account.Collateral.Dec(),
			Borrowed:   e.Account.Borrowed.Dec(),
		})
	}
	for _, b := range st.Balances {
		snap.Balances = append(snap.Balances, BalanceSnap{User: b.User, Balance: b.Balance.Dec()})
	}
	for _, r := range st.IdempotencyKeys {
		snap.Idempotency = append(snap.Idempotency, IdempotencySnap{Key: r.Key, Outcome: r.Outcome})
	}
	return snap
}

// ToState parses the stored form back into engine state.
func (s *SnapshotData) ToState() (*core.SnapshotState, error) {
	st := &core.SnapshotState{
		Sequence:        s.Sequence,
		Accounts:        make([]ledger.AccountEntry, 0, len(s.Accounts)),
		Balances:        make([]ledger.BalanceEntry, 0, len(s.Balances)),
		IdempotencyKeys: make([]core.IdempotencyRecord, 0, len(s.Idempotency)),
	}
	if len(s.StateHash) != len(st.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", s.Sequence, len(s.StateHash))
	}
	copy(st.StateHash[:], s.StateHash)

	for _, a := range s.Accounts {
		var acct ledger.UserAccount
		var err error
		if acct.Deposited, err = ledger.ParseAmount(a.Deposited); err != nil {
			return nil, fmt.Errorf("account %q deposited: %w", a.User, err)
		}
		if acct.Collateral, err = ledger.ParseAmount(a.Collateral); err != nil {
			return nil, fmt.Errorf("account %q collateral: %w", a.User, err)
		}
		if acct.Borrowed, err = ledger.ParseAmount(a.Borrowed); err != nil {
			return nil, fmt.Errorf("account %q borrowed: %w", a.User, err)
		}
		st.Accounts = append(st.Accounts, ledger.AccountEntry{User: a.User, Account: acct})
	}
	for _, b := range s.Balances {
		bal, err := ledger.ParseAmount(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("balance %q: %w", b.User, err)
		}
		st.Balances = append(st.Balances, ledger.BalanceEntry{User: b.User, Balance: bal})
	}
	for _, r := range s.Idempotency {
		st.IdempotencyKeys = append(st.IdempotencyKeys, core.IdempotencyRecord{Key: r.Key, Outcome: r.Outcome})
	}
	return st, nil
}

// SaveSnapshot persists a snapshot as unverified and returns its encoded
// size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil
// on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after a restore check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// Prune keeps the newest keep verified snapshots and deletes older ones.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
