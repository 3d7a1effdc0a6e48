package persistence

import (
	"context"
	"database/sql"
	"time"

	"PoolLedger/internal/core"
)

// PostgresUsernameStore keeps signups in directory.usernames.
type PostgresUsernameStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresUsernameStore(db *sql.DB) *PostgresUsernameStore {
	return &PostgresUsernameStore{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// SaveUsername inserts the pair unless user is already registered.
func (s *PostgresUsernameStore) SaveUsername(user, username string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO directory.usernames (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, user, username)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadUsernames returns every registered pair in signup order.
func (s *PostgresUsernameStore) LoadUsernames(ctx context.Context) ([]core.UsernameEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username
		FROM directory.usernames
		ORDER BY created_at, user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []core.UsernameEntry
	for rows.Next() {
		var e core.UsernameEntry
		if err := rows.Scan(&e.User, &e.Username); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
