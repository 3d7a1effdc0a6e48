package query

import "time"

// Amounts are base-10 strings: values reach 2^256-1 and do not fit a JSON
// number.

// AccountResponse is a user's position.
type AccountResponse struct {
	User          string `json:"user"`
	Deposited     string `json:"deposited"`
	Collateral    string `json:"collateral"`
	Borrowed      string `json:"borrowed"`
	MaxBorrowable string `json:"max_borrowable"`
	Username      string `json:"username,omitempty"`
	RiskAdvice    string `json:"risk_advice,omitempty"` // hint from the last risk decision
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// UsernameResponse is a registered display name.
type UsernameResponse struct {
	User     string `json:"user"`
	Username string `json:"username"`
}

// BalanceEntry is one stable token holder.
type BalanceEntry struct {
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// StableTokenResponse is the full stable token ledger in first-credit order.
type StableTokenResponse struct {
	TotalSupply  string         `json:"total_supply"`
	Balances     []BalanceEntry `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// BalanceResponse is one user's stable token balance.
type BalanceResponse struct {
	User         string `json:"user"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SupplyResponse is the stable token total supply.
type SupplyResponse struct {
	TotalSupply  string `json:"total_supply"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// UsersResponse lists accounts in first-seen order.
type UsersResponse struct {
	Users        []string `json:"users"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// OperationEntry is one committed operation in a user's history.
type OperationEntry struct {
	Sequence  int64     `json:"sequence"`
	OpType    string    `json:"op_type"`
	Amount    string    `json:"amount"`
	Applied   string    `json:"applied"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OperationHistoryResponse pages a user's history newest first.
type OperationHistoryResponse struct {
	User         string           `json:"user"`
	Operations   []OperationEntry `json:"operations"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	EngineError       string  `json:"engine_error,omitempty"`
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"`
	ProjectionDrift   string  `json:"projection_drift,omitempty"`
	EngineSequence    int64   `json:"engine_sequence"`
	PersistedSequence int64   `json:"persisted_sequence"`
	StateHash         string  `json:"state_hash"`
}
