package core

import (
	"fmt"
	"sync"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/state"

	"github.com/holiman/uint256"
)

// DefaultIdempotencyCapacity bounds the in-memory dedup tier.
const DefaultIdempotencyCapacity = 1_000_000

// PoolEngine is the pool accounting engine. Every mutation runs as one
// read-modify-validate-commit step under mu; queries take mu in read mode.
type PoolEngine struct {
	mu sync.RWMutex

	hasher      *StateHasher
	accounts    *ledger.AccountBook
	stable      *ledger.StableToken
	risk        *state.RiskEngine
	journalGen  *ledger.JournalGenerator
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	now         func() time.Time

	// Outside the hashed state: usernames are written through directory,
	// advice is rebuilt by later risk decisions.
	directory UsernameStore
	usernames map[string]string
	advice    map[string]string

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is emitted once per committed operation.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Journal  *ledger.Journal
	Outcome  Outcome
}

// EngineConfig wires a PoolEngine. Nil channels, checker and metrics are
// allowed.
type EngineConfig struct {
	StartSequence       int64
	RiskParams          state.RiskParams
	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker
	Directory           UsernameStore
	Metrics             *observability.Metrics
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput

	// Clock stamps commands submitted through the convenience methods.
	// Defaults to time.Now.
	Clock func() time.Time
}

func NewPoolEngine(cfg EngineConfig) *PoolEngine {
	accounts := ledger.NewAccountBook()
	stable := ledger.NewStableToken()
	risk := state.NewRiskEngine(cfg.RiskParams)

	capacity := cfg.IdempotencyCapacity
	if capacity == 0 {
		capacity = DefaultIdempotencyCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &PoolEngine{
		hasher:         NewStateHasher(),
		accounts:       accounts,
		stable:         stable,
		risk:           risk,
		journalGen:     ledger.NewJournalGenerator(cfg.StartSequence),
		validator:      ledger.NewInvariantValidator(accounts, stable, risk),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		metrics:        cfg.Metrics,
		now:            clock,
		directory:      cfg.Directory,
		usernames:      make(map[string]string),
		advice:         make(map[string]string),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// === Public operations ===

// Deposit credits principal and mints the same amount of stable token.
func (c *PoolEngine) Deposit(user string, amount uint256.Int) bool {
	return c.submit(event.EventTypeDeposit, user, amount).Accepted
}

// DepositCollateral posts collateral.
func (c *PoolEngine) DepositCollateral(user string, amount uint256.Int) bool {
	return c.submit(event.EventTypeDepositCollateral, user, amount).Accepted
}

// Borrow succeeds only if the post-borrow position stays collateralized.
func (c *PoolEngine) Borrow(user string, amount uint256.Int) bool {
	return c.submit(event.EventTypeBorrow, user, amount).Accepted
}

// Repay reduces debt, clamping at zero. Always accepted for a valid user.
func (c *PoolEngine) Repay(user string, amount uint256.Int) bool {
	return c.submit(event.EventTypeRepay, user, amount).Accepted
}

// WithdrawCollateral releases collateral if enough is posted and the
// remaining position stays collateralized.
func (c *PoolEngine) WithdrawCollateral(user string, amount uint256.Int) bool {
	return c.submit(event.EventTypeWithdrawCollateral, user, amount).Accepted
}

func (c *PoolEngine) submit(et event.EventType, user string, amount uint256.Int) Outcome {
	return c.Apply(event.New(et, event.Command{
		User:      user,
		Amount:    amount,
		Timestamp: c.now(),
	}))
}

// Apply runs one command through the pipeline and returns its outcome.
// A command with a request id is processed at most once; redeliveries get
// the recorded outcome.
func (c *PoolEngine) Apply(evt event.Event) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, _ := c.apply(evt, true)
	return out
}

// Replay re-applies a logged command during recovery. Nothing is emitted;
// the commit must land on wantSeq and reproduce wantHash.
func (c *PoolEngine) Replay(evt event.Event, wantSeq int64, wantHash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, hash := c.apply(evt, false)
	if !out.Accepted {
		return fmt.Errorf("replay of sequence %d rejected: %s", wantSeq, out.Reason)
	}
	if out.Sequence != wantSeq {
		return fmt.Errorf("replay sequence mismatch: got %d, want %d", out.Sequence, wantSeq)
	}
	if hash != wantHash {
		return fmt.Errorf("state hash mismatch at sequence %d: got %x, want %x", wantSeq, hash, wantHash)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// apply must be called with mu held. It returns the outcome and, for
// committed operations, the new state hash.
func (c *PoolEngine) apply(evt event.Event, emit bool) (Outcome, [32]byte) {
	var noHash [32]byte

	if evt == nil {
		return rejected(ReasonUnknownCommand), noHash
	}

	start := time.Now()
	op := evt.EventType().String()
	key := evt.IdempotencyKey()

	// Step 1: idempotency. The log holds no duplicates, so replay skips it.
	if key != "" && emit {
		prior, seen, err := c.idempotency.Lookup(op, key)
		if err != nil {
			if c.metrics != nil {
				c.metrics.OpsRejected.WithLabelValues(op, ReasonDedupUnavailable).Inc()
			}
			return rejected(ReasonDedupUnavailable), noHash
		}
		if seen {
			return prior, noHash
		}
	}

	// Step 2: evaluate and commit
	cmd := evt.Base()
	var (
		jt      ledger.JournalType
		applied uint256.Int
		out     Outcome
	)
	if cmd.User == "" {
		out = rejected(ReasonInvalidArgument)
	} else {
		switch evt.(type) {
		case *event.Deposit:
			jt, out = c.handleDeposit(cmd, &applied)
		case *event.DepositCollateral:
			jt, out = c.handleDepositCollateral(cmd, &applied)
		case *event.Borrow:
			jt, out = c.handleBorrow(cmd, &applied)
		case *event.Repay:
			jt, out = c.handleRepay(cmd, &applied)
		case *event.WithdrawCollateral:
			jt, out = c.handleWithdrawCollateral(cmd, &applied)
		default:
			out = rejected(ReasonUnknownCommand)
		}
	}

	if !out.Accepted {
		if key != "" {
			c.idempotency.Record(op, key, out)
		}
		if c.metrics != nil {
			c.metrics.OpsRejected.WithLabelValues(op, out.Reason).Inc()
		}
		return out, noHash
	}

	// Step 3: journal
	seq := c.journalGen.Sequence()
	journal := c.journalGen.Generate(
		jt, key, cmd.User, &cmd.Amount, &applied,
		c.accounts.Get(cmd.User), c.stable.TotalSupply(), cmd.Timestamp.UnixMicro(),
	)
	if err := c.validator.ValidateJournal(&journal); err != nil {
		panic(fmt.Sprintf("FATAL: malformed journal: %v", err))
	}

	// Step 4: post-checks
	if err := c.postCheckInvariants(cmd.User); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: state hash
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest(&journal))
	if c.metrics != nil {
		c.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	out = accepted(seq)
	if key != "" {
		c.idempotency.Record(op, key, out)
	}

	// Step 6: emit. Persist is a blocking send for backpressure; projections
	// drop on a full channel and rebuild from the log.
	if emit {
		output := CoreOutput{
			Envelope: &event.EventEnvelope{
				Sequence:       seq,
				IdempotencyKey: key,
				EventType:      evt.EventType(),
				User:           cmd.User,
				Timestamp:      cmd.Timestamp,
				StateHash:      stateHash,
				PrevHash:       prevHash,
			},
			Journal: &journal,
			Outcome: out,
		}
		c.emit(output)
	}

	if c.metrics != nil {
		c.metrics.OpsApplied.WithLabelValues(op).Inc()
		c.metrics.Journals.WithLabelValues(jt.String()).Inc()
		c.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		c.metrics.Sequence.Set(float64(c.journalGen.Sequence()))
		c.metrics.Accounts.Set(float64(c.accounts.Len()))
		supply := c.stable.TotalSupply()
		borrowed := c.accounts.TotalBorrowed()
		c.metrics.TotalSupply.Set(observability.AmountFloat(&supply))
		c.metrics.TotalBorrowed.Set(observability.AmountFloat(&borrowed))
	}

	return out, stateHash
}

func (c *PoolEngine) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("accounts").Inc()
			}
		}
	}
}

// === Handlers ===
// Each handler evaluates on copies, commits only when accepted, and writes
// the effective amount into applied.

func (c *PoolEngine) handleDeposit(cmd *event.Command, applied *uint256.Int) (ledger.JournalType, Outcome) {
	jt := ledger.JournalTypeDeposit
	cur := c.accounts.Get(cmd.User)

	var next uint256.Int
	if _, overflow := next.AddOverflow(&cur.Deposited, &cmd.Amount); overflow || !c.stable.CanCredit(&cmd.Amount) {
		return jt, rejectedBy(state.VerdictOverflow)
	}

	acct := c.accounts.GetOrCreate(cmd.User)
	c.accounts.SetDeposited(acct, &next)
	c.stable.Credit(cmd.User, &cmd.Amount)
	applied.Set(&cmd.Amount)
	return jt, Outcome{Accepted: true}
}

func (c *PoolEngine) handleDepositCollateral(cmd *event.Command, applied *uint256.Int) (ledger.JournalType, Outcome) {
	jt := ledger.JournalTypeCollateralDeposit
	cur := c.accounts.Get(cmd.User)

	var next uint256.Int
	if _, overflow := next.AddOverflow(&cur.Collateral, &cmd.Amount); overflow {
		return jt, rejectedBy(state.VerdictOverflow)
	}

	acct := c.accounts.GetOrCreate(cmd.User)
	c.accounts.SetCollateral(acct, &next)
	applied.Set(&cmd.Amount)
	return jt, Outcome{Accepted: true}
}

func (c *PoolEngine) handleBorrow(cmd *event.Command, applied *uint256.Int) (ledger.JournalType, Outcome) {
	jt := ledger.JournalTypeBorrow
	cur := c.accounts.Get(cmd.User)

	available := c.poolAvailable()
	if v := c.risk.EvaluateBorrow(cur, &cmd.Amount, &available); !v.IsSafe() {
		c.setAdvice(cmd.User, state.Advice(state.ActionBorrow, v))
		return jt, rejectedBy(v)
	}

	var next uint256.Int
	next.Add(&cur.Borrowed, &cmd.Amount)

	acct := c.accounts.GetOrCreate(cmd.User)
	c.accounts.SetBorrowed(acct, &next)
	applied.Set(&cmd.Amount)
	return jt, Outcome{Accepted: true}
}

func (c *PoolEngine) handleRepay(cmd *event.Command, applied *uint256.Int) (ledger.JournalType, Outcome) {
	jt := ledger.JournalTypeRepay
	acct := c.accounts.GetOrCreate(cmd.User)

	// Clamp at zero: excess repayment is absorbed.
	if cmd.Amount.Gt(&acct.Borrowed) {
		applied.Set(&acct.Borrowed)
	} else {
		applied.Set(&cmd.Amount)
	}

	var next uint256.Int
	next.Sub(&acct.Borrowed, applied)
	c.accounts.SetBorrowed(acct, &next)
	return jt, Outcome{Accepted: true}
}

func (c *PoolEngine) handleWithdrawCollateral(cmd *event.Command, applied *uint256.Int) (ledger.JournalType, Outcome) {
	jt := ledger.JournalTypeCollateralWithdrawal
	cur := c.accounts.Get(cmd.User)

	v := c.risk.EvaluateWithdrawCollateral(cur, &cmd.Amount)
	if !v.IsSafe() {
		c.setAdvice(cmd.User, state.Advice(state.ActionWithdrawCollateral, v))
		return jt, rejectedBy(v)
	}

	var next uint256.Int
	next.Sub(&cur.Collateral, &cmd.Amount)

	acct := c.accounts.GetOrCreate(cmd.User)
	c.accounts.SetCollateral(acct, &next)
	applied.Set(&cmd.Amount)
	c.setAdvice(cmd.User, state.Advice(state.ActionWithdrawCollateral, v))
	return jt, Outcome{Accepted: true}
}

// poolAvailable is Σ deposited - Σ borrowed, floored at zero.
func (c *PoolEngine) poolAvailable() uint256.Int {
	deposited := c.accounts.TotalDeposited()
	borrowed := c.accounts.TotalBorrowed()
	var out uint256.Int
	if deposited.Gt(&borrowed) {
		out.Sub(&deposited, &borrowed)
	}
	return out
}

// postCheckInvariants runs the cheap per-commit checks: the touched account
// is collateralized and supply matches the deposit aggregate.
func (c *PoolEngine) postCheckInvariants(user string) error {
	if err := c.validator.ValidateAccount(user); err != nil {
		return err
	}
	supply := c.stable.TotalSupply()
	deposited := c.accounts.TotalDeposited()
	if !supply.Eq(&deposited) {
		return fmt.Errorf("total supply %s != total deposited %s", supply.Dec(), deposited.Dec())
	}
	return nil
}

// stateDigest builds the canonical bytes hashed into the chain for one
// committed journal.
func stateDigest(j *ledger.Journal) []byte {
	digest := make([]byte, 0, 1+1+len(j.User)+6*32)

	digest = append(digest, byte(j.JournalType))
	digest = append(digest, byte(len(j.User)))
	digest = append(digest, []byte(j.User)...)
	digest = appendAmount(digest, &j.Amount)
	digest = appendAmount(digest, &j.Applied)
	digest = appendAmount(digest, &j.Post.Deposited)
	digest = appendAmount(digest, &j.Post.Collateral)
	digest = appendAmount(digest, &j.Post.Borrowed)
	digest = appendAmount(digest, &j.TotalSupply)

	return digest
}

func appendAmount(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

// === Queries ===

// GetUserAccount returns the account for user, or zeros. Never creates an
// entry.
func (c *PoolEngine) GetUserAccount(user string) ledger.UserAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accounts.Get(user)
}

// GetStableToken returns total supply and balances in first-credit order.
func (c *PoolEngine) GetStableToken() ledger.StableTokenSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stable.Snapshot()
}

// GetBalance returns user's stable token balance.
func (c *PoolEngine) GetBalance(user string) uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stable.BalanceOf(user)
}

// GetTotalSupply returns the stable token total supply.
func (c *PoolEngine) GetTotalSupply() uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stable.TotalSupply()
}

// ListUsers returns every account in first-seen order.
func (c *PoolEngine) ListUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accounts.Users()
}

// MaxBorrowable reports the additional debt user could take on under the
// collateral ratio alone.
func (c *PoolEngine) MaxBorrowable(user string) uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.risk.MaxBorrowable(c.accounts.Get(user))
}

// RiskParams returns the active borrowing policy.
func (c *PoolEngine) RiskParams() state.RiskParams {
	return c.risk.Params()
}

// IntegrityCheck runs every ledger invariant over the full state.
func (c *PoolEngine) IntegrityCheck() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validator.ValidateAll()
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed for a warm restart.
type SnapshotState struct {
	Sequence        int64 // last committed sequence, -1 before any commit
	StateHash       [32]byte
	Accounts        []ledger.AccountEntry
	Balances        []ledger.BalanceEntry
	IdempotencyKeys []IdempotencyRecord
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *PoolEngine) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &SnapshotState{
		Sequence:        c.journalGen.Sequence() - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Accounts:        c.accounts.Entries(),
		Balances:        c.stable.Snapshot().Balances,
		IdempotencyKeys: c.idempotency.lru.Records(),
	}
}

// RestoreFromSnapshot replaces the engine state with snap and verifies
// every invariant over the restored ledgers.
func (c *PoolEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.accounts.Restore(snap.Accounts); err != nil {
		return fmt.Errorf("restore accounts: %w", err)
	}
	if err := c.stable.Restore(snap.Balances); err != nil {
		return fmt.Errorf("restore stable token: %w", err)
	}
	if err := c.validator.ValidateAll(); err != nil {
		return fmt.Errorf("restored state invalid: %w", err)
	}

	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.Reset(snap.Sequence + 1)
	c.idempotency.lru.Warm(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.Sequence.Set(float64(c.journalGen.Sequence()))
		c.metrics.Accounts.Set(float64(c.accounts.Len()))
	}
	return nil
}

// WarmIdempotency loads recent outcomes into the LRU.
func (c *PoolEngine) WarmIdempotency(records []IdempotencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.Warm(records)
}

// GetSequence returns the sequence the next commit will carry.
func (c *PoolEngine) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.journalGen.Sequence()
}

// GetStateHash returns the current state hash (chain tip).
func (c *PoolEngine) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}
