package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// UserAccount is the per-user position in the pool.
type UserAccount struct {
	Deposited  uint256.Int
	Collateral uint256.Int
	Borrowed   uint256.Int
}

// AccountEntry pairs a user identity with its account, used for ordered
// enumeration and snapshot restore.
type AccountEntry struct {
	User    string
	Account UserAccount
}

// AccountBook maintains in-memory user accounts.
// Not thread-safe: only accessed under the engine lock.
type AccountBook struct {
	accounts map[string]*UserAccount
	order    []string // first-seen order

	totalDeposited uint256.Int
	totalBorrowed  uint256.Int
}

func NewAccountBook() *AccountBook {
	return &AccountBook{
		accounts: make(map[string]*UserAccount),
	}
}

// GetOrCreate returns the live record for user, creating a zeroed one if
// absent. Used only by mutating paths.
func (ab *AccountBook) GetOrCreate(user string) *UserAccount {
	if acct, ok := ab.accounts[user]; ok {
		return acct
	}
	acct := &UserAccount{}
	ab.accounts[user] = acct
	ab.order = append(ab.order, user)
	return acct
}

// Get returns a copy of the record for user, or a zero record. It never
// creates an entry.
func (ab *AccountBook) Get(user string) UserAccount {
	if acct, ok := ab.accounts[user]; ok {
		return *acct
	}
	return UserAccount{}
}

// Exists reports whether user has ever been referenced by a mutation.
func (ab *AccountBook) Exists(user string) bool {
	_, ok := ab.accounts[user]
	return ok
}

// Users returns user identities in first-seen order.
func (ab *AccountBook) Users() []string {
	out := make([]string, len(ab.order))
	copy(out, ab.order)
	return out
}

// Len returns the number of known accounts.
func (ab *AccountBook) Len() int {
	return len(ab.order)
}

// Entries returns copies of all accounts in first-seen order.
func (ab *AccountBook) Entries() []AccountEntry {
	out := make([]AccountEntry, 0, len(ab.order))
	for _, user := range ab.order {
		out = append(out, AccountEntry{User: user, Account: *ab.accounts[user]})
	}
	return out
}

// TotalDeposited returns Σ deposited over all accounts.
func (ab *AccountBook) TotalDeposited() uint256.Int {
	return ab.totalDeposited
}

// TotalBorrowed returns Σ borrowed over all accounts.
func (ab *AccountBook) TotalBorrowed() uint256.Int {
	return ab.totalBorrowed
}

// === Commit helpers ===
// Callers compute and validate the candidate value first; these only write.

// SetDeposited commits a new deposited value and keeps the aggregate in step.
func (ab *AccountBook) SetDeposited(acct *UserAccount, v *uint256.Int) {
	ab.totalDeposited.Sub(&ab.totalDeposited, &acct.Deposited)
	ab.totalDeposited.Add(&ab.totalDeposited, v)
	acct.Deposited.Set(v)
}

// SetBorrowed commits a new borrowed value and keeps the aggregate in step.
func (ab *AccountBook) SetBorrowed(acct *UserAccount, v *uint256.Int) {
	ab.totalBorrowed.Sub(&ab.totalBorrowed, &acct.Borrowed)
	ab.totalBorrowed.Add(&ab.totalBorrowed, v)
	acct.Borrowed.Set(v)
}

// SetCollateral commits a new collateral value.
func (ab *AccountBook) SetCollateral(acct *UserAccount, v *uint256.Int) {
	acct.Collateral.Set(v)
}

// Restore replaces the book contents, preserving the given order.
func (ab *AccountBook) Restore(entries []AccountEntry) error {
	accounts := make(map[string]*UserAccount, len(entries))
	order := make([]string, 0, len(entries))
	var deposited, borrowed uint256.Int

	for _, e := range entries {
		if _, dup := accounts[e.User]; dup {
			return fmt.Errorf("duplicate account %q in restore set", e.User)
		}
		acct := e.Account
		accounts[e.User] = &acct
		order = append(order, e.User)

		if _, overflow := deposited.AddOverflow(&deposited, &acct.Deposited); overflow {
			return fmt.Errorf("deposited total overflows at account %q", e.User)
		}
		if _, overflow := borrowed.AddOverflow(&borrowed, &acct.Borrowed); overflow {
			return fmt.Errorf("borrowed total overflows at account %q", e.User)
		}
	}

	ab.accounts = accounts
	ab.order = order
	ab.totalDeposited = deposited
	ab.totalBorrowed = borrowed
	return nil
}
