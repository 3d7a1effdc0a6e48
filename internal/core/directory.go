package core

import "fmt"

const opSignup = "Signup"

// Rejection reasons for Signup.
const (
	ReasonAlreadyRegistered    = "already_registered"
	ReasonDirectoryUnavailable = "directory_unavailable"
)

// UsernameStore is the durable home of signups. Usernames are not part of
// the hashed ledger state, so they are written through before the engine
// accepts them rather than travelling in the operation log.
type UsernameStore interface {
	// SaveUsername inserts (user, username). It reports false without
	// error when user is already registered.
	SaveUsername(user, username string) (bool, error)
}

// UsernameEntry is one registered (user, username) pair.
type UsernameEntry struct {
	User     string
	Username string
}

// Signup registers a display name for user. It fails for an empty user or
// username and for a user that already has an account or a username.
func (c *PoolEngine) Signup(user, username string) bool {
	return c.SignupOutcome(user, username).Accepted
}

// SignupOutcome is Signup with the rejection reason. Signups carry no
// sequence.
func (c *PoolEngine) SignupOutcome(user, username string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.signup(user, username)
	if c.metrics != nil {
		if out.Accepted {
			c.metrics.OpsApplied.WithLabelValues(opSignup).Inc()
		} else {
			c.metrics.OpsRejected.WithLabelValues(opSignup, out.Reason).Inc()
		}
	}
	return out
}

func (c *PoolEngine) signup(user, username string) Outcome {
	if user == "" || username == "" {
		return rejected(ReasonInvalidArgument)
	}
	if _, ok := c.usernames[user]; ok || c.accounts.Exists(user) {
		return rejected(ReasonAlreadyRegistered)
	}
	if c.directory != nil {
		inserted, err := c.directory.SaveUsername(user, username)
		if err != nil {
			return rejected(ReasonDirectoryUnavailable)
		}
		if !inserted {
			return rejected(ReasonAlreadyRegistered)
		}
	}
	c.usernames[user] = username
	return Outcome{Accepted: true, Sequence: -1}
}

// GetUsername returns the username registered for user.
func (c *PoolEngine) GetUsername(user string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.usernames[user]
	return name, ok
}

// GetRiskAdvice returns the hint left by the last risk decision on user's
// account. Advice is advisory and not persisted.
func (c *PoolEngine) GetRiskAdvice(user string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	advice, ok := c.advice[user]
	return advice, ok
}

// RestoreUsernames loads the directory after a restart. A duplicate user
// means the store is corrupt.
func (c *PoolEngine) RestoreUsernames(entries []UsernameEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make(map[string]string, len(entries))
	for _, e := range entries {
		if _, dup := names[e.User]; dup {
			return fmt.Errorf("duplicate username entry for %q", e.User)
		}
		names[e.User] = e.Username
	}
	c.usernames = names
	return nil
}

// setAdvice must be called with mu held. Only known users get advice so a
// stream of rejected commands for unknown ids cannot grow the map.
func (c *PoolEngine) setAdvice(user, advice string) {
	if advice == "" {
		return
	}
	if _, ok := c.usernames[user]; !ok && !c.accounts.Exists(user) {
		return
	}
	c.advice[user] = advice
}
