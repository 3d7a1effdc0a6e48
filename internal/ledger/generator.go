package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates journal entries for committed mutations and owns
// the commit sequence.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Sequence returns the sequence the next journal will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// Reset moves the generator to a restored sequence.
func (jg *JournalGenerator) Reset(sequence int64) {
	jg.sequence = sequence
}

// Generate builds the journal for a committed mutation and advances the
// sequence. post and supply are the values after commit.
func (jg *JournalGenerator) Generate(
	jt JournalType,
	eventRef string,
	user string,
	amount *uint256.Int,
	applied *uint256.Int,
	post UserAccount,
	supply uint256.Int,
	timestamp int64,
) Journal {
	j := Journal{
		JournalID:   uuid.New(),
		EventRef:    eventRef,
		Sequence:    jg.sequence,
		JournalType: jt,
		User:        user,
		Post:        post,
		TotalSupply: supply,
		Timestamp:   timestamp,
	}
	j.Amount.Set(amount)
	j.Applied.Set(applied)

	jg.sequence++
	return j
}
