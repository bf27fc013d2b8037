package domain

import (
	"context"
	"encoding/json"
	"time"
)

type Vote string

const (
	VoteYes Vote = "yes"
	VoteNo  Vote = "no"
)

// ParseVote returns the vote for s and whether it is a valid choice.
func ParseVote(s string) (Vote, bool) {
	switch v := Vote(s); v {
	case VoteYes, VoteNo:
		return v, true
	default:
		return "", false
	}
}

// Attributes are the optional, self-declared demographics attached to a vote.
type Attributes struct {
	AgeBracket         string `json:"age_bracket,omitempty"`
	Gender             string `json:"gender,omitempty"`
	Residence          string `json:"residence,omitempty"`
	VerificationMethod string `json:"verification_method,omitempty"`
}

// Counter names one column of the per-poll aggregate row.
type Counter string

const (
	CounterTotalVotes         Counter = "total_votes"
	CounterYes                Counter = "yes_count"
	CounterNo                 Counter = "no_count"
	CounterVerifiedTotal      Counter = "verified_total"
	CounterVerifiedSelfAttest Counter = "verified_self_attest"
	CounterVerifiedSAID       Counter = "verified_sa_id"
	CounterAgeUnder18         Counter = "age_under_18"
	CounterAge18To24          Counter = "age_18_24"
	CounterAge25To34          Counter = "age_25_34"
	CounterAge35To44          Counter = "age_35_44"
	CounterAge45To54          Counter = "age_45_54"
	CounterAge55Plus          Counter = "age_55_plus"
	CounterGenderMale         Counter = "gender_male"
	CounterGenderFemale       Counter = "gender_female"
	CounterGenderOther        Counter = "gender_other"
	CounterGenderUnspecified  Counter = "gender_unspecified"
	CounterResidenceIn        Counter = "residence_in_country"
	CounterResidenceOutside   Counter = "residence_outside"
	CounterResidenceUnknown   Counter = "residence_unspecified"
)

// AllCounters lists every aggregate column in storage order.
var AllCounters = []Counter{
	CounterTotalVotes, CounterYes, CounterNo,
	CounterVerifiedTotal, CounterVerifiedSelfAttest, CounterVerifiedSAID,
	CounterAgeUnder18, CounterAge18To24, CounterAge25To34, CounterAge35To44, CounterAge45To54, CounterAge55Plus,
	CounterGenderMale, CounterGenderFemale, CounterGenderOther, CounterGenderUnspecified,
	CounterResidenceIn, CounterResidenceOutside, CounterResidenceUnknown,
}

// Delta is a set of increments applied to an aggregate as one atomic unit.
type Delta map[Counter]int64

// Aggregate is the running counter row of one poll. It holds no identifying data.
type Aggregate struct {
	PollID string `json:"poll_id"`

	TotalVotes int64 `json:"total_votes"`
	YesCount   int64 `json:"yes_count"`
	NoCount    int64 `json:"no_count"`

	VerifiedTotal      int64 `json:"verified_total"`
	VerifiedSelfAttest int64 `json:"verified_self_attest"`
	VerifiedSAID       int64 `json:"verified_sa_id"`

	AgeUnder18 int64 `json:"age_under_18"`
	Age18To24  int64 `json:"age_18_24"`
	Age25To34  int64 `json:"age_25_34"`
	Age35To44  int64 `json:"age_35_44"`
	Age45To54  int64 `json:"age_45_54"`
	Age55Plus  int64 `json:"age_55_plus"`

	GenderMale        int64 `json:"gender_male"`
	GenderFemale      int64 `json:"gender_female"`
	GenderOther       int64 `json:"gender_other"`
	GenderUnspecified int64 `json:"gender_unspecified"`

	ResidenceInCountry   int64 `json:"residence_in_country"`
	ResidenceOutside     int64 `json:"residence_outside"`
	ResidenceUnspecified int64 `json:"residence_unspecified"`
}

// Field returns a pointer to the column c, or nil for an unknown counter.
func (a *Aggregate) Field(c Counter) *int64 {
	switch c {
	case CounterTotalVotes:
		return &a.TotalVotes
	case CounterYes:
		return &a.YesCount
	case CounterNo:
		return &a.NoCount
	case CounterVerifiedTotal:
		return &a.VerifiedTotal
	case CounterVerifiedSelfAttest:
		return &a.VerifiedSelfAttest
	case CounterVerifiedSAID:
		return &a.VerifiedSAID
	case CounterAgeUnder18:
		return &a.AgeUnder18
	case CounterAge18To24:
		return &a.Age18To24
	case CounterAge25To34:
		return &a.Age25To34
	case CounterAge35To44:
		return &a.Age35To44
	case CounterAge45To54:
		return &a.Age45To54
	case CounterAge55Plus:
		return &a.Age55Plus
	case CounterGenderMale:
		return &a.GenderMale
	case CounterGenderFemale:
		return &a.GenderFemale
	case CounterGenderOther:
		return &a.GenderOther
	case CounterGenderUnspecified:
		return &a.GenderUnspecified
	case CounterResidenceIn:
		return &a.ResidenceInCountry
	case CounterResidenceOutside:
		return &a.ResidenceOutside
	case CounterResidenceUnknown:
		return &a.ResidenceUnspecified
	default:
		return nil
	}
}

// AuditEntry is one link of a poll's hash-chained vote log.
type AuditEntry struct {
	PollID        string          `json:"poll_id"`
	Seq           int64           `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Vote          Vote            `json:"vote"`
	Attributes    json.RawMessage `json:"attributes"`
	VoterHash     string          `json:"voter_hash"`
	RollingDigest string          `json:"rolling_digest"`
}

// Ballot is the unit RecordVote writes: the voter key, the aggregate increments and
// the vote the store chains onto the audit log, stamped At.
type Ballot struct {
	PollID     string
	VoterHash  string
	Vote       Vote
	Attributes Attributes
	Delta      Delta
	At         time.Time
}

type TallyStore interface {
	GetAggregate(ctx context.Context, pollID string) (*Aggregate, error)
	IncrementAggregate(ctx context.Context, pollID string, delta Delta) (*Aggregate, error)

	HasVoted(ctx context.Context, pollID, voterHash string) (bool, error)
	CountVoters(ctx context.Context, pollID string) (int64, error)

	// RecordVote writes the voter key, applies the delta and appends the next audit entry
	// atomically. The entry is linked to the head as the store sees it at commit. It fails
	// with ErrPollEnded when the poll is closed, ErrAlreadyVoted when the voter key exists
	// and ErrConcurrentAppend when another writer moved the head between read and commit.
	// Stores that read the head under a lock never report the last one.
	RecordVote(ctx context.Context, ballot Ballot) (*Aggregate, error)

	// AppendAudit stores entry only if (PollID, Seq) is free and Seq-1 exists.
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// LatestAudit returns the highest-seq entry, or nil when the log is empty.
	LatestAudit(ctx context.Context, pollID string) (*AuditEntry, error)
	ListAudit(ctx context.Context, pollID string) ([]AuditEntry, error)
}
