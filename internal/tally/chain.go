package tally

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/votetally/internal/domain"
)

// GenesisDigest stands in for the predecessor digest of seq 1.
var GenesisDigest = strings.Repeat("0", 64)

// Digest computes hex(SHA-256(pollID ‖ seq ‖ vote ‖ voterHash ‖ prevDigest)).
func Digest(pollID string, seq int64, vote domain.Vote, voterHash, prevDigest string) string {
	h := sha256.New()
	h.Write([]byte(pollID))
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte(vote))
	h.Write([]byte(voterHash))
	h.Write([]byte(prevDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// NextEntry builds the entry that follows prev (nil for an empty log).
func NextEntry(prev *domain.AuditEntry, pollID string, vote domain.Vote, voterHash string, attrs domain.Attributes, at time.Time) (domain.AuditEntry, error) {
	seq := int64(1)
	prevDigest := GenesisDigest
	if prev != nil {
		seq = prev.Seq + 1
		prevDigest = prev.RollingDigest
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("failed to encode attributes: %w", err)
	}

	return domain.AuditEntry{
		PollID:        pollID,
		Seq:           seq,
		Timestamp:     at.UTC(),
		Vote:          vote,
		Attributes:    raw,
		VoterHash:     voterHash,
		RollingDigest: Digest(pollID, seq, vote, voterHash, prevDigest),
	}, nil
}

// ChainError describes the first entry at which a chain stops verifying.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyChain recomputes every digest from seq 1 upward. entries must be sorted by seq.
// It returns nil for an intact chain (including an empty one) and a *ChainError otherwise.
func VerifyChain(pollID string, entries []domain.AuditEntry) error {
	prev := GenesisDigest
	for i, e := range entries {
		want := int64(i + 1)
		if e.Seq != want {
			return &ChainError{Seq: want, Reason: fmt.Sprintf("expected seq %d, found %d", want, e.Seq)}
		}
		if e.PollID != pollID {
			return &ChainError{Seq: e.Seq, Reason: "entry belongs to poll " + e.PollID}
		}
		if got := Digest(e.PollID, e.Seq, e.Vote, e.VoterHash, prev); got != e.RollingDigest {
			return &ChainError{Seq: e.Seq, Reason: "digest mismatch"}
		}
		prev = e.RollingDigest
	}
	return nil
}

// Replay rebuilds the aggregate implied by an audit log.
func Replay(pollID string, entries []domain.AuditEntry) (*domain.Aggregate, error) {
	agg := &domain.Aggregate{PollID: pollID}
	for _, e := range entries {
		var attrs domain.Attributes
		if len(e.Attributes) > 0 {
			if err := json.Unmarshal(e.Attributes, &attrs); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of seq %d: %w", e.Seq, err)
			}
		}
		Apply(agg, NewDelta(e.Vote, attrs))
	}
	return agg, nil
}
