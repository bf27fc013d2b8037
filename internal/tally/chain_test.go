package tally

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pscheid92/votetally/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, pollID string, n int) []domain.AuditEntry {
	t.Helper()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var entries []domain.AuditEntry
	var prev *domain.AuditEntry
	for i := range n {
		vote := domain.VoteYes
		if i%2 == 1 {
			vote = domain.VoteNo
		}
		e, err := NextEntry(prev, pollID, vote, Fingerprint(fmt.Sprint(i), pollID, "salt"), domain.Attributes{Gender: "other"}, at)
		require.NoError(t, err)
		entries = append(entries, e)
		prev = &entries[len(entries)-1]
	}
	return entries
}

func TestDigest_Formula(t *testing.T) {
	sum := sha256.Sum256([]byte("poll-1" + "1" + "yes" + "abc" + GenesisDigest))

	assert.Equal(t, hex.EncodeToString(sum[:]), Digest("poll-1", 1, domain.VoteYes, "abc", GenesisDigest))
	assert.Len(t, GenesisDigest, 64)
}

func TestNextEntry_SequencesFromOne(t *testing.T) {
	entries := buildChain(t, "poll-1", 3)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, Digest("poll-1", 1, entries[0].Vote, entries[0].VoterHash, GenesisDigest), entries[0].RollingDigest)
	assert.Equal(t, Digest("poll-1", 2, entries[1].Vote, entries[1].VoterHash, entries[0].RollingDigest), entries[1].RollingDigest)
	assert.JSONEq(t, `{"gender":"other"}`, string(entries[0].Attributes))
}

func TestVerifyChain_Intact(t *testing.T) {
	assert.NoError(t, VerifyChain("poll-1", buildChain(t, "poll-1", 50)))
	assert.NoError(t, VerifyChain("poll-1", nil))
}

func TestVerifyChain_DetectsMutation(t *testing.T) {
	entries := buildChain(t, "poll-1", 10)
	require.Equal(t, domain.VoteYes, entries[4].Vote)
	entries[4].Vote = domain.VoteNo

	err := VerifyChain("poll-1", entries)

	var chainErr *ChainError
	require.True(t, errors.As(err, &chainErr))
	assert.Equal(t, int64(5), chainErr.Seq)
}

func TestVerifyChain_MutationInvalidatesAllLaterDigests(t *testing.T) {
	original := buildChain(t, "poll-1", 8)
	tampered := make([]domain.AuditEntry, len(original))
	copy(tampered, original)
	tampered[2].VoterHash = "forged"

	// Recompute the chain from the tampered data and compare with the stored digests.
	prev := GenesisDigest
	for i, e := range tampered {
		recomputed := Digest(e.PollID, e.Seq, e.Vote, e.VoterHash, prev)
		if i < 2 {
			assert.Equal(t, original[i].RollingDigest, recomputed, "seq %d", e.Seq)
		} else {
			assert.NotEqual(t, original[i].RollingDigest, recomputed, "seq %d", e.Seq)
		}
		prev = recomputed
	}
}

func TestVerifyChain_DetectsGap(t *testing.T) {
	entries := buildChain(t, "poll-1", 5)
	entries = append(entries[:2], entries[3:]...)

	var chainErr *ChainError
	require.ErrorAs(t, VerifyChain("poll-1", entries), &chainErr)
	assert.Equal(t, int64(3), chainErr.Seq)
}

func TestVerifyChain_DetectsForeignPoll(t *testing.T) {
	entries := buildChain(t, "poll-2", 2)

	assert.Error(t, VerifyChain("poll-1", entries))
}

func TestReplay(t *testing.T) {
	entries := buildChain(t, "poll-1", 5)

	agg, err := Replay("poll-1", entries)
	require.NoError(t, err)

	assert.Equal(t, int64(5), agg.TotalVotes)
	assert.Equal(t, int64(3), agg.YesCount)
	assert.Equal(t, int64(2), agg.NoCount)
	assert.Equal(t, int64(5), agg.GenderOther)
	assert.Equal(t, int64(5), agg.ResidenceUnspecified)
}
