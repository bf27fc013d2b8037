package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns the store under test. It may hand out the same store to
// every subtest: all fixtures use fresh random ids.
type Factory func(t *testing.T) domain.Store

// Run exercises the behaviour both storage backends must share.
func Run(t *testing.T, newStore Factory) {
	t.Run("OrgRoundTrip", func(t *testing.T) { testOrgRoundTrip(t, newStore(t)) })
	t.Run("DeleteOrgCascades", func(t *testing.T) { testDeleteOrgCascades(t, newStore(t)) })
	t.Run("CreatePollZeroesAggregate", func(t *testing.T) { testCreatePollZeroesAggregate(t, newStore(t)) })
	t.Run("CreatePollRequiresOrg", func(t *testing.T) { testCreatePollRequiresOrg(t, newStore(t)) })
	t.Run("ListOrgPolls", func(t *testing.T) { testListOrgPolls(t, newStore(t)) })
	t.Run("ClosePollIsIdempotent", func(t *testing.T) { testClosePollIsIdempotent(t, newStore(t)) })
	t.Run("IncrementAggregate", func(t *testing.T) { testIncrementAggregate(t, newStore(t)) })
	t.Run("RecordVote", func(t *testing.T) { testRecordVote(t, newStore(t)) })
	t.Run("RecordVoteRejectsRepeatVoter", func(t *testing.T) { testRecordVoteRejectsRepeatVoter(t, newStore(t)) })
	t.Run("RecordVoteChainsOntoHead", func(t *testing.T) { testRecordVoteChainsOntoHead(t, newStore(t)) })
	t.Run("RecordVoteRejectsClosedPoll", func(t *testing.T) { testRecordVoteRejectsClosedPoll(t, newStore(t)) })
	t.Run("AppendAuditIsWriteOnce", func(t *testing.T) { testAppendAuditIsWriteOnce(t, newStore(t)) })
	t.Run("ConcurrentVoters", func(t *testing.T) { testConcurrentVoters(t, newStore(t)) })
	t.Run("SameVoterRace", func(t *testing.T) { testSameVoterRace(t, newStore(t)) })
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrg(chatID int64) *domain.Organization {
	return &domain.Organization{
		ID:                     uuid.NewString(),
		Name:                   "Neighbourhood Watch",
		Purpose:                "street lighting",
		ScopeLevel:             domain.ScopeCountries,
		GeographicScope:        "ZA, NA",
		LogoURL:                "https://example.org/logo.png",
		ChatID:                 chatID,
		IDVerificationRequired: true,
		TelegramHandle:         "watch_za",
		CreatedAt:              epoch,
	}
}

func newPoll(orgID string) *domain.Poll {
	return &domain.Poll{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		Question:        "More street lights?",
		ScopeLevel:      domain.ScopeCity,
		GeographicScope: "Cape Town",
		StartAt:         epoch.Unix(),
		EndAt:           epoch.Add(24 * time.Hour).Unix(),
		Status:          domain.PollActive,
		HashSalt:        "c0ffee",
		CreatedAt:       epoch.Add(time.Second),
	}
}

func mustCreatePoll(t *testing.T, s domain.Store) *domain.Poll {
	t.Helper()
	ctx := context.Background()

	org := newOrg(-1000 - time.Now().UnixNano()%1000)
	require.NoError(t, s.CreateOrg(ctx, org))
	poll := newPoll(org.ID)
	require.NoError(t, s.CreatePoll(ctx, poll))
	return poll
}

// castVote records one vote, trying again whenever another writer moved the
// audit head first.
func castVote(ctx context.Context, s domain.Store, pollID, voterHash string, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
	for range 1000 {
		agg, err := s.RecordVote(ctx, domain.Ballot{
			PollID:     pollID,
			VoterHash:  voterHash,
			Vote:       vote,
			Attributes: attrs,
			Delta:      tally.NewDelta(vote, attrs),
			At:         epoch,
		})
		if errors.Is(err, domain.ErrConcurrentAppend) {
			continue
		}
		return agg, err
	}
	return nil, fmt.Errorf("gave up on %s", voterHash)
}

func assertOrgEqual(t *testing.T, want, got *domain.Organization) {
	t.Helper()
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v, got %v", want.CreatedAt, got.CreatedAt)
	w, g := *want, *got
	w.CreatedAt, g.CreatedAt = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

func assertPollEqual(t *testing.T, want, got *domain.Poll) {
	t.Helper()
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v, got %v", want.CreatedAt, got.CreatedAt)
	w, g := *want, *got
	w.CreatedAt, g.CreatedAt = time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

func testOrgRoundTrip(t *testing.T, s domain.Store) {
	ctx := context.Background()
	org := newOrg(4242)
	org.ChatID = int64(uuid.New().ID())

	require.NoError(t, s.CreateOrg(ctx, org))

	got, err := s.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assertOrgEqual(t, org, got)

	byChat, err := s.ListOrgsByChat(ctx, org.ChatID)
	require.NoError(t, err)
	require.Len(t, byChat, 1)
	assert.Equal(t, org.ID, byChat[0].ID)

	_, err = s.GetOrg(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)
}

func testDeleteOrgCascades(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)
	_, err := castVote(ctx, s, poll.ID, "voter-1", domain.VoteYes, domain.Attributes{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteOrg(ctx, poll.OrgID))

	_, err = s.GetOrg(ctx, poll.OrgID)
	assert.ErrorIs(t, err, domain.ErrOrgNotFound)
	_, err = s.GetPoll(ctx, poll.ID)
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
	_, err = s.GetAggregate(ctx, poll.ID)
	assert.ErrorIs(t, err, domain.ErrPollNotFound)

	polls, err := s.ListPolls(ctx)
	require.NoError(t, err)
	for _, p := range polls {
		assert.NotEqual(t, poll.ID, p.ID)
	}

	assert.ErrorIs(t, s.DeleteOrg(ctx, poll.OrgID), domain.ErrOrgNotFound)
}

func testCreatePollZeroesAggregate(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	got, err := s.GetPoll(ctx, poll.ID)
	require.NoError(t, err)
	assertPollEqual(t, poll, got)

	agg, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, &domain.Aggregate{PollID: poll.ID}, agg)

	latest, err := s.LatestAudit(ctx, poll.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	polls, err := s.ListPolls(ctx)
	require.NoError(t, err)
	found := false
	for _, p := range polls {
		found = found || p.ID == poll.ID
	}
	assert.True(t, found, "ListPolls must include the new poll")

	_, err = s.GetPoll(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
}

func testCreatePollRequiresOrg(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := newPoll(uuid.NewString())

	assert.ErrorIs(t, s.CreatePoll(ctx, poll), domain.ErrOrgNotFound)

	_, err := s.GetAggregate(ctx, poll.ID)
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
}

func testListOrgPolls(t *testing.T, s domain.Store) {
	ctx := context.Background()
	first := mustCreatePoll(t, s)
	second := newPoll(first.OrgID)
	require.NoError(t, s.CreatePoll(ctx, second))
	other := mustCreatePoll(t, s)

	polls, err := s.ListOrgPolls(ctx, first.OrgID)
	require.NoError(t, err)

	ids := make([]string, 0, len(polls))
	for _, p := range polls {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	assert.NotContains(t, ids, other.ID)
}

func testClosePollIsIdempotent(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	closed, err := s.ClosePoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.ClosePoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.False(t, closed, "second close must be a no-op")

	got, err := s.GetPoll(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PollClosed, got.Status)

	_, err = s.ClosePoll(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
}

func testIncrementAggregate(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	agg, err := s.IncrementAggregate(ctx, poll.ID, domain.Delta{
		domain.CounterTotalVotes: 2,
		domain.CounterYes:        1,
		domain.CounterNo:         1,
		domain.CounterAge55Plus:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalVotes)
	assert.Equal(t, int64(1), agg.YesCount)
	assert.Equal(t, int64(1), agg.NoCount)
	assert.Equal(t, int64(2), agg.Age55Plus)

	stored, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, agg, stored)

	_, err = s.IncrementAggregate(ctx, uuid.NewString(), domain.Delta{domain.CounterTotalVotes: 1})
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
}

func testRecordVote(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)
	attrs := domain.Attributes{AgeBracket: "25-34", Gender: "female", Residence: "in-country", VerificationMethod: "sa_id"}

	agg, err := castVote(ctx, s, poll.ID, "voter-a", domain.VoteYes, attrs)
	require.NoError(t, err)

	want := &domain.Aggregate{PollID: poll.ID}
	tally.Apply(want, tally.NewDelta(domain.VoteYes, attrs))
	assert.Equal(t, want, agg)

	voted, err := s.HasVoted(ctx, poll.ID, "voter-a")
	require.NoError(t, err)
	assert.True(t, voted)

	voted, err = s.HasVoted(ctx, poll.ID, "voter-b")
	require.NoError(t, err)
	assert.False(t, voted)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, "voter-a", entries[0].VoterHash)
	assert.Equal(t, domain.VoteYes, entries[0].Vote)
	assert.True(t, epoch.Equal(entries[0].Timestamp))
	assert.JSONEq(t, `{"age_bracket":"25-34","gender":"female","residence":"in-country","verification_method":"sa_id"}`, string(entries[0].Attributes))
	assert.NoError(t, tally.VerifyChain(poll.ID, entries))

	_, err = castVote(ctx, s, uuid.NewString(), "voter-a", domain.VoteYes, attrs)
	assert.ErrorIs(t, err, domain.ErrPollNotFound)
}

func testRecordVoteRejectsRepeatVoter(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	_, err := castVote(ctx, s, poll.ID, "voter-a", domain.VoteYes, domain.Attributes{})
	require.NoError(t, err)

	_, err = castVote(ctx, s, poll.ID, "voter-a", domain.VoteNo, domain.Attributes{})
	require.ErrorIs(t, err, domain.ErrAlreadyVoted)

	agg, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVotes)
	assert.Equal(t, int64(0), agg.NoCount)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testRecordVoteChainsOntoHead(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	// an entry appended outside RecordVote still becomes the predecessor
	first, err := tally.NextEntry(nil, poll.ID, domain.VoteYes, "voter-a", domain.Attributes{}, epoch)
	require.NoError(t, err)
	require.NoError(t, s.AppendAudit(ctx, first))

	_, err = castVote(ctx, s, poll.ID, "voter-b", domain.VoteNo, domain.Attributes{Gender: "other"})
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, tally.Digest(poll.ID, 2, domain.VoteNo, "voter-b", first.RollingDigest), entries[1].RollingDigest)
	assert.NoError(t, tally.VerifyChain(poll.ID, entries))
}

func testRecordVoteRejectsClosedPoll(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	_, err := castVote(ctx, s, poll.ID, "voter-a", domain.VoteYes, domain.Attributes{})
	require.NoError(t, err)
	_, err = s.ClosePoll(ctx, poll.ID)
	require.NoError(t, err)

	_, err = castVote(ctx, s, poll.ID, "voter-b", domain.VoteYes, domain.Attributes{})
	require.ErrorIs(t, err, domain.ErrPollEnded)

	voted, err := s.HasVoted(ctx, poll.ID, "voter-b")
	require.NoError(t, err)
	assert.False(t, voted, "a rejected ballot must not leave a voter key behind")

	agg, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVotes)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testAppendAuditIsWriteOnce(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)

	first, err := tally.NextEntry(nil, poll.ID, domain.VoteYes, "h1", domain.Attributes{}, epoch)
	require.NoError(t, err)
	require.NoError(t, s.AppendAudit(ctx, first))
	assert.ErrorIs(t, s.AppendAudit(ctx, first), domain.ErrConcurrentAppend)

	second, err := tally.NextEntry(&first, poll.ID, domain.VoteNo, "h2", domain.Attributes{}, epoch)
	require.NoError(t, err)
	third, err := tally.NextEntry(&second, poll.ID, domain.VoteNo, "h3", domain.Attributes{}, epoch)
	require.NoError(t, err)
	assert.ErrorIs(t, s.AppendAudit(ctx, third), domain.ErrConcurrentAppend, "gaps are rejected")

	require.NoError(t, s.AppendAudit(ctx, second))

	latest, err := s.LatestAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.Seq)
	assert.Equal(t, second.RollingDigest, latest.RollingDigest)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	assert.NoError(t, tally.VerifyChain(poll.ID, entries))
}

func testConcurrentVoters(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)
	const voters = 100

	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := range voters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vote := domain.VoteYes
			if i%2 == 1 {
				vote = domain.VoteNo
			}
			if _, err := castVote(ctx, s, poll.ID, fmt.Sprintf("voter-%03d", i), vote, domain.Attributes{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(voters), agg.TotalVotes)
	assert.Equal(t, agg.TotalVotes, agg.YesCount+agg.NoCount)

	count, err := s.CountVoters(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(voters), count)

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.Len(t, entries, voters)
	assert.NoError(t, tally.VerifyChain(poll.ID, entries))
}

func testSameVoterRace(t *testing.T, s domain.Store) {
	ctx := context.Background()
	poll := mustCreatePoll(t, s)
	const racers = 20

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := castVote(ctx, s, poll.ID, "same-voter", domain.VoteYes, domain.Attributes{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyVoted)
	}
	assert.Equal(t, 1, succeeded)

	agg, err := s.GetAggregate(ctx, poll.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalVotes)
}
