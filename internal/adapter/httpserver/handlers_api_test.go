package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	apperrors "github.com/pscheid92/votetally/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, body []byte) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestAuthentication(t *testing.T) {
	reg := &mockRegistry{
		listMyOrgsFn: func(_ context.Context, actor domain.Origin) ([]domain.Organization, error) {
			return []domain.Organization{{ID: "org-1", ChatID: actor.ChatID}}, nil
		},
	}
	srv := newTestServer(t, reg)

	t.Run("missing proof", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/orgs/mine", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "origin proof is required", decodeError(t, rec.Body.Bytes()).Error)
	})

	t.Run("forged proof", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/orgs/mine", "", "user=mallory&hash=bad")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, apperrors.TypeUnauthorized, decodeError(t, rec.Body.Bytes()).Type)
	})

	t.Run("valid proof", func(t *testing.T) {
		rec := serve(t, srv, http.MethodGet, "/api/orgs/mine", "", validProof)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"id":"org-1","name":"","scope_level":"","geographic_scope":"","chat_id":-1001,"id_verification_required":false,"created_at":"0001-01-01T00:00:00Z"}]`, rec.Body.String())
	})
}

func TestCreateOrg(t *testing.T) {
	var gotActor domain.Origin
	var gotReq app.CreateOrgRequest
	reg := &mockRegistry{
		createOrgFn: func(_ context.Context, actor domain.Origin, req app.CreateOrgRequest) (*domain.Organization, error) {
			gotActor, gotReq = actor, req
			return &domain.Organization{ID: "org-1", Name: req.Name, ChatID: actor.ChatID}, nil
		},
	}
	srv := newTestServer(t, reg)

	body := `{"name":"Civic Lab","scope_level":"countries","geographic_scope":"ZA,NA","telegram_handle":"civic_lab","origin_proof":"` + validProof + `"}`
	rec := serve(t, srv, http.MethodPost, "/api/orgs", body, "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, testOrigin, gotActor)
	assert.Equal(t, "Civic Lab", gotReq.Name)
	assert.Equal(t, "countries", gotReq.ScopeLevel)
	assert.Equal(t, "ZA,NA", gotReq.GeographicScope)
	assert.Equal(t, "civic_lab", gotReq.TelegramHandle)
	assert.Contains(t, rec.Body.String(), `"id":"org-1"`)
}

func TestCreateOrg_ValidationError(t *testing.T) {
	reg := &mockRegistry{
		createOrgFn: func(context.Context, domain.Origin, app.CreateOrgRequest) (*domain.Organization, error) {
			return nil, errors.Join(domain.ErrValidation, errors.New("name is required"))
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodPost, "/api/orgs", `{"name":""}`, validProof)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec.Body.Bytes()).Error, "name is required")
}

func TestCreateOrg_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{})

	rec := serve(t, srv, http.MethodPost, "/api/orgs", `{"name":`, validProof)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decodeError(t, rec.Body.Bytes()).Error)
}

func TestDeleteOrg(t *testing.T) {
	var deleted string
	reg := &mockRegistry{
		deleteOrgFn: func(_ context.Context, actor domain.Origin, orgID string) error {
			if orgID == "foreign" {
				return domain.ErrUnauthorized
			}
			deleted = orgID
			return nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodDelete, "/api/orgs/org-1", "", validProof)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "org-1", deleted)

	rec = serve(t, srv, http.MethodDelete, "/api/orgs/foreign", "", validProof)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListOrgPolls(t *testing.T) {
	reg := &mockRegistry{
		listOrgPollsFn: func(_ context.Context, orgID string) ([]domain.PollSummary, error) {
			if orgID != "org-1" {
				return nil, domain.ErrOrgNotFound
			}
			return []domain.PollSummary{{ID: "poll-1", OrgID: orgID, OrgName: "Civic Lab", TotalVotes: 3}}, nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodGet, "/api/orgs/org-1/polls", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var polls []domain.PollSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &polls))
	require.Len(t, polls, 1)
	assert.Equal(t, int64(3), polls[0].TotalVotes)
	assert.Equal(t, "Civic Lab", polls[0].OrgName)

	rec = serve(t, srv, http.MethodGet, "/api/orgs/missing/polls", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePoll(t *testing.T) {
	var gotReq app.CreatePollRequest
	reg := &mockRegistry{
		createPollFn: func(_ context.Context, _ domain.Origin, req app.CreatePollRequest) (*domain.Poll, error) {
			gotReq = req
			if req.EndAt <= req.StartAt {
				return nil, domain.ErrInvalidRange
			}
			return &domain.Poll{ID: "poll-1", OrgID: req.OrgID, Question: req.Question}, nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodPost, "/api/polls",
		`{"org_id":"org-1","question":"Extend library hours?","scope_level":"city","geographic_scope":"Cape Town","start_at":1700000000,"end_at":1700086400}`, validProof)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"poll-1"}`, rec.Body.String())
	assert.Equal(t, "org-1", gotReq.OrgID)
	assert.Equal(t, int64(1700000000), gotReq.StartAt)
	assert.Equal(t, int64(1700086400), gotReq.EndAt)

	rec = serve(t, srv, http.MethodPost, "/api/polls",
		`{"org_id":"org-1","question":"Backwards?","start_at":1700086400,"end_at":1700000000}`, validProof)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListActiveAndPastPolls(t *testing.T) {
	reg := &mockRegistry{
		listActivePollsFn: func(context.Context) ([]domain.PollSummary, error) {
			return []domain.PollSummary{{ID: "open", Status: domain.PollActive}}, nil
		},
		listPastPollsFn: func(context.Context) ([]domain.PollSummary, error) {
			return nil, domain.ErrBackendUnavailable
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodGet, "/api/polls/active", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"open"`)

	rec = serve(t, srv, http.MethodGet, "/api/polls/past", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetPoll(t *testing.T) {
	reg := &mockRegistry{
		getPollFn: func(_ context.Context, pollID string) (*domain.PollDetails, error) {
			if pollID != "poll-1" {
				return nil, domain.ErrPollNotFound
			}
			return &domain.PollDetails{
				Poll:       &domain.Poll{ID: pollID, HashSalt: "secret-salt"},
				Org:        &domain.Organization{ID: "org-1"},
				Aggregates: &domain.Aggregate{PollID: pollID, TotalVotes: 2, YesCount: 2},
			}, nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodGet, "/api/polls/poll-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "poll")
	assert.Contains(t, body, "org")
	assert.Contains(t, body, "aggregates")
	assert.NotContains(t, rec.Body.String(), "secret-salt")

	rec = serve(t, srv, http.MethodGet, "/api/polls/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCanVote(t *testing.T) {
	reg := &mockRegistry{
		canVoteFn: func(_ context.Context, pollID string, userID int64) (bool, error) {
			return userID != testOrigin.UserID, nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodGet, "/api/polls/poll-1/can-vote", "", validProof)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"canVote":false}`, rec.Body.String())
}

func TestRegisterVote(t *testing.T) {
	var gotVote domain.Vote
	var gotAttrs domain.Attributes
	var gotUser int64
	reg := &mockRegistry{
		registerVoteFn: func(_ context.Context, pollID string, userID int64, vote domain.Vote, attrs domain.Attributes) (*domain.Aggregate, error) {
			gotVote, gotAttrs, gotUser = vote, attrs, userID
			return &domain.Aggregate{PollID: pollID, TotalVotes: 1, YesCount: 1, Age25To34: 1}, nil
		},
	}
	srv := newTestServer(t, reg)

	rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/votes",
		`{"vote":"yes","age_bracket":"25-34","residence":"in_country","origin_proof":"`+validProof+`"}`, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.VoteYes, gotVote)
	assert.Equal(t, "25-34", gotAttrs.AgeBracket)
	assert.Equal(t, "in_country", gotAttrs.Residence)
	assert.Equal(t, testOrigin.UserID, gotUser)

	var body struct {
		Success    bool             `json:"success"`
		Aggregates domain.Aggregate `json:"aggregates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(1), body.Aggregates.TotalVotes)
}

func TestRegisterVote_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"already voted", domain.ErrAlreadyVoted, http.StatusConflict, "already_voted"},
		{"not started", domain.ErrPollNotStarted, http.StatusConflict, "poll_not_started"},
		{"ended", domain.ErrPollEnded, http.StatusConflict, "poll_ended"},
		{"unknown poll", domain.ErrPollNotFound, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &mockRegistry{
				registerVoteFn: func(context.Context, string, int64, domain.Vote, domain.Attributes) (*domain.Aggregate, error) {
					return nil, tt.err
				},
			}
			srv := newTestServer(t, reg)

			rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/votes", `{"vote":"no"}`, validProof)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantReason, decodeError(t, rec.Body.Bytes()).Reason)
		})
	}
}

func TestRegisterVote_RateLimited(t *testing.T) {
	reg := &mockRegistry{
		registerVoteFn: func(context.Context, string, int64, domain.Vote, domain.Attributes) (*domain.Aggregate, error) {
			return &domain.Aggregate{}, nil
		},
	}
	srv := newTestServer(t, reg, withRateLimit(0.01, 1))

	rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/votes", `{"vote":"no"}`, validProof)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/api/polls/poll-1/votes", `{"vote":"no"}`, validProof)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded","type":"rate_limited"}`, rec.Body.String())

	// reads are not limited
	rec = serve(t, srv, http.MethodGet, "/api/polls/active", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClosePoll(t *testing.T) {
	t.Run("announces when this call closed the poll", func(t *testing.T) {
		var announced []string
		reg := &mockRegistry{
			closePollAsFn: func(context.Context, domain.Origin, string) (bool, error) { return true, nil },
		}
		srv := newTestServer(t, reg, withAnnouncer(&mockAnnouncer{
			announceFn: func(_ context.Context, pollID string) error {
				announced = append(announced, pollID)
				return nil
			},
		}))

		rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/close", "", validProof)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"closed":true}`, rec.Body.String())
		assert.Equal(t, []string{"poll-1"}, announced)
	})

	t.Run("already closed is a no-op", func(t *testing.T) {
		reg := &mockRegistry{
			closePollAsFn: func(context.Context, domain.Origin, string) (bool, error) { return false, nil },
		}
		srv := newTestServer(t, reg, withAnnouncer(&mockAnnouncer{
			announceFn: func(context.Context, string) error {
				t.Fatal("announce must not run for a poll that was already closed")
				return nil
			},
		}))

		rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/close", "", validProof)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"closed":false}`, rec.Body.String())
	})

	t.Run("announce failure does not fail the close", func(t *testing.T) {
		reg := &mockRegistry{
			closePollAsFn: func(context.Context, domain.Origin, string) (bool, error) { return true, nil },
		}
		srv := newTestServer(t, reg, withAnnouncer(&mockAnnouncer{
			announceFn: func(ctx context.Context, _ string) error {
				deadline, ok := ctx.Deadline()
				assert.True(t, ok)
				assert.WithinDuration(t, time.Now().Add(announceTimeout), deadline, time.Second)
				return errors.New("telegram: chat not found")
			},
		}))

		rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/close", "", validProof)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("non-admin", func(t *testing.T) {
		reg := &mockRegistry{
			closePollAsFn: func(context.Context, domain.Origin, string) (bool, error) { return false, domain.ErrUnauthorized },
		}
		srv := newTestServer(t, reg)

		rec := serve(t, srv, http.MethodPost, "/api/polls/poll-1/close", "", validProof)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestVerifyAudit(t *testing.T) {
	srv := newTestServer(t, &mockRegistry{}, withAuditor(&mockAuditor{
		checkFn: func(_ context.Context, pollID string) (*app.AuditReport, error) {
			return &app.AuditReport{PollID: pollID, Entries: 4, TotalVotes: 3, Voters: 4, ChainIntact: true}, nil
		},
	}))

	rec := serve(t, srv, http.MethodGet, "/api/polls/poll-1/audit/verify", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Consistent bool            `json:"consistent"`
		Report     app.AuditReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Consistent)
	assert.Equal(t, int64(4), body.Report.Entries)
	assert.True(t, body.Report.ChainIntact)

	rec = serve(t, newTestServer(t, &mockRegistry{}), http.MethodGet, "/api/polls/poll-1/audit/verify", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
