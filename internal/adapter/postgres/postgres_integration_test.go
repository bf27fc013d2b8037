package postgres

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/domain/storetest"
	"github.com/pscheid92/votetally/internal/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testPool        *pgxpool.Pool
	testDatabaseURL string
	testMetrics     *metrics.StorageMetrics
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	os.Exit(runWithContainer(m))
}

func runWithContainer(m *testing.M) int {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("votetally"),
		postgres.WithUsername("votetally"),
		postgres.WithPassword("votetally"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
		}
	}()

	testDatabaseURL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		return 1
	}

	testMetrics = metrics.NewStorageMetrics(prometheus.NewRegistry())
	testPool, err = Connect(ctx, testDatabaseURL, testMetrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrationsWithLock(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		return 1
	}
	return m.Run()
}

// setupStore hands out a store over the shared pool and truncates every table afterwards.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	t.Cleanup(func() {
		_, err := testPool.Exec(context.Background(), "TRUNCATE organizations CASCADE")
		if err != nil {
			t.Logf("failed to truncate tables: %v", err)
		}
	})
	return NewStore(testPool)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Store { return setupStore(t) })
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "://not-a-url", nil)
	assert.Error(t, err)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	setupStore(t)
	ctx := context.Background()

	require.NoError(t, RunMigrationsWithLock(ctx, testPool))
	require.NoError(t, RunMigrationsWithLock(ctx, testPool))
}

func TestPing(t *testing.T) {
	s := setupStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestPing_ClosedPool(t *testing.T) {
	setupStore(t)
	pool, err := Connect(context.Background(), testDatabaseURL, nil)
	require.NoError(t, err)
	pool.Close()

	err = NewStore(pool).Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestStore_ClosedPoolIsUnavailable(t *testing.T) {
	s := setupStore(t)
	poll := createPoll(t, s)
	pool, err := Connect(context.Background(), testDatabaseURL, nil)
	require.NoError(t, err)
	pool.Close()
	closed := NewStore(pool)
	ctx := context.Background()

	_, err = closed.RecordVote(ctx, domain.Ballot{
		PollID:    poll.ID,
		VoterHash: "h",
		Vote:      domain.VoteYes,
		Delta:     tally.NewDelta(domain.VoteYes, domain.Attributes{}),
		At:        time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = closed.GetPoll(ctx, poll.ID)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = closed.ListPolls(ctx)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestRecordVote_ConcurrentBallotsNeverConflict(t *testing.T) {
	s := setupStore(t)
	poll := createPoll(t, s)
	ctx := context.Background()
	const voters = 100

	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := range voters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordVote(ctx, domain.Ballot{
				PollID:    poll.ID,
				VoterHash: fmt.Sprintf("voter-%03d", i),
				Vote:      domain.VoteYes,
				Delta:     tally.NewDelta(domain.VoteYes, domain.Attributes{}),
				At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			})
			errs <- err
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

	entries, err := s.ListAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.Len(t, entries, voters)
	assert.NoError(t, tally.VerifyChain(poll.ID, entries))
}

func TestAuditAttributes_PreserveBytes(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	poll := createPoll(t, s)

	// key order differs from what encoding/json would produce
	raw := json.RawMessage(`{"residence":"outside","age_bracket":"18-24"}`)
	entry := domain.AuditEntry{
		PollID:        poll.ID,
		Seq:           1,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC),
		Vote:          domain.VoteNo,
		Attributes:    raw,
		VoterHash:     "h",
		RollingDigest: "d",
	}
	require.NoError(t, s.AppendAudit(ctx, entry))

	got, err := s.LatestAudit(ctx, poll.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, string(raw), string(got.Attributes))
	assert.True(t, entry.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, time.UTC, got.Timestamp.Location())
}

func TestIncrementAggregate_RejectsUnknownCounter(t *testing.T) {
	s := setupStore(t)
	poll := createPoll(t, s)

	_, err := s.IncrementAggregate(context.Background(), poll.ID, domain.Delta{"dropped_table": 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestQueryTracer_ObservesQueries(t *testing.T) {
	s := setupStore(t)
	createPoll(t, s)

	assert.Positive(t, testutil.CollectAndCount(testMetrics.QueryDuration))
}

func createPoll(t *testing.T, s *Store) *domain.Poll {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	org := &domain.Organization{
		ID:              uuid.NewString(),
		Name:            "Ratepayers",
		ScopeLevel:      domain.ScopeCity,
		GeographicScope: "Durban",
		ChatID:          -100,
		CreatedAt:       now,
	}
	require.NoError(t, s.CreateOrg(ctx, org))

	poll := &domain.Poll{
		ID:              uuid.NewString(),
		OrgID:           org.ID,
		Question:        "Fix the potholes?",
		ScopeLevel:      domain.ScopeCity,
		GeographicScope: "Durban",
		StartAt:         now.Unix(),
		EndAt:           now.Add(time.Hour).Unix(),
		Status:          domain.PollActive,
		HashSalt:        "salt",
		CreatedAt:       now,
	}
	require.NoError(t, s.CreatePoll(ctx, poll))
	return poll
}
