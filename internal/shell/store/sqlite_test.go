package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newReport(project string, op domain.Operation, at time.Time) *domain.RunReport {
	r := domain.NewRunReport(project, op, at)
	r.Record([]domain.ServiceState{
		{Name: "postgres", Status: domain.StatusFailed, Attempts: 1, ContainerID: "abc123",
			Err: domain.StartError("postgres", "not ready", nil)},
		{Name: "flask", Status: domain.StatusPending},
		{Name: "react", Status: domain.StatusPending},
	}, at.Add(1500*time.Millisecond))
	return r
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRecordRun_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := newReport("demo", domain.OperationUp, t0)
	require.NoError(t, store.RecordRun(ctx, report))

	got, err := store.GetRun(ctx, report.RunID)
	require.NoError(t, err)

	assert.Equal(t, report.RunID, got.RunID)
	assert.Equal(t, "demo", got.Project)
	assert.Equal(t, domain.OperationUp, got.Operation)
	assert.True(t, report.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, 1500*time.Millisecond, got.Duration())
	assert.Equal(t, report.Services, got.Services)

	failed := got.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, domain.ErrorKindStart, failed[0].ErrorKind)
}

func TestRecordRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := newReport("demo", domain.OperationUp, t0)
	require.NoError(t, store.RecordRun(ctx, report))

	err := store.RecordRun(ctx, report)
	assert.ErrorIs(t, err, ErrDuplicateID)

	runs, err := store.ListRuns(ctx, "demo", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 1, "failed insert is rolled back")
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetRun", storeErr.Op)
}

func TestLastRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	up := newReport("demo", domain.OperationUp, t0)
	down := newReport("demo", domain.OperationDown, t0.Add(time.Minute))
	other := newReport("other", domain.OperationUp, t0.Add(time.Hour))
	for _, r := range []*domain.RunReport{up, down, other} {
		require.NoError(t, store.RecordRun(ctx, r))
	}

	got, err := store.LastRun(ctx, "demo", "")
	require.NoError(t, err)
	assert.Equal(t, down.RunID, got.RunID)

	got, err = store.LastRun(ctx, "demo", domain.OperationUp)
	require.NoError(t, err)
	assert.Equal(t, up.RunID, got.RunID)
	assert.Len(t, got.Services, 3)

	_, err = store.LastRun(ctx, "nobody", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastRun_SubsecondOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	early := newReport("demo", domain.OperationUp, t0)
	late := newReport("demo", domain.OperationDown, t0.Add(500*time.Millisecond))
	require.NoError(t, store.RecordRun(ctx, late))
	require.NoError(t, store.RecordRun(ctx, early))

	got, err := store.LastRun(ctx, "demo", "")
	require.NoError(t, err)
	assert.Equal(t, late.RunID, got.RunID)
}

func TestListRuns_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		r := newReport("demo", domain.OperationUp, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.RecordRun(ctx, r))
		ids = append(ids, r.RunID)
	}

	page, err := store.ListRuns(ctx, "demo", ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].RunID, "newest first")
	assert.Equal(t, ids[2], page[1].RunID)
}

func TestPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var newest string
	for i := 0; i < 4; i++ {
		r := newReport("demo", domain.OperationUp, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.RecordRun(ctx, r))
		newest = r.RunID
	}
	require.NoError(t, store.RecordRun(ctx, newReport("other", domain.OperationUp, t0)))

	n, err := store.PruneRuns(ctx, "demo", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	runs, err := store.ListRuns(ctx, "demo", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, newest, runs[0].RunID)

	var orphans int
	require.NoError(t, store.db.Get(&orphans, `SELECT COUNT(*) FROM service_states WHERE run_id NOT IN (SELECT run_id FROM runs)`))
	assert.Zero(t, orphans, "service rows cascade with their run")

	others, err := store.ListRuns(ctx, "other", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

// =============================================================================
// Transaction and Lifecycle Tests
// =============================================================================

func TestWithTx_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	report := newReport("demo", domain.OperationUp, t0)
	err := store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.RecordRun(ctx, report))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetRun(ctx, report.RunID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSQLiteStore_FileReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	report := newReport("demo", domain.OperationBuild, t0)
	require.NoError(t, first.RecordRun(ctx, report))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.LastRun(ctx, "demo", domain.OperationBuild)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, got.RunID)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000, Offset: -1}.Normalize())
}

func TestStoreError_Error(t *testing.T) {
	err := NewStoreError("GetRun", "run", "r-1", "run not found", ErrNotFound)
	assert.Equal(t, "GetRun run r-1: run not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	err = NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	assert.Equal(t, "NewSQLiteStore: failed to ping database", err.Error())
}
