package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

func sampleRun() state.RunLog {
	start := time.Unix(1700000000, 0).UTC()
	return state.RunLog{
		Version:   1,
		RunID:     "run-1",
		Mode:      "resume",
		StartedAt: start,
		EndedAt:   start.Add(time.Minute),
		Properties: []state.PropertyChange{
			{PropertyKey: "abc", Status: ingest.PropertyComplete, ImagesAdded: 3},
		},
		Counters: state.Counters{PropertiesTotal: 1, Completed: 1, ImagesUnique: 3},
	}
}

func TestSaveRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	run := sampleRun()
	mock.ExpectExec("INSERT INTO ingest_runs").
		WithArgs(run.RunID, run.Mode, run.StartedAt, run.EndedAt, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("connection reset"))
	err = store.SaveRun(context.Background(), sampleRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run run-1")
}

func TestSaveRunRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, store.SaveRun(context.Background(), state.RunLog{}))
}

func TestListRunsDecodesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	run := sampleRun()
	rows := pgxmock.NewRows([]string{"run_id", "mode", "started_at", "ended_at", "counters", "properties"}).
		AddRow(run.RunID, run.Mode, run.StartedAt, run.EndedAt,
			[]byte(`{"properties_total":1,"completed":1,"images_unique":3}`),
			[]byte(`[{"property_key":"abc","status":"complete","images_added":3}]`))
	mock.ExpectQuery("SELECT run_id").WithArgs(5).WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, 3, runs[0].Counters.ImagesUnique)
	require.Len(t, runs[0].Properties, 1)
	assert.Equal(t, ingest.PropertyKey("abc"), runs[0].Properties[0].PropertyKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectsInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ingest_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
