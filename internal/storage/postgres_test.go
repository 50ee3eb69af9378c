package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "sqlmock")), mock
}

var entityColumns = []string{
	"id", "kind", "name", "status", "health_score", "dependency_impact",
	"effective_health", "last_heartbeat", "health_computed_at", "capabilities",
	"tags", "metadata", "version", "created_at", "updated_at",
	"agent_department_id", "agent_leader_id", "agent_model", "agent_max_concurrency",
	"leader_department_id", "leader_title",
	"server_endpoint_url", "server_rate_limit", "server_protocol",
	"database_engine", "database_storage_used_bytes", "database_replication_lag_ms",
	"department_division_id", "department_mission", "division_charter",
}

func databaseRow(id, name string, heartbeat any, now time.Time) []driver.Value {
	return []driver.Value{
		id, "database", name, "online", 40.0, 100.0,
		40.0, heartbeat, nil, []byte("{primary}"),
		[]byte("{prod,eu}"), []byte(`{"zone":"eu-1"}`), int64(3), now, now,
		nil, nil, nil, nil,
		nil, nil,
		nil, nil, nil,
		"postgres", int64(1 << 30), int64(250),
		nil, nil, nil,
	}
}

func TestPostgresStore_CreateEntity(t *testing.T) {
	s, mock := newMockStore(t)
	e := newTestEntity("11111111-1111-1111-1111-111111111111", "api-1", models.KindServer)
	e.Extension.Server.EndpointURL = "http://api-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entities")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO servers")).
		WithArgs(e.ID, "http://api-1", 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateEntity(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateEntityDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	e := newTestEntity("11111111-1111-1111-1111-111111111111", "api-1", models.KindServer)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entities")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := s.CreateEntity(context.Background(), e)
	assert.ErrorIs(t, err, ErrExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	id := "22222222-2222-2222-2222-222222222222"

	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(entityColumns).AddRow(databaseRow(id, "db-1", now, now)...))

	e, err := s.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.KindDatabase, e.Kind)
	assert.Equal(t, []string{"prod", "eu"}, e.Tags)
	assert.Equal(t, "eu-1", e.Metadata["zone"])
	require.NotNil(t, e.Extension.Database)
	assert.Equal(t, int64(250), e.Extension.Database.ReplicationLagMS)
	require.NotNil(t, e.LastHeartbeat)
	assert.True(t, e.LastHeartbeat.Equal(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntityNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.id = $1")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetEntity(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListEntitiesBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.status <> 'archived' AND e.kind = $1 AND $2 = ANY(e.tags) ORDER BY e.kind, e.name")).
		WithArgs("database", "prod").
		WillReturnRows(sqlmock.NewRows(entityColumns).
			AddRow(databaseRow("a", "db-1", nil, now)...).
			AddRow(databaseRow("b", "db-2", nil, now)...))

	got, err := s.ListEntities(context.Background(), models.EntityFilter{Kind: models.KindDatabase, Tag: "prod"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].LastHeartbeat)
	assert.Equal(t, "db-2", got[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntityConflict(t *testing.T) {
	s, mock := newMockStore(t)
	e := newTestEntity("33333333-3333-3333-3333-333333333333", "worker", models.KindAgent)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entities SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(e.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.UpdateEntity(context.Background(), e, 1)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(1), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEntityBumpsVersion(t *testing.T) {
	s, mock := newMockStore(t)
	e := newTestEntity("33333333-3333-3333-3333-333333333333", "worker", models.KindAgent)
	e.Status = models.StatusBusy

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE entities SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpdateEntity(context.Background(), e, 1))
	assert.Equal(t, int64(2), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddDependencyDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	d := models.Dependency{ServiceID: "a", DependsOnID: "b", Type: models.DependencyRequired, Strength: 5, HealthImpactFactor: 1}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dependencies")).
		WillReturnError(&pq.Error{Code: "23505"})

	assert.ErrorIs(t, s.AddDependency(context.Background(), d), ErrExists)
}

func TestPostgresStore_RemoveDependencyNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dependencies WHERE service_id = $1 AND depends_on_id = $2")).
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.RemoveDependency(context.Background(), "a", "b"), ErrNotFound)
}

func TestPostgresStore_MarkProcessedIsMonotonic(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	// Already processed: no row changes, but the event exists.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET processed = TRUE")).
		WithArgs("ev1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("ev1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.MarkProcessed(context.Background(), "ev1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEventsWithLimit(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE entity_id = $1 ORDER BY ts DESC LIMIT $2) recent ORDER BY ts, event_id")).
		WithArgs("api-1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "entity_id", "entity_type", "ts", "payload", "correlation_id", "processed", "processed_at"}).
			AddRow("ev1", "status_changed", "api-1", "server", ts, []byte(`{"new_status":"error"}`), "", true, ts))

	events, err := s.ListEvents(context.Background(), models.EventFilter{EntityID: "api-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStatusChanged, events[0].Type)
	assert.Equal(t, "error", events[0].Payload["new_status"])
	assert.True(t, events[0].Processed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordDelivery(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("SET failed_deliveries = failed_deliveries + 1")).
		WithArgs("s1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordDelivery(context.Background(), "s1", models.OutcomeDeadLetter, at))
	assert.Error(t, s.RecordDelivery(context.Background(), "s1", models.DeliveryOutcome("bogus"), at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SnapshotsRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	stale := 2
	snap := &models.MetricsSnapshot{
		ID:            "44444444-4444-4444-4444-444444444444",
		TakenAt:       time.Date(2026, 6, 1, 0, 15, 0, 0, time.UTC),
		StaleEntities: &stale,
		Unavailable:   []string{models.FieldPerformance},
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_snapshots")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.AppendSnapshot(context.Background(), snap))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM metrics_snapshots ORDER BY taken_at DESC LIMIT $1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"44444444-4444-4444-4444-444444444444","taken_at":"2026-06-01T00:15:00Z","stale_entities":2,"unavailable":["performance"]}`)))

	got, err := s.ListSnapshots(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].StaleEntities)
	assert.Equal(t, 2, *got[0].StaleEntities)
	assert.Equal(t, []string{models.FieldPerformance}, got[0].Unavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
