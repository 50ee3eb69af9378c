package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// PostgresStore implements every store contract on Postgres. Entities live
// in a shared entities table plus one extension table per kind.
type PostgresStore struct {
	db *sqlx.DB
}

var (
	_ RegistryStore = (*PostgresStore)(nil)
	_ EventStore    = (*PostgresStore)(nil)
	_ SnapshotStore = (*PostgresStore)(nil)
)

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Entities ---

type entityRow struct {
	ID               string         `db:"id"`
	Kind             string         `db:"kind"`
	Name             string         `db:"name"`
	Status           string         `db:"status"`
	HealthScore      float64        `db:"health_score"`
	DependencyImpact float64        `db:"dependency_impact"`
	EffectiveHealth  float64        `db:"effective_health"`
	LastHeartbeat    sql.NullTime   `db:"last_heartbeat"`
	HealthComputedAt sql.NullTime   `db:"health_computed_at"`
	Capabilities     pq.StringArray `db:"capabilities"`
	Tags             pq.StringArray `db:"tags"`
	Metadata         []byte         `db:"metadata"`
	Version          int64          `db:"version"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`

	AgentDepartmentID      sql.NullString `db:"agent_department_id"`
	AgentLeaderID          sql.NullString `db:"agent_leader_id"`
	AgentModel             sql.NullString `db:"agent_model"`
	AgentMaxConcurrency    sql.NullInt64  `db:"agent_max_concurrency"`
	LeaderDepartmentID     sql.NullString `db:"leader_department_id"`
	LeaderTitle            sql.NullString `db:"leader_title"`
	ServerEndpointURL      sql.NullString `db:"server_endpoint_url"`
	ServerRateLimit        sql.NullInt64  `db:"server_rate_limit"`
	ServerProtocol         sql.NullString `db:"server_protocol"`
	DatabaseEngine         sql.NullString `db:"database_engine"`
	DatabaseStorageUsed    sql.NullInt64  `db:"database_storage_used_bytes"`
	DatabaseReplicationLag sql.NullInt64  `db:"database_replication_lag_ms"`
	DepartmentDivisionID   sql.NullString `db:"department_division_id"`
	DepartmentMission      sql.NullString `db:"department_mission"`
	DivisionCharter        sql.NullString `db:"division_charter"`
}

const selectEntitySQL = `
	SELECT e.id, e.kind, e.name, e.status, e.health_score, e.dependency_impact,
		e.effective_health, e.last_heartbeat, e.health_computed_at, e.capabilities,
		e.tags, e.metadata, e.version, e.created_at, e.updated_at,
		a.department_id AS agent_department_id, a.leader_id AS agent_leader_id,
		a.model AS agent_model, a.max_concurrency AS agent_max_concurrency,
		l.department_id AS leader_department_id, l.title AS leader_title,
		s.endpoint_url AS server_endpoint_url, s.rate_limit AS server_rate_limit,
		s.protocol AS server_protocol,
		d.engine AS database_engine, d.storage_used_bytes AS database_storage_used_bytes,
		d.replication_lag_ms AS database_replication_lag_ms,
		dp.division_id AS department_division_id, dp.mission AS department_mission,
		dv.charter AS division_charter
	FROM entities e
	LEFT JOIN agents a ON a.entity_id = e.id
	LEFT JOIN leaders l ON l.entity_id = e.id
	LEFT JOIN servers s ON s.entity_id = e.id
	LEFT JOIN databases d ON d.entity_id = e.id
	LEFT JOIN departments dp ON dp.entity_id = e.id
	LEFT JOIN divisions dv ON dv.entity_id = e.id`

func (r entityRow) toModel() (*models.Entity, error) {
	e := &models.Entity{
		ID:               r.ID,
		Kind:             models.EntityKind(r.Kind),
		Name:             r.Name,
		Status:           models.EntityStatus(r.Status),
		HealthScore:      r.HealthScore,
		DependencyImpact: r.DependencyImpact,
		EffectiveHealth:  r.EffectiveHealth,
		Capabilities:     []string(r.Capabilities),
		Tags:             []string(r.Tags),
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LastHeartbeat.Valid {
		t := r.LastHeartbeat.Time
		e.LastHeartbeat = &t
	}
	if r.HealthComputedAt.Valid {
		t := r.HealthComputedAt.Time
		e.HealthComputedAt = &t
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}

	switch e.Kind {
	case models.KindAgent:
		e.Extension.Agent = &models.AgentExt{
			DepartmentID:   r.AgentDepartmentID.String,
			LeaderID:       r.AgentLeaderID.String,
			Model:          r.AgentModel.String,
			MaxConcurrency: int(r.AgentMaxConcurrency.Int64),
		}
	case models.KindLeader:
		e.Extension.Leader = &models.LeaderExt{
			DepartmentID: r.LeaderDepartmentID.String,
			Title:        r.LeaderTitle.String,
		}
	case models.KindServer:
		e.Extension.Server = &models.ServerExt{
			EndpointURL: r.ServerEndpointURL.String,
			RateLimit:   int(r.ServerRateLimit.Int64),
			Protocol:    r.ServerProtocol.String,
		}
	case models.KindDatabase:
		e.Extension.Database = &models.DatabaseExt{
			Engine:           r.DatabaseEngine.String,
			StorageUsedBytes: r.DatabaseStorageUsed.Int64,
			ReplicationLagMS: r.DatabaseReplicationLag.Int64,
		}
	case models.KindDepartment:
		e.Extension.Department = &models.DepartmentExt{
			DivisionID: r.DepartmentDivisionID.String,
			Mission:    r.DepartmentMission.String,
		}
	case models.KindDivision:
		e.Extension.Division = &models.DivisionExt{
			Charter: r.DivisionCharter.String,
		}
	default:
		return nil, fmt.Errorf("entity %s has unknown kind %q", r.ID, r.Kind)
	}
	return e, nil
}

// extensionUpsert returns the statement writing e's kind-specific row.
func extensionUpsert(e *models.Entity) (string, []any, error) {
	switch e.Kind {
	case models.KindAgent:
		x := e.Extension.Agent
		if x == nil {
			x = &models.AgentExt{}
		}
		return `INSERT INTO agents (entity_id, department_id, leader_id, model, max_concurrency)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (entity_id) DO UPDATE SET department_id = EXCLUDED.department_id,
				leader_id = EXCLUDED.leader_id, model = EXCLUDED.model,
				max_concurrency = EXCLUDED.max_concurrency`,
			[]any{e.ID, x.DepartmentID, x.LeaderID, x.Model, x.MaxConcurrency}, nil
	case models.KindLeader:
		x := e.Extension.Leader
		if x == nil {
			x = &models.LeaderExt{}
		}
		return `INSERT INTO leaders (entity_id, department_id, title)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_id) DO UPDATE SET department_id = EXCLUDED.department_id,
				title = EXCLUDED.title`,
			[]any{e.ID, x.DepartmentID, x.Title}, nil
	case models.KindServer:
		x := e.Extension.Server
		if x == nil {
			x = &models.ServerExt{}
		}
		return `INSERT INTO servers (entity_id, endpoint_url, rate_limit, protocol)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (entity_id) DO UPDATE SET endpoint_url = EXCLUDED.endpoint_url,
				rate_limit = EXCLUDED.rate_limit, protocol = EXCLUDED.protocol`,
			[]any{e.ID, x.EndpointURL, x.RateLimit, x.Protocol}, nil
	case models.KindDatabase:
		x := e.Extension.Database
		if x == nil {
			x = &models.DatabaseExt{}
		}
		return `INSERT INTO databases (entity_id, engine, storage_used_bytes, replication_lag_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (entity_id) DO UPDATE SET engine = EXCLUDED.engine,
				storage_used_bytes = EXCLUDED.storage_used_bytes,
				replication_lag_ms = EXCLUDED.replication_lag_ms`,
			[]any{e.ID, x.Engine, x.StorageUsedBytes, x.ReplicationLagMS}, nil
	case models.KindDepartment:
		x := e.Extension.Department
		if x == nil {
			x = &models.DepartmentExt{}
		}
		return `INSERT INTO departments (entity_id, division_id, mission)
			VALUES ($1, $2, $3)
			ON CONFLICT (entity_id) DO UPDATE SET division_id = EXCLUDED.division_id,
				mission = EXCLUDED.mission`,
			[]any{e.ID, x.DivisionID, x.Mission}, nil
	case models.KindDivision:
		x := e.Extension.Division
		if x == nil {
			x = &models.DivisionExt{}
		}
		return `INSERT INTO divisions (entity_id, charter)
			VALUES ($1, $2)
			ON CONFLICT (entity_id) DO UPDATE SET charter = EXCLUDED.charter`,
			[]any{e.ID, x.Charter}, nil
	default:
		return "", nil, fmt.Errorf("unknown entity kind %q", e.Kind)
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	extSQL, extArgs, err := extensionUpsert(e)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, name, status, health_score, dependency_impact,
				effective_health, last_heartbeat, health_computed_at, capabilities, tags,
				metadata, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			e.ID, string(e.Kind), e.Name, string(e.Status), e.HealthScore, e.DependencyImpact,
			e.EffectiveHealth, nullTime(e.LastHeartbeat), nullTime(e.HealthComputedAt),
			pq.StringArray(e.Capabilities), pq.StringArray(e.Tags), meta, e.Version,
			e.CreatedAt, e.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s %q: %w", e.Kind, e.Name, ErrExists)
			}
			return fmt.Errorf("inserting entity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, extSQL, extArgs...); err != nil {
			return fmt.Errorf("inserting %s extension: %w", e.Kind, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	var row entityRow
	if err := s.db.GetContext(ctx, &row, selectEntitySQL+` WHERE e.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting entity: %w", err)
	}
	return row.toModel()
}

func (s *PostgresStore) FindEntityByName(ctx context.Context, kind models.EntityKind, name string) (*models.Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row,
		selectEntitySQL+` WHERE e.kind = $1 AND e.name = $2 AND e.status <> 'archived'`,
		string(kind), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
		}
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	return row.toModel()
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeArchived {
		where = append(where, "e.status <> 'archived'")
	}
	if filter.Kind != "" {
		where = append(where, "e.kind = "+arg(string(filter.Kind)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "e.status = ANY("+arg(pq.StringArray(statuses))+")")
	}
	if filter.Tag != "" {
		where = append(where, arg(filter.Tag)+" = ANY(e.tags)")
	}
	if filter.Capability != "" {
		where = append(where, arg(filter.Capability)+" = ANY(e.capabilities)")
	}
	if filter.NamePrefix != "" {
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(filter.NamePrefix)
		where = append(where, "e.name LIKE "+arg(escaped+"%"))
	}

	query := selectEntitySQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.kind, e.name"

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	out := make([]*models.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, e *models.Entity, expectedVersion int64) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	extSQL, extArgs, err := extensionUpsert(e)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET status = $1, health_score = $2, dependency_impact = $3,
				effective_health = $4, last_heartbeat = $5, health_computed_at = $6,
				capabilities = $7, tags = $8, metadata = $9, updated_at = $10,
				version = version + 1
			WHERE id = $11 AND version = $12`,
			string(e.Status), e.HealthScore, e.DependencyImpact, e.EffectiveHealth,
			nullTime(e.LastHeartbeat), nullTime(e.HealthComputedAt),
			pq.StringArray(e.Capabilities), pq.StringArray(e.Tags), meta, e.UpdatedAt,
			e.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("updating entity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating entity: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, e.ID); err != nil {
				return fmt.Errorf("checking entity: %w", err)
			}
			if !exists {
				return fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
			}
			return fmt.Errorf("entity %s expected version %d: %w", e.ID, expectedVersion, ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, extSQL, extArgs...); err != nil {
			return fmt.Errorf("updating %s extension: %w", e.Kind, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Version = expectedVersion + 1
	return nil
}

// --- Health samples ---

type sampleRow struct {
	EntityID       string    `db:"entity_id"`
	RecordedAt     time.Time `db:"recorded_at"`
	ResponseTimeMS float64   `db:"response_time_ms"`
	LoadPercent    float64   `db:"load_percent"`
	Score          float64   `db:"score"`
}

func (s *PostgresStore) AppendSample(ctx context.Context, sample models.HealthSample, keep int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO health_samples (entity_id, recorded_at, response_time_ms, load_percent, score)
			VALUES ($1, $2, $3, $4, $5)`,
			sample.EntityID, sample.RecordedAt, sample.ResponseTimeMS, sample.LoadPercent, sample.Score)
		if err != nil {
			return fmt.Errorf("inserting health sample: %w", err)
		}
		if keep <= 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM health_samples WHERE entity_id = $1 AND id NOT IN (
				SELECT id FROM health_samples WHERE entity_id = $1
				ORDER BY recorded_at DESC, id DESC LIMIT $2)`,
			sample.EntityID, keep)
		if err != nil {
			return fmt.Errorf("trimming health samples: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListSamples(ctx context.Context, entityID string, limit int) ([]models.HealthSample, error) {
	query := `SELECT entity_id, recorded_at, response_time_ms, load_percent, score
		FROM health_samples WHERE entity_id = $1 ORDER BY recorded_at DESC, id DESC`
	args := []any{entityID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var rows []sampleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing health samples: %w", err)
	}
	out := make([]models.HealthSample, len(rows))
	for i, r := range rows {
		out[i] = models.HealthSample(r)
	}
	return out, nil
}

// --- Dependencies ---

type dependencyRow struct {
	ServiceID          string    `db:"service_id"`
	DependsOnID        string    `db:"depends_on_id"`
	Type               string    `db:"dependency_type"`
	Strength           int       `db:"strength"`
	Cascading          bool      `db:"cascading"`
	HealthImpactFactor float64   `db:"health_impact_factor"`
	CreatedAt          time.Time `db:"created_at"`
}

func (r dependencyRow) toModel() models.Dependency {
	return models.Dependency{
		ServiceID:          r.ServiceID,
		DependsOnID:        r.DependsOnID,
		Type:               models.DependencyType(r.Type),
		Strength:           r.Strength,
		Cascading:          r.Cascading,
		HealthImpactFactor: r.HealthImpactFactor,
		CreatedAt:          r.CreatedAt,
	}
}

const dependencyColumns = `service_id, depends_on_id, dependency_type, strength, cascading, health_impact_factor, created_at`

func (s *PostgresStore) AddDependency(ctx context.Context, d models.Dependency) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dependencies (`+dependencyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ServiceID, d.DependsOnID, string(d.Type), d.Strength, d.Cascading, d.HealthImpactFactor, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dependency %s: %w", d.Key(), ErrExists)
		}
		return fmt.Errorf("inserting dependency: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveDependency(ctx context.Context, serviceID, dependsOnID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dependencies WHERE service_id = $1 AND depends_on_id = $2`, serviceID, dependsOnID)
	if err != nil {
		return fmt.Errorf("deleting dependency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting dependency: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dependency %s->%s: %w", serviceID, dependsOnID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RemoveDependenciesFrom(ctx context.Context, serviceID string) ([]models.Dependency, error) {
	var rows []dependencyRow
	err := s.db.SelectContext(ctx, &rows,
		`DELETE FROM dependencies WHERE service_id = $1 RETURNING `+dependencyColumns, serviceID)
	if err != nil {
		return nil, fmt.Errorf("deleting dependencies: %w", err)
	}
	return dependencyModels(rows), nil
}

func (s *PostgresStore) ListDependencies(ctx context.Context, serviceID string) ([]models.Dependency, error) {
	return s.selectDependencies(ctx, `WHERE service_id = $1`, serviceID)
}

func (s *PostgresStore) ListDependents(ctx context.Context, dependsOnID string) ([]models.Dependency, error) {
	return s.selectDependencies(ctx, `WHERE depends_on_id = $1`, dependsOnID)
}

func (s *PostgresStore) AllDependencies(ctx context.Context) ([]models.Dependency, error) {
	return s.selectDependencies(ctx, ``)
}

func (s *PostgresStore) selectDependencies(ctx context.Context, where string, args ...any) ([]models.Dependency, error) {
	var rows []dependencyRow
	query := `SELECT ` + dependencyColumns + ` FROM dependencies ` + where + ` ORDER BY service_id, depends_on_id`
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing dependencies: %w", err)
	}
	return dependencyModels(rows), nil
}

func dependencyModels(rows []dependencyRow) []models.Dependency {
	out := make([]models.Dependency, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

// --- Subscriptions ---

type subscriptionRow struct {
	ID                   string       `db:"id"`
	SubscriberID         string       `db:"subscriber_id"`
	SubscriberType       string       `db:"subscriber_type"`
	EventTypeFilter      string       `db:"event_type_filter"`
	EntityTypeFilter     string       `db:"entity_type_filter"`
	EntityIDFilter       string       `db:"entity_id_filter"`
	DeliveryMethod       string       `db:"delivery_method"`
	Endpoint             string       `db:"endpoint"`
	Active               bool         `db:"active"`
	ExpiresAt            sql.NullTime `db:"expires_at"`
	CreatedAt            time.Time    `db:"created_at"`
	DeactivatedAt        sql.NullTime `db:"deactivated_at"`
	SuccessfulDeliveries int64        `db:"successful_deliveries"`
	FailedDeliveries     int64        `db:"failed_deliveries"`
	LastDeliveryAt       sql.NullTime `db:"last_delivery_at"`
}

const subscriptionColumns = `id, subscriber_id, subscriber_type, event_type_filter, entity_type_filter,
	entity_id_filter, delivery_method, endpoint, active, expires_at, created_at, deactivated_at,
	successful_deliveries, failed_deliveries, last_delivery_at`

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r subscriptionRow) toModel() *models.Subscription {
	return &models.Subscription{
		ID:                   r.ID,
		SubscriberID:         r.SubscriberID,
		SubscriberType:       r.SubscriberType,
		EventTypeFilter:      r.EventTypeFilter,
		EntityTypeFilter:     r.EntityTypeFilter,
		EntityIDFilter:       r.EntityIDFilter,
		DeliveryMethod:       models.DeliveryMethod(r.DeliveryMethod),
		Endpoint:             r.Endpoint,
		Active:               r.Active,
		ExpiresAt:            timePtr(r.ExpiresAt),
		CreatedAt:            r.CreatedAt,
		DeactivatedAt:        timePtr(r.DeactivatedAt),
		SuccessfulDeliveries: r.SuccessfulDeliveries,
		FailedDeliveries:     r.FailedDeliveries,
		LastDeliveryAt:       timePtr(r.LastDeliveryAt),
	}
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.SubscriberID, sub.SubscriberType, sub.EventTypeFilter, sub.EntityTypeFilter,
		sub.EntityIDFilter, string(sub.DeliveryMethod), sub.Endpoint, sub.Active,
		nullTime(sub.ExpiresAt), sub.CreatedAt, nullTime(sub.DeactivatedAt),
		sub.SuccessfulDeliveries, sub.FailedDeliveries, nullTime(sub.LastDeliveryAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription %s: %w", sub.ID, ErrExists)
		}
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var row subscriptionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting subscription: %w", err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, activeOnly bool) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at, id`
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	out := make([]*models.Subscription, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *PostgresStore) DeactivateSubscription(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET active = FALSE, deactivated_at = COALESCE(deactivated_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("deactivating subscription: %w", err)
	}
	return requireRow(res, "subscription", id)
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, id string, outcome models.DeliveryOutcome, at time.Time) error {
	var column string
	switch outcome {
	case models.OutcomeDelivered:
		column = "successful_deliveries"
	case models.OutcomeDeadLetter:
		column = "failed_deliveries"
	default:
		return fmt.Errorf("unknown delivery outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET `+column+` = `+column+` + 1, last_delivery_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}
	return requireRow(res, "subscription", id)
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// --- Events ---

type eventRow struct {
	EventID       string       `db:"event_id"`
	EventType     string       `db:"event_type"`
	EntityID      string       `db:"entity_id"`
	EntityType    string       `db:"entity_type"`
	Timestamp     time.Time    `db:"ts"`
	Payload       []byte       `db:"payload"`
	CorrelationID string       `db:"correlation_id"`
	Processed     bool         `db:"processed"`
	ProcessedAt   sql.NullTime `db:"processed_at"`
}

const eventColumns = `event_id, event_type, entity_id, entity_type, ts, payload, correlation_id, processed, processed_at`

func (r eventRow) toModel() (*models.Event, error) {
	e := &models.Event{
		ID:            r.EventID,
		Type:          models.EventType(r.EventType),
		EntityID:      r.EntityID,
		EntityKind:    models.EntityKind(r.EntityType),
		Timestamp:     r.Timestamp,
		CorrelationID: r.CorrelationID,
		Processed:     r.Processed,
		ProcessedAt:   timePtr(r.ProcessedAt),
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of event %s: %w", r.EventID, err)
		}
	}
	return e, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *models.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if e.Payload == nil {
		payload = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, string(e.Type), e.EntityID, string(e.EntityKind), e.Timestamp, payload,
		e.CorrelationID, e.Processed, nullTime(e.ProcessedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", e.ID, ErrExists)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var row eventRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting event: %w", err)
	}
	return row.toModel()
}

// ListEvents returns matching events in chronological order. With a Limit
// only the most recent events are kept.
func (s *PostgresStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = "+arg(filter.EntityID))
	}
	if filter.Type != "" {
		where = append(where, "event_type = "+arg(string(filter.Type)))
	}
	if filter.EntityKind != "" {
		where = append(where, "entity_type = "+arg(string(filter.EntityKind)))
	}
	if filter.Since != nil {
		where = append(where, "ts >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "ts <= "+arg(*filter.Until))
	}
	if filter.Processed != nil {
		where = append(where, "processed = "+arg(*filter.Processed))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY ts DESC LIMIT ` + arg(filter.Limit) + `) recent`
	}
	query += ` ORDER BY ts, event_id`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	out := make([]*models.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET processed = TRUE, processed_at = $2 WHERE event_id = $1 AND NOT processed`, id, at)
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking event processed: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM events WHERE event_id = $1)`, id); err != nil {
		return fmt.Errorf("checking event: %w", err)
	}
	if !exists {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return nil
}

// PruneEvents deletes processed events older than before. Unprocessed events
// are kept until delivery has been attempted.
func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < $1 AND processed`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return int(n), nil
}

type deadLetterRow struct {
	ID             string    `db:"id"`
	EventID        string    `db:"event_id"`
	SubscriptionID string    `db:"subscription_id"`
	DeliveryMethod string    `db:"delivery_method"`
	Attempts       int       `db:"attempts"`
	LastError      string    `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
}

func (s *PostgresStore) AppendDeadLetter(ctx context.Context, d models.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_id, subscription_id, delivery_method, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.EventID, d.SubscriptionID, string(d.DeliveryMethod), d.Attempts, d.LastError, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	query := `SELECT id, event_id, subscription_id, delivery_method, attempts, last_error, created_at
		FROM dead_letters ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	out := make([]models.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = models.DeadLetter{
			ID:             r.ID,
			EventID:        r.EventID,
			SubscriptionID: r.SubscriptionID,
			DeliveryMethod: models.DeliveryMethod(r.DeliveryMethod),
			Attempts:       r.Attempts,
			LastError:      r.LastError,
			CreatedAt:      r.CreatedAt,
		}
	}
	return out, nil
}

// --- Metrics snapshots ---

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics_snapshots (id, taken_at, data) VALUES ($1, $2, $3)`, snap.ID, snap.TakenAt, data)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot at %s: %w", snap.TakenAt.Format(time.RFC3339), ErrExists)
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]*models.MetricsSnapshot, error) {
	query := `SELECT data FROM metrics_snapshots ORDER BY taken_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, query, args...); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	out := make([]*models.MetricsSnapshot, 0, len(blobs))
	for _, b := range blobs {
		var snap models.MetricsSnapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, nil
}
