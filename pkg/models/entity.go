package models

import (
	"fmt"
	"time"
)

// EntityKind tags which kind of registrable thing an Entity is.
type EntityKind string

const (
	KindAgent      EntityKind = "agent"
	KindLeader     EntityKind = "leader"
	KindServer     EntityKind = "server"
	KindDatabase   EntityKind = "database"
	KindDepartment EntityKind = "department"
	KindDivision   EntityKind = "division"
)

// AllKinds lists every entity kind in a stable order.
var AllKinds = []EntityKind{KindAgent, KindLeader, KindServer, KindDatabase, KindDepartment, KindDivision}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindAgent, KindLeader, KindServer, KindDatabase, KindDepartment, KindDivision:
		return true
	}
	return false
}

// EntityStatus represents the lifecycle state of an entity.
type EntityStatus string

const (
	StatusOnline      EntityStatus = "online"
	StatusOffline     EntityStatus = "offline"
	StatusBusy        EntityStatus = "busy"
	StatusError       EntityStatus = "error"
	StatusMaintenance EntityStatus = "maintenance"
	StatusDegraded    EntityStatus = "degraded"
	StatusPlanning    EntityStatus = "planning"
	StatusArchived    EntityStatus = "archived"
)

// AllowedStatuses returns the statuses callers may set for the given kind.
// StatusArchived is never included; only deregistration reaches it.
func AllowedStatuses(kind EntityKind) []EntityStatus {
	switch kind {
	case KindAgent, KindLeader:
		return []EntityStatus{StatusOnline, StatusOffline, StatusBusy, StatusError, StatusMaintenance}
	case KindServer, KindDatabase:
		return []EntityStatus{StatusOnline, StatusOffline, StatusBusy, StatusError, StatusMaintenance, StatusDegraded}
	case KindDepartment, KindDivision:
		return []EntityStatus{StatusPlanning, StatusOnline, StatusOffline, StatusMaintenance, StatusDegraded}
	}
	return nil
}

// StatusAllowed reports whether status is in the kind's allowed set.
func StatusAllowed(kind EntityKind, status EntityStatus) bool {
	for _, s := range AllowedStatuses(kind) {
		if s == status {
			return true
		}
	}
	return false
}

// InitialStatus returns the status a freshly registered entity starts in.
func InitialStatus(kind EntityKind) EntityStatus {
	switch kind {
	case KindDepartment, KindDivision:
		return StatusPlanning
	}
	return StatusOffline
}

// AgentExt holds agent-specific attributes.
type AgentExt struct {
	DepartmentID   string `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	LeaderID       string `json:"leader_id,omitempty" yaml:"leader_id,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// LeaderExt holds leader-specific attributes.
type LeaderExt struct {
	DepartmentID string `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
}

// ServerExt holds server-specific attributes.
type ServerExt struct {
	EndpointURL string `json:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty"`
	RateLimit   int    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// DatabaseExt holds database-specific attributes.
type DatabaseExt struct {
	Engine           string `json:"engine,omitempty" yaml:"engine,omitempty"`
	StorageUsedBytes int64  `json:"storage_used_bytes,omitempty" yaml:"storage_used_bytes,omitempty"`
	ReplicationLagMS int64  `json:"replication_lag_ms,omitempty" yaml:"replication_lag_ms,omitempty"`
}

// DepartmentExt holds department-specific attributes.
type DepartmentExt struct {
	DivisionID string `json:"division_id,omitempty" yaml:"division_id,omitempty"`
	Mission    string `json:"mission,omitempty" yaml:"mission,omitempty"`
}

// DivisionExt holds division-specific attributes.
type DivisionExt struct {
	Charter string `json:"charter,omitempty" yaml:"charter,omitempty"`
}

// Extension is the kind-specific payload of an Entity. Exactly one member is
// set, and it must match the entity's Kind.
type Extension struct {
	Agent      *AgentExt      `json:"agent,omitempty" yaml:"agent,omitempty"`
	Leader     *LeaderExt     `json:"leader,omitempty" yaml:"leader,omitempty"`
	Server     *ServerExt     `json:"server,omitempty" yaml:"server,omitempty"`
	Database   *DatabaseExt   `json:"database,omitempty" yaml:"database,omitempty"`
	Department *DepartmentExt `json:"department,omitempty" yaml:"department,omitempty"`
	Division   *DivisionExt   `json:"division,omitempty" yaml:"division,omitempty"`
}

// NewExtension returns an empty extension for kind.
func NewExtension(kind EntityKind) (Extension, error) {
	switch kind {
	case KindAgent:
		return Extension{Agent: &AgentExt{}}, nil
	case KindLeader:
		return Extension{Leader: &LeaderExt{}}, nil
	case KindServer:
		return Extension{Server: &ServerExt{}}, nil
	case KindDatabase:
		return Extension{Database: &DatabaseExt{}}, nil
	case KindDepartment:
		return Extension{Department: &DepartmentExt{}}, nil
	case KindDivision:
		return Extension{Division: &DivisionExt{}}, nil
	default:
		return Extension{}, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// Kind reports which member is set. It returns "" when none is, and an error
// when more than one is.
func (x Extension) Kind() (EntityKind, error) {
	var kinds []EntityKind
	if x.Agent != nil {
		kinds = append(kinds, KindAgent)
	}
	if x.Leader != nil {
		kinds = append(kinds, KindLeader)
	}
	if x.Server != nil {
		kinds = append(kinds, KindServer)
	}
	if x.Database != nil {
		kinds = append(kinds, KindDatabase)
	}
	if x.Department != nil {
		kinds = append(kinds, KindDepartment)
	}
	if x.Division != nil {
		kinds = append(kinds, KindDivision)
	}
	switch len(kinds) {
	case 0:
		return "", nil
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("extension sets %d kinds, want 1", len(kinds))
	}
}

// Entity is any registrable thing tracked by the registry.
type Entity struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Kind             EntityKind        `json:"kind" yaml:"kind"`
	Status           EntityStatus      `json:"status" yaml:"status"`
	HealthScore      float64           `json:"health_score" yaml:"health_score"`
	DependencyImpact float64           `json:"dependency_impact" yaml:"dependency_impact"`
	EffectiveHealth  float64           `json:"effective_health" yaml:"effective_health"`
	LastHeartbeat    *time.Time        `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
	HealthComputedAt *time.Time        `json:"health_computed_at,omitempty" yaml:"health_computed_at,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Extension        Extension         `json:"extension" yaml:"extension"`
	Version          int64             `json:"version" yaml:"version"`
	CreatedAt        time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Archived reports whether the entity has been deregistered.
func (e *Entity) Archived() bool {
	return e.Status == StatusArchived
}

// Clone returns a deep copy of e so callers can mutate it freely.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.LastHeartbeat != nil {
		t := *e.LastHeartbeat
		c.LastHeartbeat = &t
	}
	if e.HealthComputedAt != nil {
		t := *e.HealthComputedAt
		c.HealthComputedAt = &t
	}
	c.Capabilities = append([]string(nil), e.Capabilities...)
	c.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Extension = e.Extension.clone()
	return &c
}

func (x Extension) clone() Extension {
	var c Extension
	if x.Agent != nil {
		v := *x.Agent
		c.Agent = &v
	}
	if x.Leader != nil {
		v := *x.Leader
		c.Leader = &v
	}
	if x.Server != nil {
		v := *x.Server
		c.Server = &v
	}
	if x.Database != nil {
		v := *x.Database
		c.Database = &v
	}
	if x.Department != nil {
		v := *x.Department
		c.Department = &v
	}
	if x.Division != nil {
		v := *x.Division
		c.Division = &v
	}
	return c
}

// EntityFilter specifies criteria for listing entities.
// All specified fields use AND logic.
type EntityFilter struct {
	Kind            EntityKind
	Statuses        []EntityStatus
	Tag             string
	Capability      string
	NamePrefix      string
	IncludeArchived bool
}
