package models

import "time"

// DependencyType classifies how much a service needs its dependency.
type DependencyType string

const (
	DependencyRequired  DependencyType = "required"
	DependencyOptional  DependencyType = "optional"
	DependencyPreferred DependencyType = "preferred"
)

// Valid reports whether t is a known dependency type.
func (t DependencyType) Valid() bool {
	switch t {
	case DependencyRequired, DependencyOptional, DependencyPreferred:
		return true
	}
	return false
}

// Dependency is a directed edge ServiceID -> DependsOnID, owned by ServiceID.
type Dependency struct {
	ServiceID          string         `json:"service_id" yaml:"service_id"`
	DependsOnID        string         `json:"depends_on_id" yaml:"depends_on_id"`
	Type               DependencyType `json:"type" yaml:"type"`
	Strength           int            `json:"strength" yaml:"strength"`
	Cascading          bool           `json:"cascading" yaml:"cascading"`
	HealthImpactFactor float64        `json:"health_impact_factor" yaml:"health_impact_factor"`
	CreatedAt          time.Time      `json:"created_at" yaml:"created_at"`
}

// Key returns the edge's identity.
func (d Dependency) Key() string {
	return d.ServiceID + "->" + d.DependsOnID
}
