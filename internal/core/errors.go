package core

import (
	"errors"
	"fmt"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Sentinel errors. Every typed error below matches its sentinel with
// errors.Is, so callers that only need the category can skip errors.As.
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateName          = errors.New("duplicate name")
	ErrDuplicateDependency    = errors.New("duplicate dependency")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSelfDependency         = errors.New("self dependency")
	ErrValidation             = errors.New("validation failed")
	ErrDeliveryFailure        = errors.New("delivery failed")
)

// NotFoundError reports an unknown entity, edge or subscription id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateNameError reports a name already taken by a live entity of the
// same kind.
type DuplicateNameError struct {
	Kind models.EntityKind
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s named %q already exists", e.Kind, e.Name)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

type DuplicateDependencyError struct {
	ServiceID   string
	DependsOnID string
}

func (e *DuplicateDependencyError) Error() string {
	return fmt.Sprintf("dependency %s -> %s already exists", e.ServiceID, e.DependsOnID)
}

func (e *DuplicateDependencyError) Is(target error) bool { return target == ErrDuplicateDependency }

// InvalidStateTransitionError reports a status the entity's kind does not
// allow, or any status change on an archived entity.
type InvalidStateTransitionError struct {
	EntityID string
	Kind     models.EntityKind
	From     models.EntityStatus
	To       models.EntityStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Kind, e.EntityID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

type SelfDependencyError struct {
	EntityID string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("entity %s cannot depend on itself", e.EntityID)
}

func (e *SelfDependencyError) Is(target error) bool { return target == ErrSelfDependency }

// ValidationError reports a malformed argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DeliveryFailureError is raised inside fan-out when a transport rejects a
// delivery. It never reaches the caller of a write.
type DeliveryFailureError struct {
	SubscriptionID string
	EventID        string
	Attempt        int
	Err            error
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivering event %s to subscription %s (attempt %d): %v",
		e.EventID, e.SubscriptionID, e.Attempt, e.Err)
}

func (e *DeliveryFailureError) Unwrap() error { return e.Err }

func (e *DeliveryFailureError) Is(target error) bool { return target == ErrDeliveryFailure }

func entityNotFound(id string) error {
	return &NotFoundError{Resource: "entity", ID: id}
}
