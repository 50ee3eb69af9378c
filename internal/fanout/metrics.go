package fanout

import (
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Metrics receives fan-out counters. *observability.Collectors satisfies it.
type Metrics interface {
	EventEmitted(t models.EventType)
	DeliveryAttempted(method models.DeliveryMethod, err error, took time.Duration)
	DeadLettered(method models.DeliveryMethod)
	SetQueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventEmitted(models.EventType)                                 {}
func (nopMetrics) DeliveryAttempted(models.DeliveryMethod, error, time.Duration) {}
func (nopMetrics) DeadLettered(models.DeliveryMethod)                            {}
func (nopMetrics) SetQueueDepth(int)                                             {}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateByTag(string) int { return 0 }
