package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType names a committed state change.
type EventType string

const (
	EventInitialized       EventType = "initialized"
	EventPlanCreated       EventType = "plan_created"
	EventPlanFunded        EventType = "plan_funded"
	EventPlanPaused        EventType = "plan_paused"
	EventPlanResumed       EventType = "plan_resumed"
	EventPlanCancelled     EventType = "plan_cancelled"
	EventPlanExecuted      EventType = "plan_executed"
	EventPlanCompleted     EventType = "plan_completed"
	EventExecutionFailed   EventType = "execution_failed"
	EventProceedsWithdrawn EventType = "proceeds_withdrawn"
	EventFeesWithdrawn     EventType = "fees_withdrawn"
	EventConfigChanged     EventType = "config_changed"
)

// Event is emitted after a state change is durably committed.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Type      EventType       `json:"type"`
	Actor     common.Address  `json:"actor"`
	PlanID    *PlanID         `json:"plan_id,omitempty"`
	Asset     *common.Address `json:"asset,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Fee       decimal.Decimal `json:"fee,omitempty"`
	Output    decimal.Decimal `json:"output,omitempty"`
	To        *common.Address `json:"to,omitempty"`
	// Field names the registry parameter a config_changed event touched.
	Field    string `json:"field,omitempty"`
	Revision uint64 `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Key returns the routing key used by message brokers.
func (e Event) Key() string {
	return "cryptodca." + string(e.Type)
}
