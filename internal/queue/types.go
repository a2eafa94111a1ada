package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/pkg/id"
)

// State is the lifecycle state of a work item.
type State int

const (
	StatePending State = iota
	StateLeased
	StateCompleted
	StateDeadLettered
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLeased:
		return "leased"
	case StateCompleted:
		return "completed"
	case StateDeadLettered:
		return "deadlettered"
	default:
		return "unknown"
	}
}

// WorkItem is one destination's unit of work inside a partition.
type WorkItem struct {
	ID                  id.ID               `json:"id"`
	Moniker             string              `json:"moniker"`
	CommandID           string              `json:"commandId"`
	AgentID             string              `json:"agentId"`
	AssetGroupID        string              `json:"assetGroupId"`
	AssetGroupQualifier string              `json:"assetGroupQualifier,omitempty"`
	SubjectType         command.SubjectType `json:"subjectType"`
	Kind                command.Kind        `json:"kind"`
	Payload             json.RawMessage     `json:"payload,omitempty"`
	EnqueuedAt          time.Time           `json:"enqueuedAt"`
	LeaseExpiry         time.Time           `json:"leaseExpiry,omitempty"`
	Holder              string              `json:"holder,omitempty"`
	Attempts            int                 `json:"attempts"`
	Version             uint64              `json:"version"`
	State               State               `json:"state"`
}

// Expired reports whether the item is leased but its lease has lapsed.
func (w WorkItem) Expired(now time.Time) bool {
	return w.State == StateLeased && !w.LeaseExpiry.After(now)
}

// Available reports whether LeaseNext may claim the item at now.
func (w WorkItem) Available(now time.Time) bool {
	return w.State == StatePending || w.Expired(now)
}

// LeasedItem is the result of a successful claim.
type LeasedItem struct {
	Item   WorkItem
	Handle Handle
}

// DeadLetter is an item removed from circulation after exhausting its attempts.
type DeadLetter struct {
	Item   WorkItem  `json:"item"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// PartitionInfo describes a moniker partition owned by an agent.
type PartitionInfo struct {
	Moniker             string                   `json:"moniker"`
	AgentID             string                   `json:"agentId"`
	AssetGroupID        string                   `json:"assetGroupId"`
	AssetGroupQualifier string                   `json:"assetGroupQualifier,omitempty"`
	Kind                command.Kind             `json:"kind"`
	StorageType         command.QueueStorageType `json:"storageType"`
}

// Options are shared by every backend.
type Options struct {
	// MaxAttempts is the claim budget per item. An item whose attempts reached
	// it is dead-lettered instead of being leased again.
	MaxAttempts int
	// DedupRetention keeps the (command, moniker) key of completed items so a
	// re-published destination is not delivered twice.
	DedupRetention time.Duration
	// Now is the backend clock. Nil means time.Now.
	Now func() time.Time
	// OnDeadLetter observes items after they are moved to the dead-letter store.
	OnDeadLetter func(DeadLetter)
}

const (
	DefaultMaxAttempts    = 10
	DefaultDedupRetention = 24 * time.Hour
)

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.DedupRetention <= 0 {
		o.DedupRetention = DefaultDedupRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ValidateMoniker rejects monikers that cannot be used as a partition key.
func ValidateMoniker(m string) error {
	if m == "" || len(m) > 512 || strings.ContainsAny(m, "/\x00") {
		return ErrInvalidMoniker
	}
	return nil
}

// NormalizeAgent folds agent identifiers for partition lookups.
func NormalizeAgent(agentID string) string {
	return strings.ToLower(strings.TrimSpace(agentID))
}
