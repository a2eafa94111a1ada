package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
)

// ErrExportTimedOut accompanies a TimedOut result.
var ErrExportTimedOut = errors.New("export timed out")

type Status int

const (
	StatusIncomplete Status = iota
	StatusComplete
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusTimedOut:
		return "timedOut"
	default:
		return "incomplete"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "incomplete":
		*s = StatusIncomplete
	case "complete":
		*s = StatusComplete
	case "timedOut":
		*s = StatusTimedOut
	default:
		return fmt.Errorf("unknown export status %q", b)
	}
	return nil
}

// Terminal reports whether the export has stopped being joined.
func (s Status) Terminal() bool { return s != StatusIncomplete }

// Key identifies one page of one destination. Page 0 stands for the
// destination itself, before it has announced any pages.
type Key struct {
	AgentID      string `json:"agentId" dynamodbav:"agent_id"`
	AssetGroupID string `json:"assetGroupId" dynamodbav:"asset_group_id"`
	Page         int    `json:"page" dynamodbav:"page"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%s/%d", k.AgentID, k.AssetGroupID, k.Page) }

// normalized compares destinations the way monikers do.
func (k Key) normalized() Key {
	return Key{AgentID: strings.ToLower(strings.TrimSpace(k.AgentID)), AssetGroupID: strings.ToLower(strings.TrimSpace(k.AssetGroupID)), Page: k.Page}
}

func (k Key) destination() Key { return Key{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID} }

// Expectation announces a page a destination will produce.
type Expectation struct {
	CommandID string       `json:"commandId"`
	Key       Key          `json:"key"`
	Kind      command.Kind `json:"kind"`
	Slice     int64        `json:"slice"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Completion reports a finished page and where its output went.
type Completion struct {
	CommandID      string    `json:"commandId"`
	Key            Key       `json:"key"`
	DestinationURI string    `json:"destinationUri,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Registration is one entry of an export's lifecycle log: an open record
// when the export is registered and a terminal one once it resolves. The
// latest record per command wins.
type Registration struct {
	CommandID string    `json:"commandId"`
	Status    Status    `json:"status"`
	Expected  int       `json:"expected,omitempty"`
	Completed int       `json:"completed,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	At        time.Time `json:"at"`
}

// Window bounds a read to records created in [From, To].
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// Store persists expectation and completion records. Duplicate writes are
// allowed; Tracker dedups by Key when joining.
type Store interface {
	PutExpectations(ctx context.Context, recs []Expectation) error
	PutCompletion(ctx context.Context, rec Completion) error
	Expectations(ctx context.Context, commandID string, w Window) ([]Expectation, error)
	Completions(ctx context.Context, commandID string, w Window) ([]Completion, error)
	PutRegistration(ctx context.Context, rec Registration) error
	// Registrations returns every command's registration records written in w.
	Registrations(ctx context.Context, w Window) ([]Registration, error)
}

// Result is the outcome of one join. Expected and Completed count pages;
// DestinationsDone counts destinations that announced pages and finished
// all of them.
type Result struct {
	CommandID        string    `json:"commandId"`
	Status           Status    `json:"status"`
	Expected         int       `json:"expected"`
	Completed        int       `json:"completed"`
	Destinations     int       `json:"destinations"`
	DestinationsDone int       `json:"destinationsDone"`
	StartedAt        time.Time `json:"startedAt"`
	CheckedAt        time.Time `json:"checkedAt"`
}
