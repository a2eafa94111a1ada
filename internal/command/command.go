package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidCommand is returned by Validate for malformed commands.
var ErrInvalidCommand = errors.New("invalid command")

// Command is an immutable privacy request. It is created once at ingestion.
type Command struct {
	ID            string
	Kind          Kind
	SubjectType   SubjectType
	Subject       json.RawMessage
	PolicyVersion int64
	CreatedAt     time.Time
	CloudInstance string
	Body          Payload
}

type wireCommand struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	SubjectType   SubjectType     `json:"subjectType"`
	Subject       json.RawMessage `json:"subject,omitempty"`
	PolicyVersion int64           `json:"policyVersion"`
	CreatedAt     time.Time       `json:"createdAt"`
	CloudInstance string          `json:"cloudInstance,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{
		ID:            c.ID,
		Kind:          c.Kind,
		SubjectType:   c.SubjectType,
		Subject:       c.Subject,
		PolicyVersion: c.PolicyVersion,
		CreatedAt:     c.CreatedAt,
		CloudInstance: c.CloudInstance,
	}
	if c.Body != nil {
		raw, err := json.Marshal(c.Body)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload according to the kind tag.
func (c *Command) UnmarshalJSON(b []byte) error {
	var w wireCommand
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	body, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*c = Command{
		ID:            w.ID,
		Kind:          w.Kind,
		SubjectType:   w.SubjectType,
		Subject:       w.Subject,
		PolicyVersion: w.PolicyVersion,
		CreatedAt:     w.CreatedAt,
		CloudInstance: w.CloudInstance,
		Body:          body,
	}
	return nil
}

// Validate checks the kind tag and that the payload matches it.
func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedCommandKind, int(c.Kind))
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCommand)
	}
	if !c.SubjectType.Valid() {
		return fmt.Errorf("%w: subject type %q", ErrInvalidCommand, c.SubjectType)
	}
	if c.Body == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidCommand)
	}
	if c.Body.Kind() != c.Kind {
		return fmt.Errorf("%w: payload %s does not match kind %s", ErrInvalidCommand, c.Body.Kind(), c.Kind)
	}
	return nil
}

// Destination is one (agent, asset group) target of a command after policy filtering.
type Destination struct {
	AgentID             string           `json:"agentId"`
	AssetGroupID        string           `json:"assetGroupId"`
	AssetGroupQualifier string           `json:"assetGroupQualifier,omitempty"`
	Moniker             string           `json:"moniker"`
	StorageType         QueueStorageType `json:"storageType"`
	Kind                Kind             `json:"kind"`
	SubjectType         SubjectType      `json:"subjectType"`
	DataTypes           []string         `json:"dataTypes,omitempty"`
	Variants            []string         `json:"variants,omitempty"`
}

// ErrInvalidIdentifier rejects an agent or asset group ID that cannot be
// part of a moniker.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// ValidateIdentifier checks an agent or asset group ID. The moniker joins its
// parts with '.', so IDs must not contain one.
func ValidateIdentifier(id string) error {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	case strings.ContainsRune(id, '.'):
		return fmt.Errorf("%w: %q contains '.'", ErrInvalidIdentifier, id)
	}
	return nil
}

// Moniker is the partition key for an (agent, asset group, kind) triple. It is
// a pure function of its inputs so retried fan-out lands in the same partition.
func Moniker(agentID, assetGroupID string, kind Kind) string {
	return strings.ToLower(strings.TrimSpace(agentID) + "." + strings.TrimSpace(assetGroupID) + "." + kind.String())
}

// SortDestinations orders destinations by moniker.
func SortDestinations(ds []Destination) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Moniker < ds[j].Moniker })
}
