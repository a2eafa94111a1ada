package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the kind-specific body of a command. The concrete types below are
// the only implementations; callers switch over them exhaustively.
type Payload interface {
	Kind() Kind
}

type DeletePayload struct {
	DataTypes []string  `json:"dataTypes,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
}

type ExportPayload struct {
	DataTypes  []string `json:"dataTypes,omitempty"`
	StorageURI string   `json:"storageUri,omitempty"`
}

type AccountClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

type AgeOutPayload struct {
	LastActive  time.Time `json:"lastActive,omitempty"`
	IsSuspended bool      `json:"isSuspended,omitempty"`
}

func (DeletePayload) Kind() Kind       { return KindDelete }
func (ExportPayload) Kind() Kind       { return KindExport }
func (AccountClosePayload) Kind() Kind { return KindAccountClose }
func (AgeOutPayload) Kind() Kind       { return KindAgeOut }

// DecodePayload decodes raw into the payload type for kind. An empty raw
// document yields the zero payload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindDelete:
		var v DeletePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindExport:
		var v ExportPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAccountClose:
		var v AccountClosePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindAgeOut:
		var v AgeOutPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCommandKind, int(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// RequestedDataTypes returns the data types a command explicitly targets. Nil
// means every data type the destination owns.
func RequestedDataTypes(p Payload) ([]string, error) {
	switch v := p.(type) {
	case DeletePayload:
		return v.DataTypes, nil
	case ExportPayload:
		return v.DataTypes, nil
	case AccountClosePayload, AgeOutPayload:
		return nil, nil
	case nil:
		return nil, fmt.Errorf("%w: missing payload", ErrUnsupportedCommandKind)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommandKind, p)
	}
}
