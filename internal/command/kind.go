package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedCommandKind rejects a command whose kind is not one of the
// four known variants.
var ErrUnsupportedCommandKind = errors.New("unsupported command kind")

// Kind is the integer command-kind tag.
type Kind int

const (
	KindNone         Kind = 0
	KindAccountClose Kind = 1
	KindDelete       Kind = 2
	KindExport       Kind = 3
	KindAgeOut       Kind = 4
)

// Kinds lists every valid kind in wire order.
var Kinds = []Kind{KindAccountClose, KindDelete, KindExport, KindAgeOut}

func (k Kind) Valid() bool {
	switch k {
	case KindAccountClose, KindDelete, KindExport, KindAgeOut:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindAccountClose:
		return "accountclose"
	case KindDelete:
		return "delete"
	case KindExport:
		return "export"
	case KindAgeOut:
		return "ageout"
	case KindNone:
		return "none"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind accepts a kind name (case-insensitive) or its integer value.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		k := Kind(n)
		if !k.Valid() {
			return KindNone, fmt.Errorf("%w: %d", ErrUnsupportedCommandKind, n)
		}
		return k, nil
	}
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	switch s {
	case "account-close", "account_close":
		return KindAccountClose, nil
	case "age-out", "age_out":
		return KindAgeOut, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrUnsupportedCommandKind, s)
}

// SubjectType names the kind of data subject a command targets.
type SubjectType string

const (
	SubjectMSAUser     SubjectType = "msaUser"
	SubjectAADUser     SubjectType = "aadUser"
	SubjectDevice      SubjectType = "device"
	SubjectDemographic SubjectType = "demographic"
	SubjectOther       SubjectType = "other"
)

func (s SubjectType) Valid() bool {
	switch s {
	case SubjectMSAUser, SubjectAADUser, SubjectDevice, SubjectDemographic, SubjectOther:
		return true
	default:
		return false
	}
}

// QueueStorageType selects the physical queue backend for a destination.
type QueueStorageType int

const (
	// StorageUndefined routes to the configured default backend.
	StorageUndefined QueueStorageType = 0
	StoragePebble    QueueStorageType = 1
	StorageBadger    QueueStorageType = 2
	StorageSQLite    QueueStorageType = 3
)

func (t QueueStorageType) String() string {
	switch t {
	case StorageUndefined:
		return "undefined"
	case StoragePebble:
		return "pebble"
	case StorageBadger:
		return "badger"
	case StorageSQLite:
		return "sqlite"
	default:
		return "storage(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseStorageType maps a backend name to its tag. Empty maps to StorageUndefined.
func ParseStorageType(s string) (QueueStorageType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "undefined", "default":
		return StorageUndefined, nil
	case "pebble":
		return StoragePebble, nil
	case "badger":
		return StorageBadger, nil
	case "sqlite":
		return StorageSQLite, nil
	default:
		return StorageUndefined, fmt.Errorf("unknown queue storage type %q", s)
	}
}

// UnmarshalText lets config and policy files name backends.
func (t *QueueStorageType) UnmarshalText(b []byte) error {
	if n, err := strconv.Atoi(string(b)); err == nil {
		*t = QueueStorageType(n)
		return nil
	}
	v, err := ParseStorageType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UnmarshalJSON accepts the numeric tag or a backend name.
func (t *QueueStorageType) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		return t.UnmarshalText([]byte(name))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("queue storage type: %w", err)
	}
	*t = QueueStorageType(n)
	return nil
}
