package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/pkg/id"
)

// Handle identifies one claim of one work item.
type Handle struct {
	StorageType command.QueueStorageType `json:"s"`
	Moniker     string                   `json:"m"`
	ItemID      id.ID                    `json:"i"`
	Version     uint64                   `json:"v"`
}

// Receipt encodes the handle as an opaque URL-safe token.
func (h Handle) Receipt() string {
	b, _ := json.Marshal(h)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", h.StorageType, h.Moniker, h.ItemID, h.Version)
}

// ParseReceipt decodes a token produced by Receipt.
func ParseReceipt(s string) (Handle, error) {
	var h Handle
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	if err := ValidateMoniker(h.Moniker); err != nil || h.ItemID.IsZero() {
		return h, ErrInvalidHandle
	}
	return h, nil
}
