package controllers

import (
	"encoding/json"
	"time"

	"github.com/rzbill/cmdfeed/internal/queue"
)

type leaseReq struct {
	AssetGroupID string `json:"assetGroupId"`
	Kind         int    `json:"kind"`
	Moniker      string `json:"moniker"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

type leaseResp struct {
	Receipt     string          `json:"receipt"`
	Moniker     string          `json:"moniker"`
	CommandID   string          `json:"commandId"`
	Attempts    int             `json:"attempts"`
	LeaseExpiry time.Time       `json:"leaseExpiry"`
	Payload     json.RawMessage `json:"payload"`
}

func newLeaseResp(li *queue.LeasedItem) leaseResp {
	return leaseResp{
		Receipt:     li.Handle.Receipt(),
		Moniker:     li.Item.Moniker,
		CommandID:   li.Item.CommandID,
		Attempts:    li.Item.Attempts,
		LeaseExpiry: li.Item.LeaseExpiry,
		Payload:     li.Item.Payload,
	}
}

// receiptReq is shared by complete, extend, abandon and fail.
type receiptReq struct {
	Receipt      string `json:"receipt"`
	Holder       string `json:"holder"`
	LeaseSeconds int    `json:"leaseSeconds"`
	Reason       string `json:"reason"`
}

type expectReq struct {
	AgentID      string `json:"agentId"`
	AssetGroupID string `json:"assetGroupId"`
	Pages        int    `json:"pages"`
}

type pageReq struct {
	AgentID        string `json:"agentId"`
	AssetGroupID   string `json:"assetGroupId"`
	Page           int    `json:"page"`
	DestinationURI string `json:"destinationUri"`
}
