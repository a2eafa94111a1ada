package kvq

import (
	"encoding/binary"
	"strings"

	"github.com/rzbill/cmdfeed/pkg/id"
)

// Key layout:
//
//	pq/{moniker}/item/{id}           work item record
//	pq/{moniker}/ready/{id}          pending index, enqueue order
//	pq/{moniker}/lease/{exp_ms}{id}  lease expiry index
//	pq/{moniker}/dedup/{command_id}  (command, moniker) dedup record
//	dlq/{moniker}/{id}               dead letters
//	part/{agent}/{moniker}           partition registry per agent
//	dx/{closed_ms}{moniker}/{cmd}    expiry index of completed dedup records
const (
	prefixQueue = "pq/"
	segItem     = "/item/"
	segReady    = "/ready/"
	segLease    = "/lease/"
	segDedup    = "/dedup/"
	prefixDLQ   = "dlq/"
	prefixPart  = "part/"
	prefixDX    = "dx/"
)

const idLen = len(id.ID{})

func withID(prefix string, itemID id.ID) []byte {
	key := make([]byte, len(prefix)+idLen)
	copy(key, prefix)
	copy(key[len(prefix):], itemID[:])
	return key
}

func itemPrefix(moniker string) []byte { return []byte(prefixQueue + moniker + segItem) }

func itemKey(moniker string, itemID id.ID) []byte {
	return withID(prefixQueue+moniker+segItem, itemID)
}

func readyPrefix(moniker string) []byte { return []byte(prefixQueue + moniker + segReady) }

func readyKey(moniker string, itemID id.ID) []byte {
	return withID(prefixQueue+moniker+segReady, itemID)
}

func leasePrefix(moniker string) []byte { return []byte(prefixQueue + moniker + segLease) }

// leaseKey sorts by expiry so expired leases are a prefix scan.
func leaseKey(moniker string, expiresMs int64, itemID id.ID) []byte {
	prefix := prefixQueue + moniker + segLease
	key := make([]byte, len(prefix)+8+idLen)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], itemID[:])
	return key
}

// parseLeaseKey splits the expiry and item ID from a lease index key.
func parseLeaseKey(key []byte) (int64, id.ID, bool) {
	if len(key) < 8+idLen {
		return 0, id.ID{}, false
	}
	tail := key[len(key)-8-idLen:]
	var itemID id.ID
	copy(itemID[:], tail[8:])
	return int64(binary.BigEndian.Uint64(tail[:8])), itemID, true
}

// idFromKey returns the trailing item ID of item, ready and dlq keys.
func idFromKey(key []byte) (id.ID, bool) {
	if len(key) < idLen {
		return id.ID{}, false
	}
	var itemID id.ID
	copy(itemID[:], key[len(key)-idLen:])
	return itemID, true
}

func dedupKey(moniker, commandID string) []byte {
	return []byte(prefixQueue + moniker + segDedup + commandID)
}

func dlqPrefix(moniker string) []byte {
	if moniker == "" {
		return []byte(prefixDLQ)
	}
	return []byte(prefixDLQ + moniker + "/")
}

func dlqKey(moniker string, itemID id.ID) []byte {
	return withID(prefixDLQ+moniker+"/", itemID)
}

func partPrefix(agent string) []byte { return []byte(prefixPart + agent + "/") }

func partKey(agent, moniker string) []byte { return []byte(prefixPart + agent + "/" + moniker) }

// dedupExpiryKey sorts by close time. Monikers never contain '/', so the
// first '/' after the timestamp ends the moniker.
func dedupExpiryKey(closedMs int64, moniker, commandID string) []byte {
	key := make([]byte, 0, len(prefixDX)+8+len(moniker)+1+len(commandID))
	key = append(key, prefixDX...)
	key = binary.BigEndian.AppendUint64(key, uint64(closedMs))
	key = append(key, moniker...)
	key = append(key, '/')
	return append(key, commandID...)
}

func parseDedupExpiryKey(key []byte) (closedMs int64, moniker, commandID string, ok bool) {
	if len(key) < len(prefixDX)+8 {
		return 0, "", "", false
	}
	rest := key[len(prefixDX):]
	tail := string(rest[8:])
	i := strings.IndexByte(tail, '/')
	if i < 0 {
		return 0, "", "", false
	}
	return int64(binary.BigEndian.Uint64(rest[:8])), tail[:i], tail[i+1:], true
}
