package sqlq

// lease_expiry_ms is NULL for Pending items. Item IDs are the hex form of
// sortable IDs, so ORDER BY id is enqueue order.
const schema = `
CREATE TABLE IF NOT EXISTS work_items (
	id              TEXT PRIMARY KEY,
	moniker         TEXT NOT NULL,
	command_id      TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	asset_group_id  TEXT NOT NULL,
	qualifier       TEXT NOT NULL DEFAULT '',
	subject_type    TEXT NOT NULL DEFAULT '',
	kind            INTEGER NOT NULL,
	payload         BLOB,
	enqueued_at_ms  INTEGER NOT NULL,
	lease_expiry_ms INTEGER,
	holder          TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS work_items_moniker ON work_items(moniker, id);

CREATE TABLE IF NOT EXISTS dedup (
	moniker      TEXT NOT NULL,
	command_id   TEXT NOT NULL,
	item_id      TEXT NOT NULL,
	closed_at_ms INTEGER,
	dead         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (moniker, command_id)
);
CREATE INDEX IF NOT EXISTS dedup_closed ON dedup(closed_at_ms) WHERE dead = 0;

CREATE TABLE IF NOT EXISTS dead_letters (
	id      TEXT PRIMARY KEY,
	moniker TEXT NOT NULL,
	item    TEXT NOT NULL,
	reason  TEXT NOT NULL DEFAULT '',
	at_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dead_letters_moniker ON dead_letters(moniker, id);

CREATE TABLE IF NOT EXISTS partitions (
	agent_key TEXT NOT NULL,
	moniker   TEXT NOT NULL,
	info      TEXT NOT NULL,
	PRIMARY KEY (agent_key, moniker)
);
`

const itemColumns = `id, moniker, command_id, agent_id, asset_group_id, qualifier, subject_type,
	kind, payload, enqueued_at_ms, lease_expiry_ms, holder, attempts, version`
