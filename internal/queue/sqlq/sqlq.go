// Package sqlq is the SQLite queue backend. A claim is one conditional UPDATE
// selecting the oldest available row, so two callers can never both win it.
package sqlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/pkg/id"
)

// Options configures the SQLite database.
type Options struct {
	// Path is the database file. Empty with InMemory set uses a private memory database.
	Path     string
	InMemory bool
}

// Backend implements queue.Backend on SQLite.
type Backend struct {
	db   *sql.DB
	opts queue.Options
	ids  *id.Generator
}

var _ queue.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(o Options, qopts queue.Options) (*Backend, error) {
	var dsn string
	switch {
	case o.InMemory:
		dsn = "file::memory:?_pragma=busy_timeout(5000)&_txlock=immediate"
	case o.Path != "":
		if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", o.Path)
	default:
		return nil, errors.New("sqlq: Options.Path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and a memory database lives
	// only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlq: apply schema: %w", err)
	}
	return &Backend{db: db, opts: qopts.WithDefaults(), ids: id.NewGenerator()}, nil
}

func (b *Backend) Type() command.QueueStorageType { return command.StorageSQLite }

func (b *Backend) wrap(err error) error { return queue.Classify(command.StorageSQLite, err) }

func (b *Backend) handle(moniker string, itemID id.ID, version uint64) queue.Handle {
	return queue.Handle{StorageType: command.StorageSQLite, Moniker: moniker, ItemID: itemID, Version: version}
}

func (b *Backend) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (b *Backend) Enqueue(ctx context.Context, moniker string, item queue.WorkItem) (queue.Handle, bool, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return queue.Handle{}, false, err
	}
	if item.CommandID == "" {
		return queue.Handle{}, false, errors.New("sqlq: work item without command id")
	}
	now := b.opts.Now()
	var (
		h   queue.Handle
		dup bool
	)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var (
			prevID   string
			closedAt sql.NullInt64
			dead     bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT item_id, closed_at_ms, dead FROM dedup WHERE moniker = ? AND command_id = ?`,
			moniker, item.CommandID).Scan(&prevID, &closedAt, &dead)
		switch {
		case err == nil:
			if !closedAt.Valid || dead || now.Sub(time.UnixMilli(closedAt.Int64)) < b.opts.DedupRetention {
				prev, _ := id.Parse(prevID)
				h, dup = b.handle(moniker, prev, 0), true
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		itemID := b.ids.Next()
		_, err = tx.ExecContext(ctx, `INSERT INTO work_items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', 0, 0)`,
			itemID.String(), moniker, item.CommandID, item.AgentID, item.AssetGroupID,
			item.AssetGroupQualifier, string(item.SubjectType), int(item.Kind), []byte(item.Payload), now.UnixMilli())
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO dedup (moniker, command_id, item_id, closed_at_ms, dead)
			VALUES (?, ?, ?, NULL, 0)`, moniker, item.CommandID, itemID.String())
		if err != nil {
			return err
		}
		info, _ := json.Marshal(queue.PartitionInfo{
			Moniker:             moniker,
			AgentID:             item.AgentID,
			AssetGroupID:        item.AssetGroupID,
			AssetGroupQualifier: item.AssetGroupQualifier,
			Kind:                item.Kind,
			StorageType:         command.StorageSQLite,
		})
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO partitions (agent_key, moniker, info) VALUES (?, ?, ?)`,
			queue.NormalizeAgent(item.AgentID), moniker, string(info))
		if err != nil {
			return err
		}
		h = b.handle(moniker, itemID, 0)
		return nil
	})
	if err != nil {
		return queue.Handle{}, false, b.wrap(err)
	}
	return h, dup, nil
}

func (b *Backend) LeaseNext(ctx context.Context, moniker, holder string, d time.Duration) (*queue.LeasedItem, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, fmt.Errorf("sqlq: non-positive lease duration %s", d)
	}
	now := b.opts.Now()
	nowMs := now.UnixMilli()
	var (
		leased *queue.LeasedItem
		dead   []queue.DeadLetter
	)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		leased, dead = nil, nil
		rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items
			WHERE moniker = ? AND (lease_expiry_ms IS NULL OR lease_expiry_ms <= ?) AND attempts >= ?
			ORDER BY id`, moniker, nowMs, b.opts.MaxAttempts)
		if err != nil {
			return err
		}
		exhausted, err := scanItems(rows)
		if err != nil {
			return err
		}
		for _, w := range exhausted {
			dl, err := b.deadLetter(ctx, tx, w, "max attempts exceeded", now)
			if err != nil {
				return err
			}
			dead = append(dead, dl)
		}

		rows, err = tx.QueryContext(ctx, `UPDATE work_items
			SET lease_expiry_ms = ?, holder = ?, attempts = attempts + 1, version = version + 1
			WHERE id = (
				SELECT id FROM work_items
				WHERE moniker = ? AND (lease_expiry_ms IS NULL OR lease_expiry_ms <= ?) AND attempts < ?
				ORDER BY id LIMIT 1)
			AND (lease_expiry_ms IS NULL OR lease_expiry_ms <= ?)
			RETURNING `+itemColumns,
			now.Add(d).UnixMilli(), holder, moniker, nowMs, b.opts.MaxAttempts, nowMs)
		if err != nil {
			return err
		}
		claimed, err := scanItems(rows)
		if err != nil {
			return err
		}
		if len(claimed) == 1 {
			w := claimed[0]
			leased = &queue.LeasedItem{Item: w, Handle: b.handle(moniker, w.ID, w.Version)}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	b.notifyDead(dead)
	return leased, nil
}

// held is the predicate every lease-holder operation conditions on.
const held = `id = ? AND moniker = ? AND holder = ? AND version = ? AND lease_expiry_ms > ?`

func heldArgs(h queue.Handle, holder string, now time.Time) []any {
	return []any{h.ItemID.String(), h.Moniker, holder, int64(h.Version), now.UnixMilli()}
}

// lost distinguishes a dead-lettered item from any other lost lease.
func (b *Backend) lost(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, h queue.Handle) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM dead_letters WHERE id = ?`, h.ItemID.String()).Scan(&one)
	if err == nil {
		return fmt.Errorf("%w: %w", queue.ErrLeaseLost, queue.ErrDeadLettered)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return queue.ErrLeaseLost
}

func (b *Backend) checkHandle(h queue.Handle) error {
	if h.StorageType != command.StorageSQLite || queue.ValidateMoniker(h.Moniker) != nil {
		return queue.ErrInvalidHandle
	}
	return nil
}

func (b *Backend) Extend(ctx context.Context, h queue.Handle, holder string, d time.Duration) (queue.Handle, error) {
	if err := b.checkHandle(h); err != nil {
		return queue.Handle{}, err
	}
	if d <= 0 {
		return queue.Handle{}, fmt.Errorf("sqlq: non-positive lease duration %s", d)
	}
	now := b.opts.Now()
	args := append([]any{now.Add(d).UnixMilli()}, heldArgs(h, holder, now)...)
	res, err := b.db.ExecContext(ctx, `UPDATE work_items SET lease_expiry_ms = ? WHERE `+held, args...)
	if err != nil {
		return queue.Handle{}, b.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.Handle{}, b.wrap(b.lost(ctx, b.db, h))
	}
	return h, nil
}

func (b *Backend) Complete(ctx context.Context, h queue.Handle, holder string) error {
	if err := b.checkHandle(h); err != nil {
		return err
	}
	now := b.opts.Now()
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var commandID string
		err := tx.QueryRowContext(ctx, `DELETE FROM work_items WHERE `+held+` RETURNING command_id`,
			heldArgs(h, holder, now)...).Scan(&commandID)
		if errors.Is(err, sql.ErrNoRows) {
			return b.lost(ctx, tx, h)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE dedup SET closed_at_ms = ? WHERE moniker = ? AND command_id = ?`,
			now.UnixMilli(), h.Moniker, commandID)
		return err
	})
	return b.wrap(err)
}

func (b *Backend) Abandon(ctx context.Context, h queue.Handle, holder string) error {
	if err := b.checkHandle(h); err != nil {
		return err
	}
	now := b.opts.Now()
	res, err := b.db.ExecContext(ctx, `UPDATE work_items SET lease_expiry_ms = NULL, holder = '' WHERE `+held,
		heldArgs(h, holder, now)...)
	if err != nil {
		return b.wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return b.wrap(b.lost(ctx, b.db, h))
	}
	return nil
}

func (b *Backend) Fail(ctx context.Context, h queue.Handle, holder, reason string) error {
	if err := b.checkHandle(h); err != nil {
		return err
	}
	now := b.opts.Now()
	var dead []queue.DeadLetter
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		dead = nil
		rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE `+held,
			heldArgs(h, holder, now)...)
		if err != nil {
			return err
		}
		items, err := scanItems(rows)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return b.lost(ctx, tx, h)
		}
		w := items[0]
		if w.Attempts < b.opts.MaxAttempts {
			_, err := tx.ExecContext(ctx, `UPDATE work_items SET lease_expiry_ms = NULL, holder = '' WHERE id = ?`, w.ID.String())
			return err
		}
		dl, err := b.deadLetter(ctx, tx, w, reason, now)
		if err != nil {
			return err
		}
		dead = append(dead, dl)
		return nil
	})
	if err != nil {
		return b.wrap(err)
	}
	b.notifyDead(dead)
	return nil
}

func (b *Backend) deadLetter(ctx context.Context, tx *sql.Tx, w queue.WorkItem, reason string, now time.Time) (queue.DeadLetter, error) {
	w.State = queue.StateDeadLettered
	w.Holder = ""
	w.LeaseExpiry = time.Time{}
	dl := queue.DeadLetter{Item: w, Reason: reason, At: now}
	raw, err := json.Marshal(w)
	if err != nil {
		return dl, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, w.ID.String()); err != nil {
		return dl, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO dead_letters (id, moniker, item, reason, at_ms) VALUES (?, ?, ?, ?, ?)`,
		w.ID.String(), w.Moniker, string(raw), reason, now.UnixMilli()); err != nil {
		return dl, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE dedup SET closed_at_ms = ?, dead = 1 WHERE moniker = ? AND command_id = ?`,
		now.UnixMilli(), w.Moniker, w.CommandID)
	return dl, err
}

func (b *Backend) notifyDead(dead []queue.DeadLetter) {
	if b.opts.OnDeadLetter == nil {
		return
	}
	for _, dl := range dead {
		b.opts.OnDeadLetter(dl)
	}
}

func (b *Backend) Snapshot(ctx context.Context, moniker string) ([]queue.WorkItem, error) {
	if err := queue.ValidateMoniker(moniker); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE moniker = ? ORDER BY id`, moniker)
	if err != nil {
		return nil, b.wrap(err)
	}
	items, err := scanItems(rows)
	return items, b.wrap(err)
}

func (b *Backend) Partitions(ctx context.Context, agentID string) ([]queue.PartitionInfo, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT info FROM partitions WHERE agent_key = ? ORDER BY moniker`,
		queue.NormalizeAgent(agentID))
	if err != nil {
		return nil, b.wrap(err)
	}
	defer rows.Close()
	var out []queue.PartitionInfo
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, b.wrap(err)
		}
		var p queue.PartitionInfo
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, b.wrap(err)
		}
		out = append(out, p)
	}
	return out, b.wrap(rows.Err())
}

func (b *Backend) DeadLetters(ctx context.Context, moniker string, limit int) ([]queue.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if moniker == "" {
		rows, err = b.db.QueryContext(ctx, `SELECT item, reason, at_ms FROM dead_letters ORDER BY moniker, id LIMIT ?`, limit)
	} else {
		if err := queue.ValidateMoniker(moniker); err != nil {
			return nil, err
		}
		rows, err = b.db.QueryContext(ctx, `SELECT item, reason, at_ms FROM dead_letters WHERE moniker = ? ORDER BY id LIMIT ?`, moniker, limit)
	}
	if err != nil {
		return nil, b.wrap(err)
	}
	defer rows.Close()
	var out []queue.DeadLetter
	for rows.Next() {
		var (
			raw, reason string
			atMs        int64
		)
		if err := rows.Scan(&raw, &reason, &atMs); err != nil {
			return nil, b.wrap(err)
		}
		var w queue.WorkItem
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, b.wrap(err)
		}
		out = append(out, queue.DeadLetter{Item: w, Reason: reason, At: time.UnixMilli(atMs).UTC()})
	}
	return out, b.wrap(rows.Err())
}

func (b *Backend) PurgeDedup(ctx context.Context) (int, error) {
	cutoff := b.opts.Now().Add(-b.opts.DedupRetention).UnixMilli()
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM dedup WHERE dead = 0 AND closed_at_ms IS NOT NULL AND closed_at_ms <= ?`, cutoff)
	if err != nil {
		return 0, b.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, b.wrap(err)
	}
	return int(n), nil
}

func (b *Backend) Ping(ctx context.Context) error { return b.wrap(b.db.PingContext(ctx)) }

func (b *Backend) Close() error { return b.db.Close() }

func scanItems(rows *sql.Rows) ([]queue.WorkItem, error) {
	defer rows.Close()
	var out []queue.WorkItem
	for rows.Next() {
		var (
			w              queue.WorkItem
			rawID, subject string
			kind           int
			payload        []byte
			enqueuedMs     int64
			expiryMs       sql.NullInt64
			attempts       int
			version        int64
		)
		if err := rows.Scan(&rawID, &w.Moniker, &w.CommandID, &w.AgentID, &w.AssetGroupID, &w.AssetGroupQualifier,
			&subject, &kind, &payload, &enqueuedMs, &expiryMs, &w.Holder, &attempts, &version); err != nil {
			return nil, err
		}
		itemID, err := id.Parse(rawID)
		if err != nil {
			return nil, err
		}
		w.ID = itemID
		w.SubjectType = command.SubjectType(subject)
		w.Kind = command.Kind(kind)
		if len(payload) > 0 {
			w.Payload = json.RawMessage(payload)
		}
		w.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
		w.Attempts = attempts
		w.Version = uint64(version)
		w.State = queue.StatePending
		if expiryMs.Valid {
			w.State = queue.StateLeased
			w.LeaseExpiry = time.UnixMilli(expiryMs.Int64).UTC()
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
