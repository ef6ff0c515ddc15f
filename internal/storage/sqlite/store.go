// Package sqlite provides the SQLite-backed transactional document store for
// room state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/cardroom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/cardroom/internal/room"
	"github.com/louisbranch/cardroom/internal/storage"
	"github.com/louisbranch/cardroom/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for rooms, players, and rejoin
// requests. Room writes advance the status version under an optimistic
// fence; committed room changes are fanned out to registered hooks.
type Store struct {
	sqlDB *sql.DB

	mu    sync.Mutex
	hooks []func(room.Room)
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil || value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

// Open opens a room SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// OnRoomChange registers a hook invoked after every committed room write.
// Hooks run outside the transaction, in registration order.
func (s *Store) OnRoomChange(fn func(room.Room)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Transact runs fn atomically. SQLITE_BUSY surfaces as storage.ErrConflict
// so callers retry against fresh state instead of waiting forever.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return fmt.Errorf("transaction callback is required")
	}

	sqlTx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", translateSQLiteErr(err))
	}

	// Rollback after a successful Commit is a no-op; the defer keeps a
	// panicking callback from leaking the write transaction.
	defer func() { _ = sqlTx.Rollback() }()

	tx := &storeTx{ctx: ctx, tx: sqlTx}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", translateSQLiteErr(err))
	}

	s.fireRoomHooks(tx.touchedRooms)
	return nil
}

// GetRoom is a one-shot authoritative read from the primary.
func (s *Store) GetRoom(ctx context.Context, id string) (room.Room, error) {
	if err := ctx.Err(); err != nil {
		return room.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return room.Room{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return room.Room{}, fmt.Errorf("room id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, roomSelectSQL+" WHERE id = ?", id)
	r, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room.Room{}, storage.ErrNotFound
		}
		return room.Room{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

// PendingRequests lists pending rejoin requests for one room, oldest first.
func (s *Store) PendingRequests(ctx context.Context, roomID string) ([]storage.RejoinRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, requestSelectSQL+`
 WHERE room_id = ? AND status = ?
 ORDER BY created_at ASC, uid ASC
`, roomID, storage.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var results []storage.RejoinRequest
	for rows.Next() {
		req, scanErr := scanRequest(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan pending request row: %w", scanErr)
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending request rows: %w", err)
	}
	return results, nil
}

func (s *Store) fireRoomHooks(rooms []room.Room) {
	if len(rooms) == 0 {
		return
	}
	s.mu.Lock()
	hooks := append([]func(room.Room){}, s.hooks...)
	s.mu.Unlock()
	for _, r := range rooms {
		for _, hook := range hooks {
			hook(r)
		}
	}
}

// storeTx implements storage.Tx over one *sql.Tx.
type storeTx struct {
	ctx          context.Context
	tx           *sql.Tx
	touchedRooms []room.Room
}

const roomSelectSQL = `
SELECT id, status, status_version, host_id, order_json, options_json, deal_json, result_json, created_at, updated_at
FROM rooms`

func (t *storeTx) Room(id string) (room.Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return room.Room{}, fmt.Errorf("room id is required")
	}
	row := t.tx.QueryRowContext(t.ctx, roomSelectSQL+" WHERE id = ?", id)
	r, err := scanRoom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room.Room{}, storage.ErrNotFound
		}
		return room.Room{}, fmt.Errorf("get room: %w", err)
	}
	return r, nil
}

func (t *storeTx) PutRoom(r room.Room) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("room id is required")
	}
	if r.Status == room.StatusUnspecified {
		return fmt.Errorf("room status is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	orderJSON, err := json.Marshal(encodeOrder(r.Order))
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	optionsJSON, err := json.Marshal(encodeOptions(r.Options))
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	dealJSON, err := marshalNullable(r.Deal, encodeDeal)
	if err != nil {
		return fmt.Errorf("encode deal: %w", err)
	}
	resultJSON, err := marshalNullable(r.Result, encodeResult)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if r.StatusVersion == 0 {
		_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO rooms (id, status, status_version, host_id, order_json, options_json, deal_json, result_json, created_at, updated_at)
VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, string(r.Status), r.HostID, string(orderJSON), string(optionsJSON), dealJSON, resultJSON, toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert room: %w", translateSQLiteErr(err))
		}
		r.StatusVersion = 1
		t.touchedRooms = append(t.touchedRooms, r)
		return nil
	}

	// Optimistic fence: the caller's copy must still carry the stored
	// version. Field-scoped by design: nothing here blind-writes a version.
	result, err := t.tx.ExecContext(t.ctx, `
UPDATE rooms
SET status = ?, status_version = status_version + 1, host_id = ?, order_json = ?, options_json = ?, deal_json = ?, result_json = ?, updated_at = ?
WHERE id = ? AND status_version = ?
`, string(r.Status), r.HostID, string(orderJSON), string(optionsJSON), dealJSON, resultJSON, toMillis(r.UpdatedAt), r.ID, r.StatusVersion)
	if err != nil {
		return fmt.Errorf("update room: %w", translateSQLiteErr(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update room rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	r.StatusVersion = room.NextVersion(r.StatusVersion)
	t.touchedRooms = append(t.touchedRooms, r)
	return nil
}

const playerSelectSQL = `
SELECT id, uid, name, avatar, number, clue, ready, order_index, joined_at, last_seen
FROM players`

func (t *storeTx) Player(roomID, playerID string) (room.Player, error) {
	roomID = strings.TrimSpace(roomID)
	playerID = strings.TrimSpace(playerID)
	if roomID == "" || playerID == "" {
		return room.Player{}, fmt.Errorf("room id and player id are required")
	}
	row := t.tx.QueryRowContext(t.ctx, playerSelectSQL+" WHERE room_id = ? AND id = ?", roomID, playerID)
	p, err := scanPlayer(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return room.Player{}, storage.ErrNotFound
		}
		return room.Player{}, fmt.Errorf("get player: %w", err)
	}
	return p, nil
}

func (t *storeTx) PutPlayer(roomID string, p room.Player) error {
	roomID = strings.TrimSpace(roomID)
	p.ID = strings.TrimSpace(p.ID)
	if roomID == "" || p.ID == "" {
		return fmt.Errorf("room id and player id are required")
	}

	var number sql.NullInt64
	if p.Number != nil {
		number = sql.NullInt64{Int64: int64(*p.Number), Valid: true}
	}

	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO players (room_id, id, uid, name, avatar, number, clue, ready, order_index, joined_at, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(room_id, id) DO UPDATE SET
	uid = excluded.uid,
	name = excluded.name,
	avatar = excluded.avatar,
	number = excluded.number,
	clue = excluded.clue,
	ready = excluded.ready,
	order_index = excluded.order_index,
	joined_at = excluded.joined_at,
	last_seen = excluded.last_seen
`, roomID, p.ID, p.UID, p.Name, p.Avatar, number, p.Clue, boolToInt(p.Ready), p.OrderIndex,
		toNullMillis(timePtr(p.JoinedAt)), toNullMillis(timePtr(p.LastSeen)))
	if err != nil {
		return fmt.Errorf("put player: %w", translateSQLiteErr(err))
	}
	return nil
}

// PatchPlayer updates only the provided fields so concurrent host edits to
// unrelated fields survive.
func (t *storeTx) PatchPlayer(roomID, playerID string, patch storage.PlayerPatch) error {
	roomID = strings.TrimSpace(roomID)
	playerID = strings.TrimSpace(playerID)
	if roomID == "" || playerID == "" {
		return fmt.Errorf("room id and player id are required")
	}

	var sets []string
	var args []any
	if patch.LastSeen != nil {
		sets = append(sets, "last_seen = ?")
		args = append(args, toMillis(*patch.LastSeen))
	}
	if patch.UID != nil {
		sets = append(sets, "uid = ?")
		args = append(args, strings.TrimSpace(*patch.UID))
	}
	if patch.JoinedAt != nil {
		sets = append(sets, "joined_at = ?")
		args = append(args, toMillis(*patch.JoinedAt))
	}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(*patch.Name))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, roomID, playerID)
	result, err := t.tx.ExecContext(t.ctx,
		"UPDATE players SET "+strings.Join(sets, ", ")+" WHERE room_id = ? AND id = ?",
		args...)
	if err != nil {
		return fmt.Errorf("patch player: %w", translateSQLiteErr(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch player rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *storeTx) Players(roomID string) ([]room.Player, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	rows, err := t.tx.QueryContext(t.ctx, playerSelectSQL+" WHERE room_id = ? ORDER BY order_index ASC, id ASC", roomID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var players []room.Player
	for rows.Next() {
		p, scanErr := scanPlayer(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan player row: %w", scanErr)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate player rows: %w", err)
	}
	return players, nil
}

const requestSelectSQL = `
SELECT room_id, uid, status, display_name, created_at, accepted_at, rejected_at, failure_reason
FROM rejoin_requests`

func (t *storeTx) Request(roomID, uid string) (storage.RejoinRequest, error) {
	roomID = strings.TrimSpace(roomID)
	uid = strings.TrimSpace(uid)
	if roomID == "" || uid == "" {
		return storage.RejoinRequest{}, fmt.Errorf("room id and uid are required")
	}
	row := t.tx.QueryRowContext(t.ctx, requestSelectSQL+" WHERE room_id = ? AND uid = ?", roomID, uid)
	req, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RejoinRequest{}, storage.ErrNotFound
		}
		return storage.RejoinRequest{}, fmt.Errorf("get rejoin request: %w", err)
	}
	return req, nil
}

func (t *storeTx) PutRequest(req storage.RejoinRequest) error {
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UID = strings.TrimSpace(req.UID)
	if req.RoomID == "" || req.UID == "" {
		return fmt.Errorf("room id and uid are required")
	}
	if req.Status == "" {
		return fmt.Errorf("request status is required")
	}
	if req.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO rejoin_requests (room_id, uid, status, display_name, created_at, accepted_at, rejected_at, failure_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(room_id, uid) DO UPDATE SET
	status = excluded.status,
	display_name = excluded.display_name,
	created_at = excluded.created_at,
	accepted_at = excluded.accepted_at,
	rejected_at = excluded.rejected_at,
	failure_reason = excluded.failure_reason
`, req.RoomID, req.UID, string(req.Status), req.DisplayName, toMillis(req.CreatedAt),
		toNullMillis(req.AcceptedAt), toNullMillis(req.RejectedAt), req.FailureReason)
	if err != nil {
		return fmt.Errorf("put rejoin request: %w", translateSQLiteErr(err))
	}
	return nil
}

type scanner func(dest ...any) error

func scanRoom(scan scanner) (room.Room, error) {
	var r room.Room
	var status string
	var orderJSON, optionsJSON string
	var dealJSON, resultJSON sql.NullString
	var createdAt, updatedAt int64
	if err := scan(
		&r.ID,
		&status,
		&r.StatusVersion,
		&r.HostID,
		&orderJSON,
		&optionsJSON,
		&dealJSON,
		&resultJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return room.Room{}, err
	}

	parsed, ok := room.ParseStatus(status)
	if !ok {
		return room.Room{}, fmt.Errorf("unknown room status %q", status)
	}
	r.Status = parsed
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)

	var order orderDoc
	if err := json.Unmarshal([]byte(orderJSON), &order); err != nil {
		return room.Room{}, fmt.Errorf("decode order: %w", err)
	}
	r.Order = decodeOrder(order)

	var options optionsDoc
	if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
		return room.Room{}, fmt.Errorf("decode options: %w", err)
	}
	r.Options = decodeOptions(options)

	if dealJSON.Valid {
		var doc dealDoc
		if err := json.Unmarshal([]byte(dealJSON.String), &doc); err != nil {
			return room.Room{}, fmt.Errorf("decode deal: %w", err)
		}
		deal := decodeDeal(doc)
		r.Deal = &deal
	}
	if resultJSON.Valid {
		var doc resultDoc
		if err := json.Unmarshal([]byte(resultJSON.String), &doc); err != nil {
			return room.Room{}, fmt.Errorf("decode result: %w", err)
		}
		result := decodeResult(doc)
		r.Result = &result
	}
	return r, nil
}

func scanPlayer(scan scanner) (room.Player, error) {
	var p room.Player
	var number sql.NullInt64
	var ready int
	var joinedAt, lastSeen sql.NullInt64
	if err := scan(
		&p.ID,
		&p.UID,
		&p.Name,
		&p.Avatar,
		&number,
		&p.Clue,
		&ready,
		&p.OrderIndex,
		&joinedAt,
		&lastSeen,
	); err != nil {
		return room.Player{}, err
	}
	if number.Valid {
		n := int(number.Int64)
		p.Number = &n
	}
	p.Ready = ready != 0
	if joinedAt.Valid {
		p.JoinedAt = fromMillis(joinedAt.Int64)
	}
	if lastSeen.Valid {
		p.LastSeen = fromMillis(lastSeen.Int64)
	}
	return p, nil
}

func scanRequest(scan scanner) (storage.RejoinRequest, error) {
	var req storage.RejoinRequest
	var status string
	var createdAt int64
	var acceptedAt, rejectedAt sql.NullInt64
	if err := scan(
		&req.RoomID,
		&req.UID,
		&status,
		&req.DisplayName,
		&createdAt,
		&acceptedAt,
		&rejectedAt,
		&req.FailureReason,
	); err != nil {
		return storage.RejoinRequest{}, err
	}
	req.Status = storage.RequestStatus(status)
	req.CreatedAt = fromMillis(createdAt)
	req.AcceptedAt = fromNullMillis(acceptedAt)
	req.RejectedAt = fromNullMillis(rejectedAt)
	return req, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalNullable[T any](value *T, encode func(T) any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(encode(*value))
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// translateSQLiteErr maps lock contention onto the retryable conflict
// sentinel. modernc's driver reports busy/locked in the error string.
func translateSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return storage.ErrConflict
	}
	return err
}
