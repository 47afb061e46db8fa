package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/commonground-labs/commonground/internal/domain"
	"github.com/commonground-labs/commonground/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		delete_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_delete_at ON rooms(delete_at) WHERE delete_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		join_order INTEGER NOT NULL,
		display_name TEXT NOT NULL,
		relationship TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id),
		UNIQUE (room_id, join_order)
	);

	CREATE TABLE IF NOT EXISTS room_entries (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		submitted_at INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS room_analysis (
		room_id TEXT PRIMARY KEY,
		payload_json TEXT NOT NULL,
		safety_level TEXT NOT NULL,
		horsemen_json TEXT NOT NULL,
		conflict_category TEXT,
		sentiment_before_a REAL,
		sentiment_before_b REAL,
		sentiment_after_a REAL,
		sentiment_after_b REAL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_turn_state (
		room_id TEXT PRIMARY KEY,
		current_user_id TEXT NOT NULL,
		last_turn_at INTEGER NOT NULL,
		resolved_by_ai INTEGER NOT NULL DEFAULT 0,
		resolution_reason TEXT,
		suggest_break INTEGER NOT NULL DEFAULT 0,
		break_message TEXT,
		end_requested_by TEXT,
		end_request_pending INTEGER NOT NULL DEFAULT 0,
		guidance_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		tone_labels_json TEXT NOT NULL,
		tone_analysis_json TEXT NOT NULL,
		blocked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_room ON room_messages(room_id, created_at);

	CREATE TABLE IF NOT EXISTS room_pauses (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		initiated_by TEXT NOT NULL,
		pause_index INTEGER NOT NULL,
		paused_at INTEGER NOT NULL,
		resume_at INTEGER NOT NULL,
		status TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_pause ON room_pauses(room_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS room_events (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		user_id TEXT,
		type TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_room ON room_events(room_id, created_at);

	CREATE TABLE IF NOT EXISTS research_aggregate (
		id TEXT PRIMARY KEY,
		conflict_category TEXT,
		horsemen_json TEXT NOT NULL,
		sentiment_shift_a REAL,
		sentiment_shift_b REAL,
		session_outcome TEXT NOT NULL,
		resolution_time_seconds INTEGER NOT NULL,
		pause_count INTEGER NOT NULL,
		compromise_selected TEXT,
		anonymized_text_a TEXT NOT NULL,
		anonymized_text_b TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// CreateRoom inserts a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	query := `
		INSERT INTO rooms (id, code, status, created_at, completed_at, delete_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		room.ID, room.Code, string(room.Status), room.CreatedAt.Unix(),
		nullTime(room.CompletedAt), nullTime(room.DeleteAt),
	)
	if shared.IsUniqueViolation(err, "rooms.code") {
		return ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanRoom(row *sql.Row) (*domain.Room, error) {
	var room domain.Room
	var status string
	var createdAt int64
	var completedAt, deleteAt sql.NullInt64

	err := row.Scan(&room.ID, &room.Code, &status, &createdAt, &completedAt, &deleteAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan room row: %w", err)
	}

	room.Status = domain.RoomStatus(status)
	room.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		room.CompletedAt = &t
	}
	if deleteAt.Valid {
		t := time.Unix(deleteAt.Int64, 0)
		room.DeleteAt = &t
	}
	return &room, nil
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	query := `SELECT id, code, status, created_at, completed_at, delete_at FROM rooms WHERE id = ?`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, roomID))
}

// GetRoomByCode retrieves a room by its join code.
func (s *SQLiteStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	query := `SELECT id, code, status, created_at, completed_at, delete_at FROM rooms WHERE code = ?`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, code))
}

// UpdateRoomStatus sets the room lifecycle status.
func (s *SQLiteStore) UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ? WHERE id = ?`, string(status), roomID)
	if err != nil {
		return fmt.Errorf("update room status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRoom marks the room completed and schedules deletion.
func (s *SQLiteStore) CompleteRoom(ctx context.Context, roomID string, completedAt, deleteAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ?, completed_at = ?, delete_at = ? WHERE id = ?`,
		string(domain.RoomCompleted), completedAt.Unix(), deleteAt.Unix(), roomID)
	if err != nil {
		return fmt.Errorf("complete room: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredRooms lists rooms past their delete_at horizon.
func (s *SQLiteStore) ExpiredRooms(ctx context.Context, now time.Time) ([]*domain.Room, error) {
	query := `
		SELECT id, code, status, created_at, completed_at, delete_at
		FROM rooms WHERE delete_at IS NOT NULL AND delete_at < ?`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired rooms: %w", err)
	}
	defer rows.Close()

	var result []*domain.Room
	for rows.Next() {
		var room domain.Room
		var status string
		var createdAt int64
		var completedAt, deleteAt sql.NullInt64

		if err := rows.Scan(&room.ID, &room.Code, &status, &createdAt, &completedAt, &deleteAt); err != nil {
			return nil, fmt.Errorf("scan expired room row: %w", err)
		}
		room.Status = domain.RoomStatus(status)
		room.CreatedAt = time.Unix(createdAt, 0)
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			room.CompletedAt = &t
		}
		if deleteAt.Valid {
			t := time.Unix(deleteAt.Int64, 0)
			room.DeleteAt = &t
		}
		result = append(result, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired rooms: %w", err)
	}
	return result, nil
}

// DeleteRoom removes a room and all of its scoped records.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete room: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"room_events", "room_pauses", "room_messages", "room_turn_state",
		"room_analysis", "room_entries", "room_members", "rooms",
	}
	for _, table := range tables {
		column := "room_id"
		if table == "rooms" {
			column = "id"
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, column), roomID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete room: %w", err)
	}
	return nil
}

// AddMember attaches a user to a room with the next join order. The member
// count check runs in the same immediate transaction as the insert, and the
// unique (room_id, join_order) index backstops any remaining race.
func (s *SQLiteStore) AddMember(ctx context.Context, member *domain.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add member: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = ?`, member.RoomID).Scan(&count); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if count >= 2 {
		return ErrRoomFull
	}

	member.JoinOrder = count
	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id, join_order, display_name, relationship, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		member.RoomID, member.UserID, member.JoinOrder,
		member.DisplayName, member.Relationship, member.JoinedAt.Unix(),
	)
	if shared.IsUniqueViolation(err, "room_members.room_id, room_members.user_id") {
		return ErrAlreadyMember
	}
	if shared.IsUniqueViolation(err, "join_order") {
		// A racing join took this slot between the count and the insert.
		return ErrRoomFull
	}
	if shared.IsUniqueViolation(err, "") {
		return ErrAlreadyMember
	}
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add member: %w", err)
	}
	return nil
}

// GetMember retrieves one membership record.
func (s *SQLiteStore) GetMember(ctx context.Context, roomID, userID string) (*domain.Member, error) {
	query := `
		SELECT room_id, user_id, join_order, display_name, relationship, joined_at
		FROM room_members WHERE room_id = ? AND user_id = ?`

	var m domain.Member
	var joinedAt int64
	err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(
		&m.RoomID, &m.UserID, &m.JoinOrder, &m.DisplayName, &m.Relationship, &joinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan member row: %w", err)
	}
	m.JoinedAt = time.Unix(joinedAt, 0)
	return &m, nil
}

// ListMembers returns members ordered by join order.
func (s *SQLiteStore) ListMembers(ctx context.Context, roomID string) ([]*domain.Member, error) {
	query := `
		SELECT room_id, user_id, join_order, display_name, relationship, joined_at
		FROM room_members WHERE room_id = ? ORDER BY join_order`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []*domain.Member
	for rows.Next() {
		var m domain.Member
		var joinedAt int64
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.JoinOrder, &m.DisplayName, &m.Relationship, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		m.JoinedAt = time.Unix(joinedAt, 0)
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// CreateEntry inserts the empty entry created at join time.
func (s *SQLiteStore) CreateEntry(ctx context.Context, roomID, userID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_entries (room_id, user_id, text, submitted_at, updated_at)
		VALUES (?, ?, '', NULL, ?)`,
		roomID, userID, now.Unix())
	if shared.IsUniqueViolation(err, "") {
		// Entry already exists; join retries are harmless.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// UpdateEntry overwrites the entry text and optionally stamps submission.
// The submitted_at guard makes submitted entries immutable even under a
// racing double-submit.
func (s *SQLiteStore) UpdateEntry(ctx context.Context, roomID, userID, text string, submittedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE room_entries
		SET text = ?, submitted_at = COALESCE(?, submitted_at), updated_at = ?
		WHERE room_id = ? AND user_id = ? AND submitted_at IS NULL`,
		text, nullTime(submittedAt), time.Now().Unix(), roomID, userID)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a frozen entry from a missing one.
		var exists int
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM room_entries WHERE room_id = ? AND user_id = ?`,
			roomID, userID).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("check entry: %w", checkErr)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrEntryFrozen
	}
	return nil
}

// ListEntries returns the room's entries.
func (s *SQLiteStore) ListEntries(ctx context.Context, roomID string) ([]*domain.Entry, error) {
	query := `
		SELECT room_id, user_id, text, submitted_at, updated_at
		FROM room_entries WHERE room_id = ?`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.Entry
	for rows.Next() {
		var e domain.Entry
		var submittedAt sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&e.RoomID, &e.UserID, &e.Text, &submittedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		if submittedAt.Valid {
			t := time.Unix(submittedAt.Int64, 0)
			e.SubmittedAt = &t
		}
		e.UpdatedAt = time.Unix(updatedAt, 0)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// InsertAnalysis persists the one-time analysis. The room_id primary key is
// the at-most-one-persisted backstop for racing triggers.
func (s *SQLiteStore) InsertAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	payloadJSON, err := json.Marshal(analysis.Payload)
	if err != nil {
		return fmt.Errorf("marshal analysis payload: %w", err)
	}
	horsemenJSON, err := json.Marshal(analysis.Horsemen)
	if err != nil {
		return fmt.Errorf("marshal horsemen: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_analysis (
			room_id, payload_json, safety_level, horsemen_json, conflict_category,
			sentiment_before_a, sentiment_before_b, sentiment_after_a, sentiment_after_b, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		analysis.RoomID, string(payloadJSON), string(analysis.SafetyLevel),
		string(horsemenJSON), nullString(analysis.ConflictCategory),
		nullFloat(analysis.SentimentBeforeA), nullFloat(analysis.SentimentBeforeB),
		nullFloat(analysis.SentimentAfterA), nullFloat(analysis.SentimentAfterB),
		analysis.CreatedAt.Unix(),
	)
	if shared.IsUniqueViolation(err, "") {
		return ErrAnalysisExists
	}
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis retrieves the room's analysis.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, roomID string) (*domain.Analysis, error) {
	query := `
		SELECT room_id, payload_json, safety_level, horsemen_json, conflict_category,
		       sentiment_before_a, sentiment_before_b, sentiment_after_a, sentiment_after_b, created_at
		FROM room_analysis WHERE room_id = ?`

	var a domain.Analysis
	var payloadJSON, horsemenJSON, level string
	var category sql.NullString
	var beforeA, beforeB, afterA, afterB sql.NullFloat64
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&a.RoomID, &payloadJSON, &level, &horsemenJSON, &category,
		&beforeA, &beforeB, &afterA, &afterB, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis row: %w", err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &a.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal analysis payload: %w", err)
	}
	if err := json.Unmarshal([]byte(horsemenJSON), &a.Horsemen); err != nil {
		return nil, fmt.Errorf("unmarshal horsemen: %w", err)
	}
	a.SafetyLevel = domain.SafetyLevel(level)
	a.ConflictCategory = category.String
	if beforeA.Valid {
		a.SentimentBeforeA = &beforeA.Float64
	}
	if beforeB.Valid {
		a.SentimentBeforeB = &beforeB.Float64
	}
	if afterA.Valid {
		a.SentimentAfterA = &afterA.Float64
	}
	if afterB.Valid {
		a.SentimentAfterB = &afterB.Float64
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

// SetPostSentiment records post-session sentiment scores.
func (s *SQLiteStore) SetPostSentiment(ctx context.Context, roomID string, afterA, afterB *float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_analysis
		SET sentiment_after_a = COALESCE(?, sentiment_after_a),
		    sentiment_after_b = COALESCE(?, sentiment_after_b)
		WHERE room_id = ?`,
		nullFloat(afterA), nullFloat(afterB), roomID)
	if err != nil {
		return fmt.Errorf("update post sentiment: %w", err)
	}
	return nil
}

// CreateTurnState initializes the turn record. The room_id primary key
// guarantees at most one turn state per room under racing initializers.
func (s *SQLiteStore) CreateTurnState(ctx context.Context, ts *domain.TurnState) error {
	var guidanceJSON interface{}
	if ts.Guidance != nil {
		data, err := json.Marshal(ts.Guidance)
		if err != nil {
			return fmt.Errorf("marshal guidance: %w", err)
		}
		guidanceJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_turn_state (
			room_id, current_user_id, last_turn_at, resolved_by_ai, resolution_reason,
			suggest_break, break_message, end_requested_by, end_request_pending,
			guidance_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.RoomID, ts.CurrentUserID, ts.LastTurnAt.Unix(),
		ts.ResolvedByAI, nullString(ts.ResolutionReason),
		ts.SuggestBreak, nullString(ts.BreakMessage),
		nullString(ts.EndRequestedBy), ts.EndRequestPending,
		guidanceJSON, ts.CreatedAt.Unix(), ts.UpdatedAt.Unix(),
	)
	if shared.IsUniqueViolation(err, "") {
		return ErrTurnExists
	}
	if err != nil {
		return fmt.Errorf("insert turn state: %w", err)
	}
	return nil
}

// GetTurnState retrieves the turn record.
func (s *SQLiteStore) GetTurnState(ctx context.Context, roomID string) (*domain.TurnState, error) {
	query := `
		SELECT room_id, current_user_id, last_turn_at, resolved_by_ai, resolution_reason,
		       suggest_break, break_message, end_requested_by, end_request_pending,
		       guidance_json, created_at, updated_at
		FROM room_turn_state WHERE room_id = ?`

	var ts domain.TurnState
	var lastTurnAt, createdAt, updatedAt int64
	var resolutionReason, breakMessage, endRequestedBy, guidanceJSON sql.NullString

	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&ts.RoomID, &ts.CurrentUserID, &lastTurnAt, &ts.ResolvedByAI, &resolutionReason,
		&ts.SuggestBreak, &breakMessage, &endRequestedBy, &ts.EndRequestPending,
		&guidanceJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn state row: %w", err)
	}

	ts.LastTurnAt = time.Unix(lastTurnAt, 0)
	ts.ResolutionReason = resolutionReason.String
	ts.BreakMessage = breakMessage.String
	ts.EndRequestedBy = endRequestedBy.String
	ts.CreatedAt = time.Unix(createdAt, 0)
	ts.UpdatedAt = time.Unix(updatedAt, 0)
	if guidanceJSON.Valid && guidanceJSON.String != "" {
		var g domain.Guidance
		if err := json.Unmarshal([]byte(guidanceJSON.String), &g); err != nil {
			return nil, fmt.Errorf("unmarshal guidance: %w", err)
		}
		ts.Guidance = &g
	}
	return &ts, nil
}

// AdvanceTurn flips the turn with an optimistic check on the current holder.
func (s *SQLiteStore) AdvanceTurn(ctx context.Context, roomID, fromUserID, toUserID string, guidance *domain.Guidance, at time.Time) error {
	var result sql.Result
	var err error

	if guidance != nil {
		data, merr := json.Marshal(guidance)
		if merr != nil {
			return fmt.Errorf("marshal guidance: %w", merr)
		}
		result, err = s.db.ExecContext(ctx, `
			UPDATE room_turn_state
			SET current_user_id = ?, last_turn_at = ?, updated_at = ?,
			    guidance_json = ?, resolved_by_ai = ?, resolution_reason = ?,
			    suggest_break = ?, break_message = ?
			WHERE room_id = ? AND current_user_id = ?`,
			toUserID, at.Unix(), at.Unix(),
			string(data), guidance.Resolved, nullString(guidance.ResolutionReason),
			guidance.SuggestBreak, nullString(guidance.BreakMessage),
			roomID, fromUserID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE room_turn_state
			SET current_user_id = ?, last_turn_at = ?, updated_at = ?
			WHERE room_id = ? AND current_user_id = ?`,
			toUserID, at.Unix(), at.Unix(), roomID, fromUserID)
	}
	if err != nil {
		return fmt.Errorf("advance turn: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTurnConflict
	}
	return nil
}

// SetEndRequest records a pending mutual-end request. The pending guard in
// the WHERE clause rejects a second racing request.
func (s *SQLiteStore) SetEndRequest(ctx context.Context, roomID, userID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE room_turn_state
		SET end_requested_by = ?, end_request_pending = 1, updated_at = ?
		WHERE room_id = ? AND end_request_pending = 0`,
		userID, at.Unix(), roomID)
	if err != nil {
		return fmt.Errorf("set end request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrEndRequestPending
	}
	return nil
}

// ClearEndRequest clears the pending-end fields.
func (s *SQLiteStore) ClearEndRequest(ctx context.Context, roomID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_turn_state
		SET end_requested_by = NULL, end_request_pending = 0, updated_at = ?
		WHERE room_id = ?`,
		at.Unix(), roomID)
	if err != nil {
		return fmt.Errorf("clear end request: %w", err)
	}
	return nil
}

// InsertMessage appends a chat message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	labelsJSON, err := json.Marshal(msg.ToneLabels)
	if err != nil {
		return fmt.Errorf("marshal tone labels: %w", err)
	}
	analysisJSON, err := json.Marshal(msg.ToneAnalysis)
	if err != nil {
		return fmt.Errorf("marshal tone analysis: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, user_id, text, tone_labels_json, tone_analysis_json, blocked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.UserID, msg.Text,
		string(labelsJSON), string(analysisJSON), msg.Blocked, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns messages in conversation order. The rowid tiebreak
// keeps same-second messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID string) ([]*domain.Message, error) {
	query := `
		SELECT id, room_id, user_id, text, tone_labels_json, tone_analysis_json, blocked, created_at
		FROM room_messages WHERE room_id = ? ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		var labelsJSON, analysisJSON string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Text, &labelsJSON, &analysisJSON, &m.Blocked, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(labelsJSON), &m.ToneLabels); err != nil {
			return nil, fmt.Errorf("unmarshal tone labels: %w", err)
		}
		if err := json.Unmarshal([]byte(analysisJSON), &m.ToneAnalysis); err != nil {
			return nil, fmt.Errorf("unmarshal tone analysis: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreatePause inserts a new pause. The partial unique index on active
// pauses rejects a second concurrent pause for the same room.
func (s *SQLiteStore) CreatePause(ctx context.Context, pause *domain.Pause) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_pauses (id, room_id, initiated_by, pause_index, paused_at, resume_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pause.ID, pause.RoomID, pause.InitiatedBy, pause.PauseIndex,
		pause.PausedAt.Unix(), pause.ResumeAt.Unix(), string(pause.Status),
	)
	if shared.IsUniqueViolation(err, "room_pauses.room_id") {
		return ErrPauseActive
	}
	if err != nil {
		return fmt.Errorf("insert pause: %w", err)
	}
	return nil
}

// GetActivePause returns the room's active pause, expired or not.
func (s *SQLiteStore) GetActivePause(ctx context.Context, roomID string) (*domain.Pause, error) {
	query := `
		SELECT id, room_id, initiated_by, pause_index, paused_at, resume_at, status
		FROM room_pauses WHERE room_id = ? AND status = 'active'`

	var p domain.Pause
	var status string
	var pausedAt, resumeAt int64
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&p.ID, &p.RoomID, &p.InitiatedBy, &p.PauseIndex, &pausedAt, &resumeAt, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pause row: %w", err)
	}
	p.PausedAt = time.Unix(pausedAt, 0)
	p.ResumeAt = time.Unix(resumeAt, 0)
	p.Status = domain.PauseStatus(status)
	return &p, nil
}

// CompletePause transitions a pause to completed.
func (s *SQLiteStore) CompletePause(ctx context.Context, pauseID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE room_pauses SET status = ? WHERE id = ?`,
		string(domain.PauseCompleted), pauseID)
	if err != nil {
		return fmt.Errorf("complete pause: %w", err)
	}
	return nil
}

// CountPauses returns each user's lifetime pause count for a room.
func (s *SQLiteStore) CountPauses(ctx context.Context, roomID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT initiated_by, COUNT(*) FROM room_pauses WHERE room_id = ? GROUP BY initiated_by`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query pause counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var userID string
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan pause count row: %w", err)
		}
		counts[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pause counts: %w", err)
	}
	return counts, nil
}

// AppendEvent writes one audit event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	var metadataJSON interface{}
	if event.Metadata != nil {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_events (id, room_id, user_id, type, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RoomID, nullString(event.UserID), event.Type,
		metadataJSON, event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertResearchRecord writes the anonymized completion aggregate.
func (s *SQLiteStore) InsertResearchRecord(ctx context.Context, rec *domain.ResearchRecord) error {
	horsemenJSON, err := json.Marshal(rec.Horsemen)
	if err != nil {
		return fmt.Errorf("marshal horsemen: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_aggregate (
			id, conflict_category, horsemen_json, sentiment_shift_a, sentiment_shift_b,
			session_outcome, resolution_time_seconds, pause_count, compromise_selected,
			anonymized_text_a, anonymized_text_b, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullString(rec.ConflictCategory), string(horsemenJSON),
		nullFloat(rec.SentimentShiftA), nullFloat(rec.SentimentShiftB),
		rec.SessionOutcome, rec.ResolutionTimeSeconds, rec.PauseCount,
		nullString(rec.CompromiseSelected), rec.AnonymizedTextA, rec.AnonymizedTextB,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert research record: %w", err)
	}
	return nil
}
