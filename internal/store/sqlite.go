package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/tutorflow/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers alongside background writers.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
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
	CREATE TABLE IF NOT EXISTS learner_profiles (
		learner_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		learning_style TEXT NOT NULL DEFAULT '',
		pace TEXT NOT NULL DEFAULT 'moderate',
		learning_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learner_topics (
		learner_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		standing TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (learner_id, topic)
	);

	CREATE TABLE IF NOT EXISTS lessons (
		lesson_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		subject TEXT NOT NULL,
		grade TEXT NOT NULL DEFAULT '',
		objective TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS session_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		learner_message TEXT NOT NULL,
		responder_message TEXT NOT NULL,
		responder_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON session_history(session_id, seq);

	CREATE TABLE IF NOT EXISTS mastery_evidence (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		kind TEXT NOT NULL,
		quality INTEGER NOT NULL,
		confidence REAL NOT NULL,
		self_corrected INTEGER NOT NULL DEFAULT 0,
		snippet TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_lesson ON mastery_evidence(learner_id, lesson_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_evidence_session ON mastery_evidence(session_id, created_at);

	CREATE TABLE IF NOT EXISTS interaction_logs (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		responder_id TEXT NOT NULL,
		learner_message TEXT NOT NULL,
		responder_message TEXT NOT NULL,
		routing_reason TEXT NOT NULL,
		directives TEXT NOT NULL,
		tier TEXT NOT NULL,
		claimed_complete INTEGER NOT NULL,
		topic_complete INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interaction_logs(session_id, created_at);

	CREATE TABLE IF NOT EXISTS mastery_reviews (
		id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		unmet_json TEXT NOT NULL,
		evidence_n INTEGER NOT NULL,
		reviewed_at INTEGER NOT NULL
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

// GetProfile retrieves a learner profile with its topic standings.
func (s *SQLiteStore) GetProfile(ctx context.Context, learnerID string) (*domain.LearnerProfile, error) {
	query := `
		SELECT learner_id, display_name, learning_style, pace,
		       learning_time_ms, created_at, updated_at
		FROM learner_profiles WHERE learner_id = ?`

	var p domain.LearnerProfile
	var style, pace string
	var learningMs, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, learnerID).Scan(
		&p.LearnerID, &p.DisplayName, &style, &pace,
		&learningMs, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	p.LearningStyle = domain.ParseLearningStyle(style)
	p.Pace = domain.Pace(pace)
	p.LearningTime = time.Duration(learningMs) * time.Millisecond
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	p.Strengths = []string{}
	p.Struggles = []string{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT topic, standing FROM learner_topics WHERE learner_id = ? ORDER BY topic`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("query profile topics: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close profile topic rows", "error", closeErr)
		}
	}()
	for rows.Next() {
		var topic, standing string
		if err := rows.Scan(&topic, &standing); err != nil {
			return nil, fmt.Errorf("scan profile topic: %w", err)
		}
		switch domain.TopicStanding(standing) {
		case domain.StandingStrength:
			p.Strengths = append(p.Strengths, topic)
		case domain.StandingStruggle:
			p.Struggles = append(p.Struggles, topic)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile topics: %w", err)
	}

	return &p, nil
}

// UpsertProfile creates or updates the scalar fields of a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.LearnerProfile) error {
	query := `
	INSERT INTO learner_profiles (learner_id, display_name, learning_style, pace, learning_time_ms, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(learner_id) DO UPDATE SET
		display_name = excluded.display_name,
		learning_style = excluded.learning_style,
		pace = excluded.pace,
		updated_at = excluded.updated_at`

	now := time.Now()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	pace := p.Pace
	if pace == "" {
		pace = domain.PaceModerate
	}
	_, err := s.db.ExecContext(ctx, query,
		p.LearnerID, p.DisplayName, string(p.LearningStyle), string(pace),
		p.LearningTime.Milliseconds(), created.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// SetTopicStanding records a topic standing in a single statement so that
// concurrent writers for the same learner cannot lose updates.
func (s *SQLiteStore) SetTopicStanding(ctx context.Context, learnerID, topic string, standing domain.TopicStanding) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("set topic standing: empty topic")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learner_topics (learner_id, topic, standing, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(learner_id, topic) DO UPDATE SET
			standing = excluded.standing,
			updated_at = excluded.updated_at`,
		learnerID, topic, string(standing), now)
	if err != nil {
		return fmt.Errorf("set topic standing: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE learner_profiles SET updated_at = ? WHERE learner_id = ?`, now, learnerID); err != nil {
		return fmt.Errorf("touch profile: %w", err)
	}
	return nil
}

// AddLearningTime increments cumulative learning time.
func (s *SQLiteStore) AddLearningTime(ctx context.Context, learnerID string, d time.Duration) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE learner_profiles SET learning_time_ms = learning_time_ms + ?, updated_at = ? WHERE learner_id = ?`,
		d.Milliseconds(), time.Now().UnixMilli(), learnerID)
	if err != nil {
		return fmt.Errorf("add learning time: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("AddLearningTime affected 0 rows", "learner_id", learnerID)
	}
	return nil
}

// GetLesson retrieves a lesson descriptor.
func (s *SQLiteStore) GetLesson(ctx context.Context, lessonID string) (*domain.LessonDescriptor, error) {
	var l domain.LessonDescriptor
	err := s.db.QueryRowContext(ctx,
		`SELECT lesson_id, title, subject, grade, objective FROM lessons WHERE lesson_id = ?`, lessonID,
	).Scan(&l.LessonID, &l.Title, &l.Subject, &l.Grade, &l.Objective)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lesson row: %w", err)
	}
	return &l, nil
}

// UpsertLesson creates or replaces a lesson descriptor.
func (s *SQLiteStore) UpsertLesson(ctx context.Context, l *domain.LessonDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (lesson_id, title, subject, grade, objective)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lesson_id) DO UPDATE SET
			title = excluded.title,
			subject = excluded.subject,
			grade = excluded.grade,
			objective = excluded.objective`,
		l.LessonID, l.Title, l.Subject, l.Grade, l.Objective)
	if err != nil {
		return fmt.Errorf("upsert lesson: %w", err)
	}
	return nil
}

// StartSession records a session, keeping the original start time if the
// session already exists.
func (s *SQLiteStore) StartSession(ctx context.Context, sess *domain.Session) error {
	started := sess.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, learner_id, lesson_id, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sess.SessionID, sess.LearnerID, sess.LessonID, started.UnixMilli())
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// GetSession retrieves a session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	var started int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, learner_id, lesson_id, started_at, ended_at FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.SessionID, &sess.LearnerID, &sess.LessonID, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// EndSession marks a session ended.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		endedAt.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("EndSession affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// AppendHistory appends one exchange to a session's history.
func (s *SQLiteStore) AppendHistory(ctx context.Context, e *domain.HistoryEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO session_history (session_id, learner_message, responder_message, responder_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.LearnerMessage, e.ResponderMessage, e.ResponderID, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// RecentHistory returns the last n exchanges of a session, oldest first.
func (s *SQLiteStore) RecentHistory(ctx context.Context, sessionID string, n int) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, session_id, learner_message, responder_message, responder_id, created_at
		FROM (
			SELECT * FROM session_history WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var created int64
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.LearnerMessage, &e.ResponderMessage, &e.ResponderID, &created); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// AppendEvidence appends a mastery evidence record.
func (s *SQLiteStore) AppendEvidence(ctx context.Context, r *domain.EvidenceRecord) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mastery_evidence (id, learner_id, lesson_id, session_id, topic, kind,
			quality, confidence, self_corrected, snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LearnerID, r.LessonID, r.SessionID, r.Topic, string(r.Kind),
		r.Quality, r.Confidence, r.SelfCorrected, r.Snippet, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}
	return nil
}

// ListEvidence returns evidence records matching the filter, oldest first.
func (s *SQLiteStore) ListEvidence(ctx context.Context, f EvidenceFilter) ([]domain.EvidenceRecord, error) {
	var where []string
	var args []any
	if f.LearnerID != "" {
		where = append(where, "learner_id = ?")
		args = append(args, f.LearnerID)
	}
	if f.LessonID != "" {
		where = append(where, "lesson_id = ?")
		args = append(args, f.LessonID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	inner := `SELECT id, learner_id, lesson_id, session_id, topic, kind, quality, confidence,
		self_corrected, snippet, created_at FROM mastery_evidence`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, f.Limit)
	}
	query := "SELECT * FROM (" + inner + ") ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close evidence rows", "error", closeErr)
		}
	}()

	var out []domain.EvidenceRecord
	for rows.Next() {
		var r domain.EvidenceRecord
		var kind string
		var created int64
		if err := rows.Scan(&r.ID, &r.LearnerID, &r.LessonID, &r.SessionID, &r.Topic, &kind,
			&r.Quality, &r.Confidence, &r.SelfCorrected, &r.Snippet, &created); err != nil {
			return nil, fmt.Errorf("scan evidence row: %w", err)
		}
		r.Kind = domain.EvidenceKind(kind)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

// AppendInteraction appends a turn audit record.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, l *domain.InteractionLog) error {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_logs (id, learner_id, session_id, lesson_id, responder_id,
			learner_message, responder_message, routing_reason, directives, tier,
			claimed_complete, topic_complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.LearnerID, l.SessionID, l.LessonID, l.ResponderID,
		l.LearnerMessage, l.ResponderMessage, l.RoutingReason, l.Directives, l.Tier,
		l.ClaimedComplete, l.TopicComplete, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

// AppendMasteryReview records a vetoed completion claim.
func (s *SQLiteStore) AppendMasteryReview(ctx context.Context, r *domain.MasteryReview) error {
	unmet, err := json.Marshal(r.UnmetRules)
	if err != nil {
		return fmt.Errorf("marshal unmet rules: %w", err)
	}
	reviewed := r.ReviewedAt
	if reviewed.IsZero() {
		reviewed = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mastery_reviews (id, learner_id, session_id, lesson_id, unmet_json, evidence_n, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LearnerID, r.SessionID, r.LessonID, string(unmet), r.EvidenceN, reviewed.UnixMilli())
	if err != nil {
		return fmt.Errorf("append mastery review: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
