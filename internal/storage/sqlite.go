package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for knowledge states, mistake
// patterns, and generation requests.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "eidos.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for test fixtures.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies any embedded SQL migration files not yet recorded in
// schema_version, in ascending filename order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- time encoding helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// fmtNullTime encodes the zero time as NULL.
func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// --- knowledge states ---

const knowledgeStateColumns = `user_id, topic, source_note_id, mastery, confidence, forgetting_risk,
	streak, last_evidence, last_reviewed_at, next_review_at, updated_at, version`

func scanKnowledgeState(row interface{ Scan(...any) error }) (KnowledgeState, error) {
	var st KnowledgeState
	var lastReviewed, nextReview sql.NullString
	var updated string
	err := row.Scan(&st.UserID, &st.Topic, &st.SourceNoteID, &st.Mastery, &st.Confidence,
		&st.ForgettingRisk, &st.Streak, &st.LastEvidence, &lastReviewed, &nextReview, &updated, &st.Version)
	if err != nil {
		return KnowledgeState{}, err
	}
	if st.LastReviewedAt, err = parseNullTime(lastReviewed); err != nil {
		return KnowledgeState{}, fmt.Errorf("parsing last_reviewed_at: %w", err)
	}
	if st.NextReviewAt, err = parseNullTime(nextReview); err != nil {
		return KnowledgeState{}, fmt.Errorf("parsing next_review_at: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return KnowledgeState{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return st, nil
}

// GetKnowledgeState loads one (user, topic) row.
func (s *Store) GetKnowledgeState(userID, topic string) (KnowledgeState, error) {
	row := s.db.QueryRow(`SELECT `+knowledgeStateColumns+`
		FROM knowledge_states WHERE user_id = ? AND topic = ?`, userID, topic)
	st, err := scanKnowledgeState(row)
	if err == sql.ErrNoRows {
		return KnowledgeState{}, ErrNotFound
	}
	return st, err
}

// UpsertKnowledgeState writes a state row with optimistic concurrency.
// Version 0 inserts a new row (ErrConflict if another writer created it
// first); any other version is a compare-and-set update that fails with
// ErrConflict when the stored version moved on.
func (s *Store) UpsertKnowledgeState(st KnowledgeState) error {
	if st.Version == 0 {
		_, err := s.db.Exec(`
			INSERT INTO knowledge_states
				(user_id, topic, source_note_id, mastery, confidence, forgetting_risk,
				 streak, last_evidence, last_reviewed_at, next_review_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			st.UserID, st.Topic, st.SourceNoteID, st.Mastery, st.Confidence, st.ForgettingRisk,
			st.Streak, st.LastEvidence, fmtNullTime(st.LastReviewedAt), fmtNullTime(st.NextReviewAt),
			fmtTime(st.UpdatedAt),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY constraint") {
				return ErrConflict
			}
			return err
		}
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE knowledge_states
		SET source_note_id = ?, mastery = ?, confidence = ?, forgetting_risk = ?,
			streak = ?, last_evidence = ?, last_reviewed_at = ?, next_review_at = ?,
			updated_at = ?, version = version + 1
		WHERE user_id = ? AND topic = ? AND version = ?`,
		st.SourceNoteID, st.Mastery, st.Confidence, st.ForgettingRisk,
		st.Streak, st.LastEvidence, fmtNullTime(st.LastReviewedAt), fmtNullTime(st.NextReviewAt),
		fmtTime(st.UpdatedAt), st.UserID, st.Topic, st.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) queryKnowledgeStates(query string, args ...any) ([]KnowledgeState, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeState
	for rows.Next() {
		st, err := scanKnowledgeState(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// ListKnowledgeStates returns all state rows for a user, most recently
// updated first.
func (s *Store) ListKnowledgeStates(userID string) ([]KnowledgeState, error) {
	return s.queryKnowledgeStates(`SELECT `+knowledgeStateColumns+`
		FROM knowledge_states WHERE user_id = ?
		ORDER BY updated_at DESC`, userID)
}

// ListByRisk returns a user's topics ordered by forgetting risk descending,
// ties broken by next review ascending (more overdue first). When
// includeExamEvidence is false, topics whose latest evidence came from an
// exam are skipped.
func (s *Store) ListByRisk(userID string, limit int, includeExamEvidence bool) ([]KnowledgeState, error) {
	query := `SELECT ` + knowledgeStateColumns + `
		FROM knowledge_states WHERE user_id = ?`
	if !includeExamEvidence {
		query += ` AND last_evidence != '` + EvidenceExam + `'`
	}
	query += ` ORDER BY forgetting_risk DESC, next_review_at ASC LIMIT ?`
	return s.queryKnowledgeStates(query, userID, limit)
}

// ListWeakest returns a user's topics ordered by mastery ascending.
func (s *Store) ListWeakest(userID string, limit int) ([]KnowledgeState, error) {
	return s.queryKnowledgeStates(`SELECT `+knowledgeStateColumns+`
		FROM knowledge_states WHERE user_id = ?
		ORDER BY mastery ASC, forgetting_risk DESC LIMIT ?`, userID, limit)
}

// ListByNote returns a user's topics linked to the given source note.
func (s *Store) ListByNote(userID, noteID string) ([]KnowledgeState, error) {
	return s.queryKnowledgeStates(`SELECT `+knowledgeStateColumns+`
		FROM knowledge_states WHERE user_id = ? AND source_note_id = ?
		ORDER BY forgetting_risk DESC`, userID, noteID)
}

// --- mistake patterns ---

// IncrementMistake bumps the counter for one (user, topic, category) and
// records when the mistake was last seen.
func (s *Store) IncrementMistake(userID, topic, category string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO mistake_patterns (user_id, topic, category, count, last_seen_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(user_id, topic, category)
		DO UPDATE SET count = count + 1, last_seen_at = excluded.last_seen_at`,
		userID, topic, category, fmtTime(at),
	)
	return err
}

// ListMistakes returns mistake patterns for a user, most frequent first.
// Pass an empty topic to list across all topics.
func (s *Store) ListMistakes(userID, topic string) ([]MistakePattern, error) {
	query := `SELECT user_id, topic, category, count, last_seen_at
		FROM mistake_patterns WHERE user_id = ?`
	args := []any{userID}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY count DESC, last_seen_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MistakePattern
	for rows.Next() {
		var p MistakePattern
		var lastSeen string
		if err := rows.Scan(&p.UserID, &p.Topic, &p.Category, &p.Count, &lastSeen); err != nil {
			return nil, err
		}
		if p.LastSeenAt, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- generation requests ---

const generationRequestColumns = `id, owner_id, kind, payload_json, status, result_json,
	error_message, claimed_by, claimed_at, created_at, updated_at`

func scanGenerationRequest(row interface{ Scan(...any) error }) (GenerationRequest, error) {
	var r GenerationRequest
	var status, kind, created, updated string
	var claimedAt sql.NullString
	err := row.Scan(&r.ID, &r.OwnerID, &kind, &r.PayloadJSON, &status, &r.ResultJSON,
		&r.ErrorMessage, &r.ClaimedBy, &claimedAt, &created, &updated)
	if err != nil {
		return GenerationRequest{}, err
	}
	if r.Status, err = ParseRequestStatus(status); err != nil {
		return GenerationRequest{}, err
	}
	if r.Kind, err = ParseRequestKind(kind); err != nil {
		return GenerationRequest{}, err
	}
	if r.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return GenerationRequest{}, fmt.Errorf("parsing claimed_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return GenerationRequest{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return GenerationRequest{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// CreateGenerationRequest inserts a new request in the generating state.
func (s *Store) CreateGenerationRequest(r GenerationRequest) error {
	if _, err := ParseRequestKind(string(r.Kind)); err != nil {
		return err
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO generation_requests
			(id, owner_id, kind, payload_json, status, result_json, error_message, claimed_by, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'generating', '', '', '', NULL, ?, ?)`,
		r.ID, r.OwnerID, string(r.Kind), r.PayloadJSON, fmtTime(created), fmtTime(created),
	)
	return err
}

// GetGenerationRequest loads one request by id.
func (s *Store) GetGenerationRequest(id string) (GenerationRequest, error) {
	row := s.db.QueryRow(`SELECT `+generationRequestColumns+`
		FROM generation_requests WHERE id = ?`, id)
	r, err := scanGenerationRequest(row)
	if err == sql.ErrNoRows {
		return GenerationRequest{}, ErrNotFound
	}
	return r, err
}

// ClaimRequest attempts to take ownership of a specific generating request.
// The compare-and-set accepts unclaimed rows and rows whose claim is older
// than claimTTL (abandoned by a crashed worker). Exactly one of any number
// of concurrent claim attempts succeeds; losers get (false, nil).
func (s *Store) ClaimRequest(id, workerID string, claimTTL time.Duration) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-claimTTL)
	res, err := s.db.Exec(`
		UPDATE generation_requests
		SET claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'generating' AND (claimed_at IS NULL OR claimed_at < ?)`,
		workerID, fmtTime(now), fmtTime(now), id, fmtTime(cutoff),
	)
	if err != nil {
		return false, fmt.Errorf("claiming request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// claimBatchSize bounds how many candidates one claim pass considers.
const claimBatchSize = 8

// ClaimNextRequest claims the oldest claimable generating request, or
// returns nil when there is none. A candidate lost to a concurrent claimer
// is skipped and the next one is tried in the same pass, so losing a race
// never costs a full poll interval.
func (s *Store) ClaimNextRequest(workerID string, claimTTL time.Duration) (*GenerationRequest, error) {
	cutoff := time.Now().UTC().Add(-claimTTL)
	rows, err := s.db.Query(`SELECT id
		FROM generation_requests
		WHERE status = 'generating' AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY created_at ASC
		LIMIT ?`, fmtTime(cutoff), claimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable requests: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return s.claimFirst(ids, workerID, claimTTL)
}

// claimFirst attempts each candidate in order and returns the first one
// this worker wins, or nil when every candidate was lost or resolved in
// the meantime.
func (s *Store) claimFirst(ids []string, workerID string, claimTTL time.Duration) (*GenerationRequest, error) {
	for _, id := range ids {
		won, err := s.ClaimRequest(id, workerID, claimTTL)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		r, err := s.GetGenerationRequest(id)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	return nil, nil
}

// ResolveRequestReady moves a generating request to the terminal ready
// state with its result payload. Returns ErrConflict if the request is
// already terminal and ErrNotFound if it does not exist.
func (s *Store) ResolveRequestReady(id, resultJSON string) error {
	return s.resolve(id, StatusReady, resultJSON, "")
}

// ResolveRequestFailed moves a generating request to the terminal failed
// state with a human-readable cause.
func (s *Store) ResolveRequestFailed(id, errMsg string) error {
	if errMsg == "" {
		errMsg = "generation failed"
	}
	return s.resolve(id, StatusFailed, "", errMsg)
}

func (s *Store) resolve(id string, status RequestStatus, resultJSON, errMsg string) error {
	now := fmtTime(time.Now().UTC())
	res, err := s.db.Exec(`
		UPDATE generation_requests
		SET status = ?, result_json = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'generating'`,
		string(status), resultJSON, errMsg, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetGenerationRequest(id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}
	return nil
}

// CountRequestsByStatus reports how many requests sit in each status.
func (s *Store) CountRequestsByStatus() (map[RequestStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM generation_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		parsed, err := ParseRequestStatus(status)
		if err != nil {
			return nil, err
		}
		counts[parsed] = n
	}
	return counts, rows.Err()
}

// ResolveQuestionTopic finds the topic a generated question exercised by
// locating the ready quiz result that contains the question id. The LIKE
// filter narrows the scan to candidate rows; the JSON decode confirms the
// match. Returns ErrNotFound when no ready quiz carries the id.
func (s *Store) ResolveQuestionTopic(questionID string) (topic, sourceNoteID string, err error) {
	rows, err := s.db.Query(`
		SELECT result_json FROM generation_requests
		WHERE kind = 'quiz_generation' AND status = 'ready' AND result_json LIKE ?`,
		"%"+questionID+"%",
	)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return "", "", err
		}
		var result struct {
			Questions []struct {
				ID           string `json:"id"`
				Topic        string `json:"topic"`
				SourceNoteID string `json:"source_note_id"`
			} `json:"questions"`
		}
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			continue
		}
		for _, q := range result.Questions {
			if q.ID == questionID {
				return q.Topic, q.SourceNoteID, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	return "", "", ErrNotFound
}
