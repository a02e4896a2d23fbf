// Package patternstore persists learned signatures in SQLite with the
// query indexes the learning loop needs. The reputation cache is the source
// of truth for reads; this store is the crash-durable replica.
package patternstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Action describes how much of the pipeline a signature may influence.
type Action string

const (
	ActionLogOnly   Action = "LogOnly"
	ActionScoreOnly Action = "ScoreOnly"
	ActionFull      Action = "Full"
)

// LearnedSignature is the durable form of a reputation or learning event.
type LearnedSignature struct {
	PatternID     string            `json:"patternId"`
	SignatureType string            `json:"signatureType"`
	Pattern       string            `json:"pattern"`
	Confidence    float64           `json:"confidence"`
	Occurrences   int64             `json:"occurrences"`
	FirstSeen     time.Time         `json:"firstSeen"`
	LastSeen      time.Time         `json:"lastSeen"`
	Action        Action            `json:"action"`
	BotType       string            `json:"botType,omitempty"`
	BotName       string            `json:"botName,omitempty"`
	Source        string            `json:"source,omitempty"`
	FedBack       bool              `json:"fedBack"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes store contents.
type Stats struct {
	Total          int64            `json:"total"`
	ByType         map[string]int64 `json:"byType"`
	ByAction       map[string]int64 `json:"byAction"`
	PendingFedBack int64            `json:"pendingFedBack"`
}

// Store is a sqlite-backed signature store. Writes are serialized through a
// single mutex to avoid database contention; reads run concurrently.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// New opens (or creates) the database at path and runs migrations.
// WAL mode keeps concurrent readers off the writer's back.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Str("path", path).Msg("pattern store initialized")
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learned_signatures (
		pattern_id TEXT PRIMARY KEY,
		signature_type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		occurrences INTEGER NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		action TEXT NOT NULL DEFAULT 'LogOnly',
		bot_type TEXT,
		bot_name TEXT,
		source TEXT,
		fed_back INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_signatures_type ON learned_signatures(signature_type);
	CREATE INDEX IF NOT EXISTS idx_signatures_confidence ON learned_signatures(confidence DESC, occurrences DESC);
	CREATE INDEX IF NOT EXISTS idx_signatures_last_seen ON learned_signatures(last_seen);
	CREATE INDEX IF NOT EXISTS idx_signatures_fed_back ON learned_signatures(fed_back, occurrences);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert inserts or merges a signature. Confidence is monotonic (only ever
// increases), occurrences increments by one, last_seen and action refresh.
func (s *Store) Upsert(sig LearnedSignature) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	metadata := ""
	if len(sig.Metadata) > 0 {
		raw, err := json.Marshal(sig.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	now := time.Now().UTC()
	firstSeen := sig.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := sig.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}
	occurrences := sig.Occurrences
	if occurrences <= 0 {
		occurrences = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO learned_signatures
			(pattern_id, signature_type, pattern, confidence, occurrences,
			 first_seen, last_seen, action, bot_type, bot_name, source, fed_back, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			confidence = MAX(confidence, excluded.confidence),
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen,
			action = excluded.action,
			bot_type = COALESCE(NULLIF(excluded.bot_type, ''), bot_type),
			bot_name = COALESCE(NULLIF(excluded.bot_name, ''), bot_name),
			metadata = CASE WHEN excluded.metadata != '' THEN excluded.metadata ELSE metadata END
	`, sig.PatternID, sig.SignatureType, sig.Pattern, sig.Confidence, occurrences,
		firstSeen, lastSeen, string(sig.Action), sig.BotType, sig.BotName, sig.Source,
		boolToInt(sig.FedBack), metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert signature %s: %w", sig.PatternID, err)
	}
	return nil
}

// Get returns a single signature by pattern id.
func (s *Store) Get(patternID string) (*LearnedSignature, error) {
	row := s.db.QueryRow(selectColumns+` WHERE pattern_id = ?`, patternID)
	sig, err := scanSignature(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sig, err
}

// GetByType returns all signatures of the given type.
func (s *Store) GetByType(signatureType string) ([]LearnedSignature, error) {
	rows, err := s.db.Query(selectColumns+` WHERE signature_type = ? ORDER BY last_seen DESC`, signatureType)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// GetByConfidence returns signatures at or above min confidence, ordered by
// confidence then occurrences, both descending.
func (s *Store) GetByConfidence(min float64) ([]LearnedSignature, error) {
	rows, err := s.db.Query(selectColumns+`
		WHERE confidence >= ?
		ORDER BY confidence DESC, occurrences DESC`, min)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// GetPendingFeedback returns signatures with at least minOccurrences that
// have not yet been fed back.
func (s *Store) GetPendingFeedback(minOccurrences int64) ([]LearnedSignature, error) {
	rows, err := s.db.Query(selectColumns+`
		WHERE fed_back = 0 AND occurrences >= ?
		ORDER BY occurrences DESC`, minOccurrences)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkFedBack flags a signature as fed back.
func (s *Store) MarkFedBack(patternID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE learned_signatures SET fed_back = 1 WHERE pattern_id = ?`, patternID)
	return err
}

// Delete removes a signature.
func (s *Store) Delete(patternID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM learned_signatures WHERE pattern_id = ?`, patternID)
	return err
}

// CleanupOld removes rows not seen within maxAge that never accumulated
// meaningful occurrence counts. Returns the number removed.
func (s *Store) CleanupOld(maxAge time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.Exec(`
		DELETE FROM learned_signatures
		WHERE last_seen < ? AND occurrences < 10`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarizes the store contents.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int64), ByAction: make(map[string]int64)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learned_signatures`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM learned_signatures WHERE fed_back = 0`).Scan(&stats.PendingFedBack); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT signature_type, COUNT(*) FROM learned_signatures GROUP BY signature_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		stats.ByType[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actionRows, err := s.db.Query(`SELECT action, COUNT(*) FROM learned_signatures GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var action string
		var count int64
		if err := actionRows.Scan(&action, &count); err != nil {
			return nil, err
		}
		stats.ByAction[action] = count
	}
	return stats, actionRows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT pattern_id, signature_type, pattern, confidence, occurrences,
	       first_seen, last_seen, action, bot_type, bot_name, source, fed_back, metadata
	FROM learned_signatures`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignature(row rowScanner) (*LearnedSignature, error) {
	var sig LearnedSignature
	var action string
	var botType, botName, source, metadata sql.NullString
	var fedBack int
	if err := row.Scan(&sig.PatternID, &sig.SignatureType, &sig.Pattern,
		&sig.Confidence, &sig.Occurrences, &sig.FirstSeen, &sig.LastSeen,
		&action, &botType, &botName, &source, &fedBack, &metadata); err != nil {
		return nil, err
	}
	sig.Action = Action(action)
	sig.BotType = botType.String
	sig.BotName = botName.String
	sig.Source = source.String
	sig.FedBack = fedBack != 0
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sig.Metadata); err != nil {
			log.Debug().Str("patternId", sig.PatternID).Err(err).Msg("signature metadata unreadable")
		}
	}
	return &sig, nil
}

func collect(rows *sql.Rows) ([]LearnedSignature, error) {
	defer rows.Close()
	var out []LearnedSignature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
