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

// Store wraps a SQLite database holding the agent/thread directory and the
// per-thread short-term chat log.
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
		dsn = filepath.Join(dataDir, "assistant.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
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

// DB exposes the underlying database for collaborators sharing the same
// file, such as the chunk index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
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

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Agents ---

func (s *Store) InsertAgent(a Agent) error {
	userIDs, err := json.Marshal(a.UserIDs)
	if err != nil {
		return fmt.Errorf("marshaling user_ids: %w", err)
	}
	config := a.Config
	if config == "" {
		config = "{}"
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, owner_user_id, config, user_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.OwnerUserID, config, string(userIDs), a.CreatedAt.UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetAgent(id string) (Agent, error) {
	row := s.db.QueryRow(`
		SELECT id, name, owner_user_id, config, user_ids, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgentsForOwner returns all agents owned by the given user.
func (s *Store) ListAgentsForOwner(ownerUserID string) ([]Agent, error) {
	return s.listAgents(`
		SELECT id, name, owner_user_id, config, user_ids, created_at
		FROM agents WHERE owner_user_id = ? ORDER BY created_at ASC`, ownerUserID)
}

// ListAgentsForMember returns all agents the given user can access: those
// naming the user in their access list plus public agents (empty list).
func (s *Store) ListAgentsForMember(userID string) ([]Agent, error) {
	return s.listAgents(`
		SELECT id, name, owner_user_id, config, user_ids, created_at
		FROM agents
		WHERE user_ids = '[]'
		   OR EXISTS (SELECT 1 FROM json_each(agents.user_ids) WHERE json_each.value = ?)
		ORDER BY created_at ASC`, userID)
}

func (s *Store) listAgents(query string, args ...any) ([]Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var userIDs, createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.OwnerUserID, &a.Config, &userIDs, &createdAt)
	if err == sql.ErrNoRows {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	if err := json.Unmarshal([]byte(userIDs), &a.UserIDs); err != nil {
		return Agent{}, fmt.Errorf("parsing user_ids for agent %s: %w", a.ID, err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Agent{}, fmt.Errorf("parsing created_at for agent %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	return a, nil
}

// DeleteAgent removes an agent record. Deleting an absent agent is a no-op
// so that a retried cascade converges.
func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec("DELETE FROM agents WHERE id = ?", id)
	return err
}

// --- Threads ---

func (s *Store) InsertThread(t Thread) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (id, name, owner_user_id, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.OwnerUserID, t.AgentID, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetThread(id string) (Thread, error) {
	row := s.db.QueryRow(`
		SELECT id, name, owner_user_id, agent_id, created_at
		FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

func (s *Store) ListThreadsForOwner(ownerUserID string) ([]Thread, error) {
	return s.listThreads(`
		SELECT id, name, owner_user_id, agent_id, created_at
		FROM threads WHERE owner_user_id = ? ORDER BY created_at ASC`, ownerUserID)
}

// ListThreadsForAgent returns all threads attached to the given agent.
// Used by the agent deletion saga to find descendants.
func (s *Store) ListThreadsForAgent(agentID string) ([]Thread, error) {
	return s.listThreads(`
		SELECT id, name, owner_user_id, agent_id, created_at
		FROM threads WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
}

func (s *Store) listThreads(query string, args ...any) ([]Thread, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func scanThread(row rowScanner) (Thread, error) {
	var t Thread
	var createdAt string
	err := row.Scan(&t.ID, &t.Name, &t.OwnerUserID, &t.AgentID, &createdAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Thread{}, fmt.Errorf("parsing created_at for thread %s: %w", t.ID, err)
	}
	t.CreatedAt = ts
	return t, nil
}

// DeleteThread removes a thread record. Idempotent.
func (s *Store) DeleteThread(id string) error {
	_, err := s.db.Exec("DELETE FROM threads WHERE id = ?", id)
	return err
}

// DeleteThreadsForAgent removes all thread records under an agent and
// returns the number deleted. Idempotent.
func (s *Store) DeleteThreadsForAgent(agentID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM threads WHERE agent_id = ?", agentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Short-term chat log ---

// AppendMessage appends one message to a thread's short-term log.
func (s *Store) AppendMessage(m ChatMessage) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO chat_messages (thread_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		m.ThreadID, m.Role, m.Content, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentMessages returns the newest messages of a thread whose combined
// token estimate fits within tokenLimit, oldest first. Older messages are
// evicted from the window first.
func (s *Store) RecentMessages(threadID string, tokenLimit int) ([]ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT thread_id, role, content, created_at
		FROM chat_messages WHERE thread_id = ? ORDER BY id DESC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var window []ChatMessage
	budget := tokenLimit
	for rows.Next() {
		var m ChatMessage
		var createdAt string
		if err := rows.Scan(&m.ThreadID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t

		cost := estimateTokens(m.Content)
		if budget-cost < 0 && len(window) > 0 {
			break
		}
		budget -= cost
		window = append(window, m)
		if budget <= 0 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Scanned newest-first; return oldest-first.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window, nil
}

// CountMessages returns the number of messages in a thread's log.
func (s *Store) CountMessages(threadID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE thread_id = ?", threadID).Scan(&n)
	return n, err
}

// DeleteMessages removes a thread's entire short-term log. Idempotent.
func (s *Store) DeleteMessages(threadID string) error {
	_, err := s.db.Exec("DELETE FROM chat_messages WHERE thread_id = ?", threadID)
	return err
}

// estimateTokens approximates the token count of text as words scaled by
// 4/3, the rough words-to-tokens ratio for English prose.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return words * 4 / 3
}
