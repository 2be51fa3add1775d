package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const ledgerDBName = "ledger.db"

var errLedgerClosed = errors.New("ledger is closed")

// EncryptedLedger implements domain.ChildLedger using a SQLCipher encrypted SQLite database.
// It lives inside the run's workspace, so it disappears with it.
type EncryptedLedger struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// NewEncryptedLedger opens (or creates) the ledger in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedLedger(dataDir string, key []byte) (*EncryptedLedger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, ledgerDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// A wrong key only surfaces on first access
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	l := &EncryptedLedger{db: db, dbPath: dbPath}
	if err := l.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return l, nil
}

// OpenLedger opens the ledger in dataDir, creating its key on first use.
func OpenLedger(dataDir string) (*EncryptedLedger, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, err
	}
	return NewEncryptedLedger(dataDir, key)
}

func (l *EncryptedLedger) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS children (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL UNIQUE,
		agent_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record adds a child. Recording the same PID twice replaces the entry.
func (l *EncryptedLedger) Record(child domain.ChildRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return errLedgerClosed
	}

	startedAt := child.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO children (pid, agent_id, role, started_at)
		VALUES (?, ?, ?, ?)`,
		child.PID, int(child.AgentID), string(child.Role), startedAt.UnixNano(),
	)
	return err
}

// Forget removes a child by PID. Unknown PIDs are ignored.
func (l *EncryptedLedger) Forget(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return errLedgerClosed
	}

	_, err := l.db.Exec(`DELETE FROM children WHERE pid = ?`, pid)
	return err
}

// List returns all recorded children in spawn order.
func (l *EncryptedLedger) List() ([]domain.ChildRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, errLedgerClosed
	}

	rows, err := l.db.Query(`SELECT pid, agent_id, role, started_at FROM children ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChildRecord
	for rows.Next() {
		var pid, agentID int
		var role string
		var startedAt int64
		if err := rows.Scan(&pid, &agentID, &role, &startedAt); err != nil {
			return nil, err
		}
		out = append(out, domain.ChildRecord{
			AgentID:   domain.AgentID(agentID),
			Role:      domain.ChildRole(role),
			PID:       pid,
			StartedAt: time.Unix(0, startedAt),
		})
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (l *EncryptedLedger) Path() string {
	return l.dbPath
}

// Close releases the database connection.
func (l *EncryptedLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Ensure EncryptedLedger implements domain.ChildLedger.
var _ domain.ChildLedger = (*EncryptedLedger)(nil)
