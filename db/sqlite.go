package db

import (
	"database/sql"
	"fmt"
	"sync"

	"courier/models"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultSQLiteDSN keeps the database in process memory, so state is lost on
// restart just like with MemoryStore.
const DefaultSQLiteDSN = ":memory:"

// SQLiteStore is a Store backed by SQLite. AUTOINCREMENT keys give the same
// never-reused id guarantee as MemoryStore. The live registry cannot be
// persisted and stays in memory under the same mutex.
type SQLiteStore struct {
	mu   sync.Mutex
	conn *sql.DB
	live liveRegistry
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// Every connection to ":memory:" is a separate database.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &SQLiteStore{conn: conn, live: make(liveRegistry)}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			client_prefix TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reserved_usernames (
			username TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			recipient_id INTEGER NOT NULL,
			body TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS unread (
			message_id INTEGER PRIMARY KEY,
			recipient_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unread_recipient ON unread(recipient_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits if fn succeeds.
func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateAccount(username, passwordHash, clientPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM reserved_usernames WHERE username = ?", username).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return ErrUsernameTaken
		}
		if _, err := tx.Exec("INSERT INTO reserved_usernames (username) VALUES (?)", username); err != nil {
			return err
		}
		res, err := tx.Exec(
			"INSERT INTO accounts (username, password_hash, client_prefix) VALUES (?, ?, ?)",
			username, passwordHash, clientPrefix,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

func (s *SQLiteStore) AccountByID(id int) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanAccount(s.conn.QueryRow(
		"SELECT id, username, password_hash, client_prefix FROM accounts WHERE id = ?", id))
}

func (s *SQLiteStore) AccountByUsername(username string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanAccount(s.conn.QueryRow(
		"SELECT id, username, password_hash, client_prefix FROM accounts WHERE username = ?", username))
}

func (s *SQLiteStore) scanAccount(row *sql.Row) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.ClientPrefix)
	if err == sql.ErrNoRows {
		return models.Account{}, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) ListAccounts() ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query("SELECT id, username, password_hash, client_prefix FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.ClientPrefix); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) DeleteAccount(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM accounts WHERE id = ?",
			"DELETE FROM unread WHERE recipient_id = ?",
			"DELETE FROM sessions WHERE account_id = ?",
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.live.unregister(id, nil)
	return nil
}

func (s *SQLiteStore) CreateSession(accountID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newSessionKey()
	if _, err := s.conn.Exec("INSERT INTO sessions (key, account_id) VALUES (?, ?)", key, accountID); err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) ResolveSession(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	err := s.conn.QueryRow("SELECT account_id FROM sessions WHERE key = ?", key).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (s *SQLiteStore) CreateMessage(m models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO messages (sender_id, recipient_id, body, read) VALUES (?, ?, ?, ?)",
			m.SenderID, m.RecipientID, m.Body, m.Read,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		if !m.Read {
			_, err = tx.Exec("INSERT INTO unread (message_id, recipient_id) VALUES (?, ?)", id, m.RecipientID)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(id), nil
}

func (s *SQLiteStore) MarkUnreadBatch(accountID, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := []models.Message{}
	if limit <= 0 {
		return messages, nil
	}
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT m.id, m.sender_id, m.recipient_id, m.body
			FROM unread u JOIN messages m ON m.id = u.message_id
			WHERE u.recipient_id = ?
			ORDER BY u.message_id
			LIMIT ?`, accountID, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			m := models.Message{Read: true}
			if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body); err != nil {
				rows.Close()
				return err
			}
			messages = append(messages, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range messages {
			if err := markReadTx(tx, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func markReadTx(tx *sql.Tx, id int) error {
	if _, err := tx.Exec("UPDATE messages SET read = 1 WHERE id = ?", id); err != nil {
		return err
	}
	_, err := tx.Exec("DELETE FROM unread WHERE message_id = ?", id)
	return err
}

func (s *SQLiteStore) MarkRead(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var marked bool
	err := s.withTx(func(tx *sql.Tx) error {
		var read bool
		err := tx.QueryRow("SELECT read FROM messages WHERE id = ?", id).Scan(&read)
		if err == sql.ErrNoRows || read {
			return nil
		}
		if err != nil {
			return err
		}
		marked = true
		return markReadTx(tx, id)
	})
	return marked, err
}

func (s *SQLiteStore) Requeue(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The unread table is ordered by message_id, so reinserting keeps FIFO.
	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`UPDATE messages SET read = 0
				WHERE id = ? AND read = 1
				AND recipient_id IN (SELECT id FROM accounts)`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := tx.Exec(
				"INSERT INTO unread (message_id, recipient_id) SELECT id, recipient_id FROM messages WHERE id = ?", id,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UnreadCount(accountID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM unread WHERE recipient_id = ?", accountID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) Message(id int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m models.Message
	err := s.conn.QueryRow(
		"SELECT id, sender_id, recipient_id, body, read FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.Read)
	if err == sql.ErrNoRows {
		return models.Message{}, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) DeleteMessage(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withTx(func(tx *sql.Tx) error {
		return deleteMessageTx(tx, id)
	})
}

func deleteMessageTx(tx *sql.Tx, id int) error {
	if _, err := tx.Exec("DELETE FROM unread WHERE message_id = ?", id); err != nil {
		return err
	}
	_, err := tx.Exec("DELETE FROM messages WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) DeleteMessagesFor(accountID int, ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			var sender, recipient int
			err := tx.QueryRow("SELECT sender_id, recipient_id FROM messages WHERE id = ?", id).Scan(&sender, &recipient)
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if sender != accountID && recipient != accountID {
				return ErrForbidden
			}
		}
		for _, id := range ids {
			if err := deleteMessageTx(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) RegisterLiveConnection(accountID int, conn models.LiveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.register(accountID, conn)
}

func (s *SQLiteStore) UnregisterLiveConnection(accountID int, conn models.LiveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.unregister(accountID, conn)
}

func (s *SQLiteStore) LiveConnection(accountID int) (models.LiveConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.lookup(accountID)
}

func (s *SQLiteStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Live: len(s.live)}
	err := s.conn.QueryRow(`SELECT
		(SELECT COUNT(*) FROM accounts),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM unread)`).Scan(&st.Accounts, &st.Messages, &st.Unread)
	return st, err
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
