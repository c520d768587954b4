// Package db holds the account, message and session state of the server.
// Every Store method is atomic with respect to every other method on the
// same Store: implementations guard all of their state with one mutex.
package db

import (
	"errors"
	"fmt"
	"strings"

	"courier/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already registered")
	// ErrForbidden is returned when an account touches a message it neither
	// sent nor received.
	ErrForbidden = errors.New("not a participant of the message")
)

type Store interface {
	// CreateAccount returns the new account id, or ErrUsernameTaken if the
	// username was ever registered before, even by a deleted account.
	CreateAccount(username, passwordHash, clientPrefix string) (int, error)
	AccountByID(id int) (models.Account, error)
	AccountByUsername(username string) (models.Account, error)
	// ListAccounts returns accounts in ascending id order, which is also
	// creation order.
	ListAccounts() ([]models.Account, error)
	// DeleteAccount drops the account, its unread queue, its session keys and
	// its live connection. The username stays reserved and messages stay.
	DeleteAccount(id int) error

	CreateSession(accountID int) (string, error)
	ResolveSession(key string) (int, error)

	// CreateMessage stores m and, if m.Read is false, appends it to the
	// recipient's unread queue.
	CreateMessage(m models.Message) (int, error)
	// MarkUnreadBatch pops up to limit messages off the front of the unread
	// queue of accountID and marks them read.
	MarkUnreadBatch(accountID, limit int) ([]models.Message, error)
	// MarkRead flips a single unread message to read. It reports false if
	// the message is absent or already read.
	MarkRead(id int) (bool, error)
	// Requeue flips read messages back to unread and returns them to their
	// recipient's queue in id order. Unknown ids, unread messages and
	// messages of deleted recipients are skipped.
	Requeue(ids []int) error
	UnreadCount(accountID int) (int, error)
	Message(id int) (models.Message, error)
	// DeleteMessage is a no-op for unknown ids.
	DeleteMessage(id int) error
	// DeleteMessagesFor deletes every id in ids if all of them exist and
	// accountID is the sender or recipient of each. Otherwise nothing is
	// deleted and ErrNotFound or ErrForbidden is returned.
	DeleteMessagesFor(accountID int, ids []int) error

	RegisterLiveConnection(accountID int, conn models.LiveConn)
	// UnregisterLiveConnection removes the entry only while it still points
	// at conn, so a stale teardown cannot evict a newer login.
	UnregisterLiveConnection(accountID int, conn models.LiveConn)
	LiveConnection(accountID int) (models.LiveConn, bool)

	Stats() (Stats, error)
	Close() error
}

// Stats is a point-in-time summary used by the admin surfaces.
type Stats struct {
	Accounts int `json:"accounts"`
	Messages int `json:"messages"`
	Unread   int `json:"unread"`
	Live     int `json:"live"`
}

// newSessionKey returns an unguessable random token.
func newSessionKey() string {
	return uuid.NewString()
}

// liveRegistry maps account ids to their live connection. It has no lock of
// its own; callers hold the owning store's mutex.
type liveRegistry map[int]models.LiveConn

func (r liveRegistry) register(accountID int, conn models.LiveConn) {
	r[accountID] = conn
}

func (r liveRegistry) unregister(accountID int, conn models.LiveConn) {
	if cur, ok := r[accountID]; ok && (conn == nil || cur == conn) {
		delete(r, accountID)
	}
}

func (r liveRegistry) lookup(accountID int) (models.LiveConn, bool) {
	conn, ok := r[accountID]
	return conn, ok
}

// Open returns the backend named by kind: "memory" or "sqlite".
func Open(kind, dsn string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
