// Package handler implements the business rules behind every protocol
// operation. It knows nothing about wire formats or connections beyond the
// models.LiveConn handle used for push delivery.
package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"courier/db"
	"courier/models"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost of server-side verifiers.
const DefaultCost = 12

// DeletedSender names the sender of a message whose account is gone.
const DeletedSender = "[deleted]"

// Stored values must fit the binary encoding's length prefixes.
const (
	MaxUsernameLen = 0xFF
	MaxBodyLen     = 0xFFFF
)

var (
	// ErrInvalidPasswordHash means the submitted client hash is too short to
	// carry a bcrypt prefix or cannot be hashed again.
	ErrInvalidPasswordHash = errors.New("invalid password hash")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrSenderNotFound      = errors.New("sender not found")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrSelfMessage         = errors.New("cannot send a message to yourself")
	ErrInvalidSession      = errors.New("invalid session key")
	ErrUsernameTooLong     = fmt.Errorf("username longer than %d bytes", MaxUsernameLen)
	ErrMessageTooLong      = fmt.Errorf("message longer than %d bytes", MaxBodyLen)
)

// Hasher produces and checks server-side password verifiers.
type Hasher interface {
	Hash(secret string, cost int) (string, error)
	Verify(secret, digest string) bool
}

type BcryptHasher struct{}

func (BcryptHasher) Hash(secret string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (BcryptHasher) Verify(secret, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}

// Grant is the outcome of a successful login or account creation.
type Grant struct {
	AccountID  int
	SessionKey string
	Unread     int
}

type Handler struct {
	store  db.Store
	hasher Hasher
	cost   int
	log    *slog.Logger
}

type Option func(*Handler)

func WithHasher(h Hasher) Option {
	return func(hd *Handler) { hd.hasher = h }
}

// WithCost sets the bcrypt cost for new accounts. Values outside bcrypt's
// accepted range are ignored.
func WithCost(cost int) Option {
	return func(hd *Handler) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			hd.cost = cost
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(hd *Handler) { hd.log = l }
}

func New(store db.Store, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		hasher: BcryptHasher{},
		cost:   DefaultCost,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Store() db.Store {
	return h.store
}

// CreateAccount registers username with clientHash, the client's own bcrypt
// of the password. Its first 29 characters are kept so other clients can
// derive the same pre-hash. A taken username yields db.ErrUsernameTaken.
func (h *Handler) CreateAccount(username, clientHash string) (Grant, error) {
	if len(username) > MaxUsernameLen {
		return Grant{}, ErrUsernameTooLong
	}
	if len(clientHash) < models.ClientPrefixLength {
		return Grant{}, ErrInvalidPasswordHash
	}
	if _, err := h.store.AccountByUsername(username); err == nil {
		return Grant{}, db.ErrUsernameTaken
	}

	verifier, err := h.hasher.Hash(clientHash, h.cost)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidPasswordHash, err)
	}

	id, err := h.store.CreateAccount(username, verifier, clientHash[:models.ClientPrefixLength])
	if err != nil {
		return Grant{}, err
	}
	key, err := h.store.CreateSession(id)
	if err != nil {
		return Grant{}, err
	}

	h.log.Info("account created", "account", id, "username", username)
	return Grant{AccountID: id, SessionKey: key}, nil
}

// Login checks clientHash against the stored verifier and returns the
// account's unread count.
func (h *Handler) Login(username, clientHash string) (Grant, error) {
	acc, err := h.store.AccountByUsername(username)
	if errors.Is(err, db.ErrNotFound) {
		return Grant{}, ErrInvalidCredentials
	}
	if err != nil {
		return Grant{}, err
	}
	if !h.hasher.Verify(clientHash, acc.PasswordHash) {
		return Grant{}, ErrInvalidCredentials
	}

	unread, err := h.store.UnreadCount(acc.ID)
	if err != nil {
		return Grant{}, err
	}
	key, err := h.store.CreateSession(acc.ID)
	if err != nil {
		return Grant{}, err
	}

	h.log.Info("login", "account", acc.ID, "unread", unread)
	return Grant{AccountID: acc.ID, SessionKey: key, Unread: unread}, nil
}

// ResumeSession authenticates with a key from an earlier Login or
// CreateAccount instead of credentials.
func (h *Handler) ResumeSession(key string) (Grant, error) {
	id, err := h.store.ResolveSession(key)
	if errors.Is(err, db.ErrNotFound) {
		return Grant{}, ErrInvalidSession
	}
	if err != nil {
		return Grant{}, err
	}
	if _, err := h.store.AccountByID(id); err != nil {
		return Grant{}, ErrInvalidSession
	}

	unread, err := h.store.UnreadCount(id)
	if err != nil {
		return Grant{}, err
	}
	return Grant{AccountID: id, SessionKey: key, Unread: unread}, nil
}

// LookupAccount reports whether username exists and, if so, its client
// bcrypt prefix.
func (h *Handler) LookupAccount(username string) (bool, string, error) {
	acc, err := h.store.AccountByUsername(username)
	if errors.Is(err, db.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, acc.ClientPrefix, nil
}

// ListAccounts pages through accounts by id: only ids above offsetID whose
// username contains filter are returned, at most maxCount of them.
func (h *Handler) ListAccounts(maxCount, offsetID int, filter string) ([]models.AccountSummary, error) {
	all, err := h.store.ListAccounts()
	if err != nil {
		return nil, err
	}

	out := make([]models.AccountSummary, 0, min(max(maxCount, 0), len(all)))
	for _, acc := range all {
		if len(out) >= maxCount {
			break
		}
		if acc.ID <= offsetID || !strings.Contains(acc.Username, filter) {
			continue
		}
		out = append(out, models.AccountSummary{ID: acc.ID, Username: acc.Username})
	}
	return out, nil
}

// SendMessage stores body for recipient and returns the new message id.
// When the recipient has an open live connection the message is taken off
// the unread queue and pushed; a failed push puts it back.
func (h *Handler) SendMessage(senderID int, recipient, body string) (int, error) {
	if len(body) > MaxBodyLen {
		return 0, ErrMessageTooLong
	}
	sender, err := h.store.AccountByID(senderID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrSenderNotFound
	}
	if err != nil {
		return 0, err
	}
	to, err := h.store.AccountByUsername(recipient)
	if errors.Is(err, db.ErrNotFound) {
		return 0, ErrRecipientNotFound
	}
	if err != nil {
		return 0, err
	}
	if to.ID == sender.ID {
		return 0, ErrSelfMessage
	}

	id, err := h.store.CreateMessage(models.Message{SenderID: sender.ID, RecipientID: to.ID, Body: body})
	if err != nil {
		return 0, err
	}

	conn, ok := h.store.LiveConnection(to.ID)
	if !ok || conn.IsClosed() {
		h.log.Debug("message queued", "message", id, "from", sender.ID, "to", to.ID)
		return id, nil
	}

	// A claimed message is invisible to RequestMessages.
	claimed, err := h.store.MarkRead(id)
	if err != nil {
		h.log.Error("claim message for push", "message", id, "err", err)
		return id, nil
	}
	if !claimed {
		return id, nil
	}

	view := models.MessageView{ID: id, Sender: sender.Username, Body: body}
	if err := conn.PushMessages([]models.MessageView{view}); err != nil {
		h.log.Warn("push failed, message requeued", "message", id, "to", to.ID, "err", err)
		if err := h.store.Requeue([]int{id}); err != nil {
			h.log.Error("requeue message", "message", id, "err", err)
		}
		return id, nil
	}
	h.log.Debug("message pushed", "message", id, "from", sender.ID, "to", to.ID)
	return id, nil
}

// RequestMessages pops up to maxCount unread messages, oldest first, and
// marks them read.
func (h *Handler) RequestMessages(accountID, maxCount int) ([]models.MessageView, error) {
	msgs, err := h.store.MarkUnreadBatch(accountID, maxCount)
	if err != nil {
		return nil, err
	}

	names := make(map[int]string)
	out := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.SenderID]
		if !ok {
			name = DeletedSender
			if acc, err := h.store.AccountByID(m.SenderID); err == nil {
				name = acc.Username
			}
			names[m.SenderID] = name
		}
		out = append(out, models.MessageView{ID: m.ID, Sender: name, Body: m.Body})
	}
	return out, nil
}

// Requeue returns fetched messages that could not be delivered to the
// front of their recipient's queue.
func (h *Handler) Requeue(msgs []models.MessageView) error {
	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return h.store.Requeue(ids)
}

// DeleteMessages deletes every id or, if any id is unknown or not
// addressed to or from accountID, none of them.
func (h *Handler) DeleteMessages(accountID int, ids []int) error {
	if err := h.store.DeleteMessagesFor(accountID, ids); err != nil {
		return err
	}
	h.log.Debug("messages deleted", "account", accountID, "count", len(ids))
	return nil
}

// DeleteAccount removes the account. Its username stays reserved and its
// messages stay with their other participant.
func (h *Handler) DeleteAccount(accountID int) error {
	if err := h.store.DeleteAccount(accountID); err != nil {
		return err
	}
	h.log.Info("account deleted", "account", accountID)
	return nil
}
