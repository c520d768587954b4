package handler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"courier/db"
	"courier/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const prefix = "$2a$04$abcdefghijklmnopqrstuu"

// clientHash fakes what a client would send: a full bcrypt string.
func clientHash(secret string) string {
	return prefix + fmt.Sprintf("%031s", secret)
}

func newHandler(t *testing.T) *Handler {
	t.Helper()
	return New(db.NewMemoryStore(), WithCost(bcrypt.MinCost))
}

func mustCreate(t *testing.T, h *Handler, name string) int {
	t.Helper()
	g, err := h.CreateAccount(name, clientHash(name))
	require.NoError(t, err)
	return g.AccountID
}

type recordingConn struct {
	mu     sync.Mutex
	closed bool
	fail   bool
	got    []models.MessageView
}

func (c *recordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingConn) PushMessages(msgs []models.MessageView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, msgs...)
	return nil
}

func TestScenario_JuneAndCatherine(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	_, err := h.SendMessage(june, "catherine", "Hi!")
	require.NoError(t, err)

	n, err := h.Store().UnreadCount(cat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g, err := h.Login("catherine", clientHash("catherine"))
	require.NoError(t, err)
	assert.Equal(t, cat, g.AccountID)
	assert.Equal(t, 1, g.Unread)
	assert.NotEmpty(t, g.SessionKey)

	msgs, err := h.RequestMessages(cat, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "june", msgs[0].Sender)
	assert.Equal(t, "Hi!", msgs[0].Body)

	require.NoError(t, h.DeleteMessages(cat, []int{msgs[0].ID}))

	msgs, err = h.RequestMessages(cat, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreateAccount(t *testing.T) {
	h := newHandler(t)

	g, err := h.CreateAccount("june", clientHash("pw"))
	require.NoError(t, err)
	assert.Equal(t, 1, g.AccountID)
	assert.NotEmpty(t, g.SessionKey)

	acc, err := h.Store().AccountByID(g.AccountID)
	require.NoError(t, err)
	assert.Equal(t, prefix, acc.ClientPrefix)
	assert.NotEqual(t, clientHash("pw"), acc.PasswordHash, "verifier is hashed again")
	assert.True(t, BcryptHasher{}.Verify(clientHash("pw"), acc.PasswordHash))

	_, err = h.CreateAccount("june", clientHash("other"))
	assert.ErrorIs(t, err, db.ErrUsernameTaken)

	_, err = h.CreateAccount("rosa", "$2a$04$short")
	assert.ErrorIs(t, err, ErrInvalidPasswordHash)

	require.NoError(t, h.DeleteAccount(g.AccountID))
	_, err = h.CreateAccount("june", clientHash("pw"))
	assert.ErrorIs(t, err, db.ErrUsernameTaken, "usernames are never reused")
}

func TestLogin(t *testing.T) {
	h := newHandler(t)
	mustCreate(t, h, "june")

	_, err := h.Login("june", clientHash("wrong"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = h.Login("nobody", clientHash("june"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	g, err := h.Login("june", clientHash("june"))
	require.NoError(t, err)
	assert.Zero(t, g.Unread)
}

func TestResumeSession(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	g, err := h.Login("june", clientHash("june"))
	require.NoError(t, err)

	resumed, err := h.ResumeSession(g.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, june, resumed.AccountID)

	_, err = h.ResumeSession("nope")
	assert.ErrorIs(t, err, ErrInvalidSession)

	require.NoError(t, h.DeleteAccount(june))
	_, err = h.ResumeSession(g.SessionKey)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestLookupAccount(t *testing.T) {
	h := newHandler(t)
	mustCreate(t, h, "june")

	ok, p, err := h.LookupAccount("june")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, prefix, p)
	assert.Len(t, p, models.ClientPrefixLength)

	ok, p, err = h.LookupAccount("catherine")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, p)
}

func TestListAccounts(t *testing.T) {
	h := newHandler(t)
	for _, name := range []string{"june", "catherine", "juniper", "rosa", "junko"} {
		mustCreate(t, h, name)
	}

	all, err := h.ListAccounts(255, 0, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	got, err := h.ListAccounts(2, 0, "jun")
	require.NoError(t, err)
	assert.Equal(t, []models.AccountSummary{{ID: 1, Username: "june"}, {ID: 3, Username: "juniper"}}, got)

	next, err := h.ListAccounts(2, got[len(got)-1].ID, "jun")
	require.NoError(t, err)
	assert.Equal(t, []models.AccountSummary{{ID: 5, Username: "junko"}}, next)

	for _, limit := range []int{0, 1, 3} {
		for offset := range 6 {
			page, err := h.ListAccounts(limit, offset, "")
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page), limit)
			for _, a := range page {
				assert.Greater(t, a.ID, offset)
			}
		}
	}

	none, err := h.ListAccounts(-1, 0, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSendMessage_Rejections(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")

	_, err := h.SendMessage(june, "nobody", "hi")
	assert.ErrorIs(t, err, ErrRecipientNotFound)

	_, err = h.SendMessage(june, "june", "hi")
	assert.ErrorIs(t, err, ErrSelfMessage)

	_, err = h.SendMessage(99, "june", "hi")
	assert.ErrorIs(t, err, ErrSenderNotFound)

	st, err := h.Store().Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Messages)

	// No id was consumed by the failed sends.
	mustCreate(t, h, "catherine")
	id, err := h.SendMessage(june, "catherine", "ok")
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestSendMessage_PushesToLiveConnection(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	conn := &recordingConn{}
	h.Store().RegisterLiveConnection(cat, conn)

	id, err := h.SendMessage(june, "catherine", "pushed")
	require.NoError(t, err)

	require.Len(t, conn.got, 1)
	assert.Equal(t, models.MessageView{ID: id, Sender: "june", Body: "pushed"}, conn.got[0])

	m, err := h.Store().Message(id)
	require.NoError(t, err)
	assert.True(t, m.Read)

	msgs, err := h.RequestMessages(cat, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "pushed messages are not fetched again")
}

func TestSendMessage_FailedPushStaysQueued(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	h.Store().RegisterLiveConnection(cat, &recordingConn{fail: true})
	id, err := h.SendMessage(june, "catherine", "lost?")
	require.NoError(t, err)

	msgs, err := h.RequestMessages(cat, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

// fetchingConn fetches its own account's queue while a push is in flight,
// as a session reading a REQUEST_MESSAGES would.
type fetchingConn struct {
	h         *Handler
	accountID int
	pushed    []models.MessageView
	fetched   []models.MessageView
}

func (c *fetchingConn) IsClosed() bool { return false }

func (c *fetchingConn) PushMessages(msgs []models.MessageView) error {
	c.pushed = append(c.pushed, msgs...)
	got, err := c.h.RequestMessages(c.accountID, 10)
	c.fetched = append(c.fetched, got...)
	return err
}

func TestSendMessage_PushAndFetchDeliverOnce(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	conn := &fetchingConn{h: h, accountID: cat}
	h.Store().RegisterLiveConnection(cat, conn)

	_, err := h.SendMessage(june, "catherine", "once")
	require.NoError(t, err)

	assert.Len(t, conn.pushed, 1)
	assert.Empty(t, conn.fetched)
}

func TestSendMessage_FailedPushKeepsOrder(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	first, err := h.SendMessage(june, "catherine", "first")
	require.NoError(t, err)
	h.Store().RegisterLiveConnection(cat, &recordingConn{fail: true})
	second, err := h.SendMessage(june, "catherine", "second")
	require.NoError(t, err)

	msgs, err := h.RequestMessages(cat, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].ID)
	assert.Equal(t, second, msgs[1].ID)
}

func TestLengthLimits(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	mustCreate(t, h, "catherine")

	_, err := h.CreateAccount(strings.Repeat("u", MaxUsernameLen+1), clientHash("x"))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
	_, err = h.CreateAccount(strings.Repeat("u", MaxUsernameLen), clientHash("x"))
	assert.NoError(t, err)

	_, err = h.SendMessage(june, "catherine", strings.Repeat("x", MaxBodyLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
	_, err = h.SendMessage(june, "catherine", strings.Repeat("x", MaxBodyLen))
	assert.NoError(t, err)
}

func TestRequeue(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")
	for _, body := range []string{"a", "b"} {
		_, err := h.SendMessage(june, "catherine", body)
		require.NoError(t, err)
	}

	msgs, err := h.RequestMessages(cat, 10)
	require.NoError(t, err)
	require.NoError(t, h.Requeue(msgs))

	again, err := h.RequestMessages(cat, 10)
	require.NoError(t, err)
	assert.Equal(t, msgs, again)
}

func TestSendMessage_ClosedConnectionQueues(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	conn := &recordingConn{closed: true}
	h.Store().RegisterLiveConnection(cat, conn)
	_, err := h.SendMessage(june, "catherine", "later")
	require.NoError(t, err)

	assert.Empty(t, conn.got)
	n, err := h.Store().UnreadCount(cat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequestMessages_FIFOAndPartial(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	for i := range 6 {
		_, err := h.SendMessage(june, "catherine", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	first, err := h.RequestMessages(cat, 4)
	require.NoError(t, err)
	require.Len(t, first, 4)
	for i, m := range first {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Body)
	}

	n, err := h.Store().UnreadCount(cat)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rest, err := h.RequestMessages(cat, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Equal(t, "m4", rest[0].Body)
}

func TestRequestMessages_DeletedSender(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	cat := mustCreate(t, h, "catherine")

	_, err := h.SendMessage(june, "catherine", "bye")
	require.NoError(t, err)
	require.NoError(t, h.DeleteAccount(june))

	msgs, err := h.RequestMessages(cat, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DeletedSender, msgs[0].Sender)
}

func TestDeleteMessages_Ownership(t *testing.T) {
	h := newHandler(t)
	june := mustCreate(t, h, "june")
	mustCreate(t, h, "catherine")
	rosa := mustCreate(t, h, "rosa")

	id, err := h.SendMessage(june, "catherine", "private")
	require.NoError(t, err)

	assert.ErrorIs(t, h.DeleteMessages(rosa, []int{id}), db.ErrForbidden)
	assert.ErrorIs(t, h.DeleteMessages(june, []int{id, id + 100}), db.ErrNotFound)

	_, err = h.Store().Message(id)
	require.NoError(t, err)

	require.NoError(t, h.DeleteMessages(june, []int{id}), "senders may delete too")
	_, err = h.Store().Message(id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestWithCost(t *testing.T) {
	h := New(db.NewMemoryStore(), WithCost(100))
	assert.Equal(t, DefaultCost, h.cost)

	h = New(db.NewMemoryStore(), WithCost(bcrypt.MinCost))
	assert.Equal(t, bcrypt.MinCost, h.cost)
}

type countingHasher struct {
	calls int
}

func (c *countingHasher) Hash(secret string, cost int) (string, error) {
	c.calls++
	return "v:" + secret, nil
}

func (c *countingHasher) Verify(secret, digest string) bool {
	return strings.TrimPrefix(digest, "v:") == secret
}

func TestCreateAccount_SkipsHashForTakenName(t *testing.T) {
	hasher := &countingHasher{}
	h := New(db.NewMemoryStore(), WithHasher(hasher))

	_, err := h.CreateAccount("june", clientHash("a"))
	require.NoError(t, err)
	_, err = h.CreateAccount("june", clientHash("b"))
	assert.ErrorIs(t, err, db.ErrUsernameTaken)
	assert.Equal(t, 1, hasher.calls)
}
