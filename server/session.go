package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"courier/db"
	"courier/handler"
	"courier/models"
	"courier/protocol"
)

const (
	msgNotLoggedIn    = "not logged in"
	msgInternal       = "internal error"
	msgInvalidSession = "invalid session key"
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session is one client connection. Its loop goroutine owns everything but
// the write path, which is shared with pushes from other sessions.
type Session struct {
	srv    *Server
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	log    *slog.Logger

	// codec is fixed by the first byte and set before the session can be
	// registered as live.
	codec     protocol.Codec
	accountID int

	wmu    sync.Mutex
	closed atomic.Bool
}

func newSession(srv *Server, conn io.ReadWriteCloser, remote string) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		reader: bufio.NewReader(conn),
		log:    srv.log.With("remote", remote),
	}
}

func (sess *Session) IsClosed() bool {
	return sess.closed.Load()
}

// PushMessages delivers msgs as an unsolicited REQUEST_MESSAGES response.
func (sess *Session) PushMessages(msgs []models.MessageView) error {
	if sess.IsClosed() {
		return net.ErrClosed
	}
	b, err := sess.codec.EncodeResponse(&protocol.Response{
		Operation: protocol.RequestMessages,
		Success:   true,
		Payload:   &protocol.RequestMessagesResult{Messages: msgs},
	})
	if err != nil {
		return err
	}
	return sess.write(b)
}

// write sends one whole frame. A failed write closes the connection.
func (sess *Session) write(b []byte) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()

	if sess.IsClosed() {
		return net.ErrClosed
	}
	if d, ok := sess.conn.(writeDeadliner); ok && sess.srv.config.WriteTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(sess.srv.config.WriteTimeout))
	}
	if _, err := sess.conn.Write(b); err != nil {
		sess.log.Debug("write failed", "err", err)
		sess.close()
		return err
	}
	return nil
}

func (sess *Session) close() {
	if sess.closed.CompareAndSwap(false, true) {
		sess.conn.Close()
	}
}

func (sess *Session) run() {
	defer sess.teardown()

	for {
		if d, ok := sess.conn.(readDeadliner); ok && sess.srv.config.ReadTimeout > 0 {
			d.SetReadDeadline(time.Now().Add(sess.srv.config.ReadTimeout))
		}

		first, err := sess.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !sess.IsClosed() {
				sess.log.Debug("read failed", "err", err)
			}
			return
		}

		if sess.codec == nil {
			sess.codec = protocol.ForFirstByte(first)
			sess.log.Debug("protocol selected", "codec", sess.codec.Name())
		}
		if _, text := sess.codec.(protocol.TextCodec); text && (first == '\n' || first == '\r') {
			continue
		}

		req, err := sess.codec.DecodeRequest(first, sess.reader)
		if err != nil {
			pe, ok := protocol.AsParseError(err)
			if !ok {
				sess.log.Debug("read failed", "err", err)
				return
			}
			sess.log.Debug("parse error", "op", pe.Operation, "err", pe)
			if sess.write(sess.codec.EncodeFailure(pe.Operation, pe.Error())) != nil {
				return
			}
			continue
		}

		if !sess.dispatch(req) {
			return
		}
	}
}

// teardown runs on every exit from run.
func (sess *Session) teardown() {
	sess.close()
	if sess.accountID != 0 {
		sess.srv.handler.Store().UnregisterLiveConnection(sess.accountID, sess)
	}
	sess.log.Debug("client disconnected", "account", sess.accountID)
}

// bind makes sess the live connection of accountID.
func (sess *Session) bind(accountID int) {
	store := sess.srv.handler.Store()
	if sess.accountID != 0 && sess.accountID != accountID {
		store.UnregisterLiveConnection(sess.accountID, sess)
	}
	sess.accountID = accountID
	store.RegisterLiveConnection(accountID, sess)
}

// dispatch handles one request and reports whether the loop should go on.
func (sess *Session) dispatch(req *protocol.Request) bool {
	h := sess.srv.handler
	op := req.Operation

	if req.SessionKey != "" && sess.accountID == 0 && op.RequiresAuth() {
		grant, err := h.ResumeSession(req.SessionKey)
		if errors.Is(err, handler.ErrInvalidSession) {
			return sess.fail(op, msgInvalidSession, nil)
		}
		if err != nil {
			return sess.fail(op, msgInternal, err)
		}
		sess.bind(grant.AccountID)
		sess.log.Debug("session resumed", "account", grant.AccountID)
	}

	if op.RequiresAuth() && sess.accountID == 0 {
		return sess.fail(op, msgNotLoggedIn, nil)
	}

	resp := &protocol.Response{Operation: op, Success: true}

	switch p := req.Payload.(type) {
	case *protocol.LookupUserRequest:
		exists, prefix, err := h.LookupAccount(p.Username)
		if err != nil {
			return sess.fail(op, msgInternal, err)
		}
		resp.Payload = &protocol.LookupUserResult{Exists: exists, BcryptPrefix: prefix}

	case *protocol.CredentialsRequest:
		var (
			grant handler.Grant
			err   error
		)
		if op == protocol.Login {
			grant, err = h.Login(p.Username, p.PasswordHash)
		} else {
			grant, err = h.CreateAccount(p.Username, p.PasswordHash)
		}
		switch {
		case errors.Is(err, handler.ErrInvalidCredentials), errors.Is(err, db.ErrUsernameTaken):
			resp.Success = false
			if op == protocol.Login {
				resp.Payload = &protocol.LoginResult{}
			}
		case errors.Is(err, handler.ErrInvalidPasswordHash), errors.Is(err, handler.ErrUsernameTooLong):
			return sess.fail(op, err.Error(), nil)
		case err != nil:
			return sess.fail(op, msgInternal, err)
		default:
			sess.bind(grant.AccountID)
			if op == protocol.Login {
				resp.Payload = &protocol.LoginResult{UnreadMessages: grant.Unread, SessionKey: grant.SessionKey}
			} else {
				resp.Payload = &protocol.CreateAccountResult{SessionKey: grant.SessionKey}
			}
		}

	case *protocol.ListAccountsRequest:
		accounts, err := h.ListAccounts(p.MaxCount, p.OffsetAccountID, p.FilterText)
		if err != nil {
			return sess.fail(op, msgInternal, err)
		}
		resp.Payload = &protocol.ListAccountsResult{Accounts: accounts}

	case *protocol.SendMessageRequest:
		id, err := h.SendMessage(sess.accountID, p.Recipient, p.Body)
		switch {
		case errors.Is(err, handler.ErrRecipientNotFound),
			errors.Is(err, handler.ErrSelfMessage),
			errors.Is(err, handler.ErrMessageTooLong),
			errors.Is(err, handler.ErrSenderNotFound):
			return sess.fail(op, err.Error(), nil)
		case err != nil:
			return sess.fail(op, msgInternal, err)
		}
		resp.Payload = &protocol.SendMessageResult{MessageID: id}

	case *protocol.RequestMessagesRequest:
		msgs, err := h.RequestMessages(sess.accountID, p.MaxCount)
		if err != nil {
			return sess.fail(op, msgInternal, err)
		}
		resp.Payload = &protocol.RequestMessagesResult{Messages: msgs}
		b, err := sess.codec.EncodeResponse(resp)
		if err != nil {
			if rqErr := h.Requeue(msgs); rqErr != nil {
				sess.log.Error("requeue undeliverable messages", "err", rqErr)
			}
			return sess.fail(op, msgInternal, err)
		}
		if err := sess.write(b); err != nil {
			if rqErr := h.Requeue(msgs); rqErr != nil {
				sess.log.Error("requeue undelivered messages", "err", rqErr)
			}
			return false
		}
		return true

	case *protocol.DeleteMessagesRequest:
		err := h.DeleteMessages(sess.accountID, p.MessageIDs)
		switch {
		case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrForbidden):
			resp.Success = false
		case err != nil:
			return sess.fail(op, msgInternal, err)
		}

	case nil:
		if op != protocol.DeleteAccount {
			return sess.fail(op, msgInternal, nil)
		}
		if err := h.DeleteAccount(sess.accountID); err != nil {
			return sess.fail(op, msgInternal, err)
		}
		sess.log.Info("account deleted, closing", "account", sess.accountID)
		sess.accountID = 0
		return false
	}

	b, err := sess.codec.EncodeResponse(resp)
	if err != nil {
		return sess.fail(op, msgInternal, err)
	}
	return sess.write(b) == nil
}

// fail sends an out-of-band failure. err, if set, is logged and never sent
// to the client.
func (sess *Session) fail(op protocol.Operation, msg string, err error) bool {
	if err != nil {
		sess.log.Error("request failed", "op", op, "err", err)
	}
	return sess.write(sess.codec.EncodeFailure(op, msg)) == nil
}
