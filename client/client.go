// Package client is a Go client for the courier protocol. It speaks either
// wire format, hashes passwords the way every client must, and delivers
// pushed messages to a callback.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"courier/models"
	"courier/prehash"
	"courier/protocol"
)

// DefaultCost is the bcrypt cost used for new account prefixes.
const DefaultCost = 12

var (
	ErrClosed             = errors.New("connection closed")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrDeleteRejected     = errors.New("delete rejected")
)

// ServerError is an out-of-band failure reported by the server.
type ServerError struct {
	Operation protocol.Operation
	Message   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

type waiter struct {
	op protocol.Operation
	ch chan *protocol.Response
}

type Client struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	codec  protocol.Codec
	cost   int

	sendMu sync.Mutex

	mu         sync.Mutex
	pending    []waiter
	closed     bool
	err        error
	onPush     func([]models.MessageView)
	sessionKey string

	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Client)

// WithPushHandler sets the callback for messages the server pushes while
// this client is logged in. It runs on the read goroutine.
func WithPushHandler(fn func([]models.MessageView)) Option {
	return func(c *Client) { c.onPush = fn }
}

// WithSessionKey makes every request carry key, so the connection is
// authenticated without credentials. Only the JSON format carries keys.
func WithSessionKey(key string) Option {
	return func(c *Client) { c.sessionKey = key }
}

func WithCost(cost int) Option {
	return func(c *Client) { c.cost = cost }
}

// Connect dials addr over TCP and starts a client using codec.
func Connect(ctx context.Context, addr string, codec protocol.Codec, opts ...Option) (*Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, codec, opts...), nil
}

// New starts a client on an open stream. The client owns conn.
func New(conn io.ReadWriteCloser, codec protocol.Codec, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  codec,
		cost:   DefaultCost,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionKey is the key from the last successful login or registration.
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.conn.Close()

		c.mu.Lock()
		c.closed = true
		c.err = err
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, w := range pending {
			close(w.ch)
		}
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		resp, err := c.codec.DecodeResponse(c.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}
		c.route(resp)
	}
}

// route hands resp to the oldest waiter when it answers that waiter's
// operation. A REQUEST_MESSAGES frame nobody asked for is a push. A push
// that races a pending REQUEST_MESSAGES is indistinguishable from its
// answer and is taken as the answer; no message is lost either way.
func (c *Client) route(resp *protocol.Response) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		head := c.pending[0]
		if head.op == resp.Operation || (resp.Failure && resp.Operation == protocol.Unknown) {
			c.pending = c.pending[1:]
			c.mu.Unlock()
			head.ch <- resp
			return
		}
	}
	onPush := c.onPush
	c.mu.Unlock()

	if resp.Operation == protocol.RequestMessages && !resp.Failure && onPush != nil {
		if p, ok := resp.Payload.(*protocol.RequestMessagesResult); ok {
			onPush(p.Messages)
		}
	}
}

// Do sends req and waits for its response. Out-of-band failures come back
// as *ServerError.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.SessionKey == "" {
		req.SessionKey = c.SessionKey()
	}
	b, err := c.codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	c.sendMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sendMu.Unlock()
		return nil, c.closedErr()
	}
	c.pending = append(c.pending, waiter{op: req.Operation, ch: ch})
	c.mu.Unlock()
	_, err = c.conn.Write(b)
	c.sendMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Failure {
			return nil, &ServerError{Operation: resp.Operation, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// Lookup reports whether username exists and its bcrypt prefix.
func (c *Client) Lookup(ctx context.Context, username string) (bool, string, error) {
	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.LookupUser,
		Payload:   &protocol.LookupUserRequest{Username: username},
	})
	if err != nil {
		return false, "", err
	}
	p, _ := resp.Payload.(*protocol.LookupUserResult)
	if p == nil || !p.Exists {
		return false, "", nil
	}
	return true, p.BcryptPrefix, nil
}

// Register creates an account under a fresh salt and logs in as it.
func (c *Client) Register(ctx context.Context, username, password string) error {
	prefix, err := prehash.NewPrefix(c.cost)
	if err != nil {
		return err
	}
	hash, err := prehash.Hash(password, prefix)
	if err != nil {
		return err
	}

	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.CreateAccount,
		Payload:   &protocol.CredentialsRequest{Username: username, PasswordHash: hash},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrUsernameTaken
	}
	if p, ok := resp.Payload.(*protocol.CreateAccountResult); ok {
		c.setSessionKey(p.SessionKey)
	}
	return nil
}

// Login fetches the account's prefix, hashes password with it and logs in.
// It returns the number of unread messages.
func (c *Client) Login(ctx context.Context, username, password string) (int, error) {
	exists, prefix, err := c.Lookup(ctx, username)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrInvalidCredentials
	}
	hash, err := prehash.Hash(password, prefix)
	if err != nil {
		return 0, err
	}

	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.Login,
		Payload:   &protocol.CredentialsRequest{Username: username, PasswordHash: hash},
	})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, ErrInvalidCredentials
	}
	p, _ := resp.Payload.(*protocol.LoginResult)
	if p == nil {
		return 0, nil
	}
	c.setSessionKey(p.SessionKey)
	return p.UnreadMessages, nil
}

func (c *Client) setSessionKey(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
}

// Accounts lists up to limit accounts with ids above offset whose username
// contains filter.
func (c *Client) Accounts(ctx context.Context, limit, offset int, filter string) ([]models.AccountSummary, error) {
	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.ListAccounts,
		Payload:   &protocol.ListAccountsRequest{MaxCount: limit, OffsetAccountID: offset, FilterText: filter},
	})
	if err != nil {
		return nil, err
	}
	p, _ := resp.Payload.(*protocol.ListAccountsResult)
	if p == nil {
		return nil, nil
	}
	return p.Accounts, nil
}

// Send sends body to recipient and returns the message id.
func (c *Client) Send(ctx context.Context, recipient, body string) (int, error) {
	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.SendMessage,
		Payload:   &protocol.SendMessageRequest{Recipient: recipient, Body: body},
	})
	if err != nil {
		return 0, err
	}
	p, _ := resp.Payload.(*protocol.SendMessageResult)
	if p == nil {
		return 0, nil
	}
	return p.MessageID, nil
}

// Fetch pops up to limit unread messages.
func (c *Client) Fetch(ctx context.Context, limit int) ([]models.MessageView, error) {
	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.RequestMessages,
		Payload:   &protocol.RequestMessagesRequest{MaxCount: limit},
	})
	if err != nil {
		return nil, err
	}
	p, _ := resp.Payload.(*protocol.RequestMessagesResult)
	if p == nil {
		return nil, nil
	}
	return p.Messages, nil
}

// Delete deletes messages by id, all or none.
func (c *Client) Delete(ctx context.Context, ids ...int) error {
	resp, err := c.Do(ctx, &protocol.Request{
		Operation: protocol.DeleteMessages,
		Payload:   &protocol.DeleteMessagesRequest{MessageIDs: ids},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrDeleteRejected
	}
	return nil
}

// DeleteAccount deletes the logged-in account. The server answers by
// closing the connection, which this waits for.
func (c *Client) DeleteAccount(ctx context.Context) error {
	_, err := c.Do(ctx, &protocol.Request{Operation: protocol.DeleteAccount})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s: unexpected response", protocol.DeleteAccount)
	}
	return err
}
