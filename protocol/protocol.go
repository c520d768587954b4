// Package protocol defines the request/response language spoken by clients
// and its two wire encodings: a compact length-prefixed binary format and a
// newline-delimited JSON format. A connection picks one encoding from its
// very first byte and keeps it for its lifetime.
package protocol

import (
	"bufio"
	"fmt"

	"courier/models"

	"github.com/pkg/errors"
)

type Operation byte

const (
	Unknown Operation = iota
	LookupUser
	Login
	CreateAccount
	ListAccounts
	SendMessage
	RequestMessages
	DeleteMessages
	DeleteAccount
)

// failureTag starts an out-of-band failure frame in the binary encoding.
const failureTag = 255

var operationNames = [...]string{
	Unknown:         "UNKNOWN",
	LookupUser:      "LOOKUP_USER",
	Login:           "LOGIN",
	CreateAccount:   "CREATE_ACCOUNT",
	ListAccounts:    "LIST_ACCOUNTS",
	SendMessage:     "SEND_MESSAGE",
	RequestMessages: "REQUEST_MESSAGES",
	DeleteMessages:  "DELETE_MESSAGES",
	DeleteAccount:   "DELETE_ACCOUNT",
}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("Operation(%d)", byte(o))
}

// Valid reports whether o names a real operation.
func (o Operation) Valid() bool {
	return o > Unknown && o <= DeleteAccount
}

// RequiresAuth reports whether o may only be used by a logged-in connection.
func (o Operation) RequiresAuth() bool {
	switch o {
	case LookupUser, Login, CreateAccount:
		return false
	}
	return true
}

// ParseOperation maps a tag name to its Operation, or Unknown.
func ParseOperation(name string) Operation {
	for i, n := range operationNames {
		if n == name {
			return Operation(i)
		}
	}
	return Unknown
}

// Request is one decoded client request. Payload holds the operation
// specific struct below, or nil for DeleteAccount.
type Request struct {
	Operation Operation
	// SessionKey is only carried by the text encoding.
	SessionKey string
	Payload    any
}

type LookupUserRequest struct {
	Username string
}

// CredentialsRequest is the payload of both Login and CreateAccount.
type CredentialsRequest struct {
	Username     string
	PasswordHash string
}

type ListAccountsRequest struct {
	MaxCount        int
	OffsetAccountID int
	FilterText      string
}

type SendMessageRequest struct {
	Recipient string
	Body      string
}

type RequestMessagesRequest struct {
	MaxCount int
}

type DeleteMessagesRequest struct {
	MessageIDs []int
}

// Response is one server frame. Failure marks an out-of-band failure that
// carries only Message; every other response carries Success and Payload.
type Response struct {
	Operation Operation
	Success   bool
	Failure   bool
	Message   string
	Payload   any
}

type LookupUserResult struct {
	Exists       bool
	BcryptPrefix string
}

type LoginResult struct {
	UnreadMessages int
	SessionKey     string
}

type CreateAccountResult struct {
	SessionKey string
}

type ListAccountsResult struct {
	Accounts []models.AccountSummary
}

type SendMessageResult struct {
	MessageID int
}

type RequestMessagesResult struct {
	Messages []models.MessageView
}

// Failure builds an out-of-band failure response.
func Failure(op Operation, msg string) *Response {
	return &Response{Operation: op, Failure: true, Message: msg}
}

// Codec translates between wire bytes and Requests/Responses. The server
// uses DecodeRequest and EncodeResponse; clients use the other two.
type Codec interface {
	Name() string
	// DecodeRequest decodes one request whose first byte has already been
	// consumed from r. Malformed input yields a *ParseError; any other error
	// comes from the underlying stream.
	DecodeRequest(first byte, r *bufio.Reader) (*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
	// EncodeFailure never fails; oversized messages are truncated.
	EncodeFailure(op Operation, msg string) []byte

	EncodeRequest(req *Request) ([]byte, error)
	DecodeResponse(r *bufio.Reader) (*Response, error)
}

// ForFirstByte picks the codec for a connection from the first byte it sent.
func ForFirstByte(b byte) Codec {
	if b == '{' {
		return TextCodec{}
	}
	return BinaryCodec{}
}

var (
	ErrFieldTooLong  = errors.New("field too long for its length prefix")
	ErrNoResponse    = errors.New("operation has no response")
	ErrBadPayload    = errors.New("payload does not match operation")
	ErrUnknownFormat = errors.New("unknown protocol")
)

// ParseError reports a malformed, incomplete or unrecognized request. It
// never ends the connection.
type ParseError struct {
	Operation Operation
	Msg       string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(op Operation, msg string, err error) *ParseError {
	return &ParseError{Operation: op, Msg: msg, Err: err}
}

// AsParseError extracts a *ParseError from err's chain.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ByName returns the codec called name ("binary" or "json").
func ByName(name string) (Codec, error) {
	switch name {
	case BinaryCodec{}.Name():
		return BinaryCodec{}, nil
	case TextCodec{}.Name():
		return TextCodec{}, nil
	}
	return nil, errors.Wrap(ErrUnknownFormat, name)
}
