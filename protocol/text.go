package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"courier/models"

	"github.com/pkg/errors"
)

// TextCodec carries one JSON object per newline-terminated line.
type TextCodec struct{}

func (TextCodec) Name() string { return "json" }

type textRequest struct {
	Operation  *string         `json:"operation"`
	SessionKey string          `json:"session_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Request payloads use pointers so an absent key can be told apart from a
// zero value.
type (
	textLookupUser struct {
		Username *string `json:"username"`
	}
	textCredentials struct {
		Username     *string `json:"username"`
		PasswordHash *string `json:"password_hash"`
	}
	textListAccounts struct {
		MaxCount        *int    `json:"maximum_number"`
		OffsetAccountID *int    `json:"offset_account_id"`
		FilterText      *string `json:"filter_text"`
	}
	textSendMessage struct {
		Recipient *string `json:"recipient"`
		Body      *string `json:"message"`
	}
	textRequestMessages struct {
		MaxCount *int `json:"maximum_number"`
	}
	textDeleteMessages struct {
		MessageIDs *[]int `json:"message_ids"`
	}
)

type textResponse struct {
	Operation         string          `json:"operation"`
	Success           bool            `json:"success"`
	UnexpectedFailure bool            `json:"unexpected_failure,omitempty"`
	Message           string          `json:"message,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

type (
	textLookupResult struct {
		Exists       bool   `json:"exists"`
		BcryptPrefix string `json:"bcrypt_prefix,omitempty"`
	}
	textLoginResult struct {
		UnreadMessages int    `json:"unread_messages"`
		SessionKey     string `json:"session_key,omitempty"`
	}
	textCreateResult struct {
		SessionKey string `json:"session_key,omitempty"`
	}
	textAccount struct {
		ID       int    `json:"id"`
		Username string `json:"username"`
	}
	textListResult struct {
		Accounts []textAccount `json:"accounts"`
	}
	textSendResult struct {
		MessageID int `json:"message_id"`
	}
	textMessage struct {
		ID     int    `json:"id"`
		Sender string `json:"sender"`
		Body   string `json:"message"`
	}
	textMessagesResult struct {
		Messages []textMessage `json:"messages"`
	}
	textEmpty struct{}
)

// readLine reads through the next newline. A final unterminated line is
// returned as is; io.EOF is only returned when nothing was read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "read line")
		}
		if len(line) == 0 {
			return nil, io.EOF
		}
	}
	return line, nil
}

func (TextCodec) DecodeRequest(first byte, r *bufio.Reader) (*Request, error) {
	line := []byte{first}
	if first != '\n' {
		rest, err := readLine(r)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = append(line, rest...)
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, parseErr(Unknown, "empty request", nil)
	}

	var env textRequest
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, parseErr(Unknown, "malformed JSON", err)
	}
	if env.Operation == nil {
		return nil, parseErr(Unknown, "missing operation", nil)
	}
	op := ParseOperation(*env.Operation)
	if !op.Valid() {
		return nil, parseErr(Unknown, "invalid operation "+*env.Operation, nil)
	}

	req := &Request{Operation: op, SessionKey: env.SessionKey}
	if op == DeleteAccount {
		return req, nil
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, parseErr(op, "missing payload", nil)
	}

	payload, err := decodeTextPayload(op, env.Payload)
	if err != nil {
		return nil, err
	}
	req.Payload = payload
	return req, nil
}

func decodeTextPayload(op Operation, raw json.RawMessage) (any, error) {
	missing := func(field string) error {
		return parseErr(op, "missing "+field, nil)
	}
	decode := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return parseErr(op, "malformed payload", err)
		}
		return nil
	}

	switch op {
	case LookupUser:
		var p textLookupUser
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Username == nil {
			return nil, missing("username")
		}
		return &LookupUserRequest{Username: *p.Username}, nil

	case Login, CreateAccount:
		var p textCredentials
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Username == nil {
			return nil, missing("username")
		}
		if p.PasswordHash == nil {
			return nil, missing("password_hash")
		}
		return &CredentialsRequest{Username: *p.Username, PasswordHash: *p.PasswordHash}, nil

	case ListAccounts:
		var p textListAccounts
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.MaxCount == nil {
			return nil, missing("maximum_number")
		}
		if p.OffsetAccountID == nil {
			return nil, missing("offset_account_id")
		}
		if *p.MaxCount < 0 || *p.OffsetAccountID < 0 {
			return nil, parseErr(op, "negative count or offset", nil)
		}
		out := &ListAccountsRequest{MaxCount: *p.MaxCount, OffsetAccountID: *p.OffsetAccountID}
		if p.FilterText != nil {
			out.FilterText = *p.FilterText
		}
		return out, nil

	case SendMessage:
		var p textSendMessage
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.Recipient == nil {
			return nil, missing("recipient")
		}
		if p.Body == nil {
			return nil, missing("message")
		}
		return &SendMessageRequest{Recipient: *p.Recipient, Body: *p.Body}, nil

	case RequestMessages:
		var p textRequestMessages
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.MaxCount == nil {
			return nil, missing("maximum_number")
		}
		if *p.MaxCount < 0 {
			return nil, parseErr(op, "negative maximum_number", nil)
		}
		return &RequestMessagesRequest{MaxCount: *p.MaxCount}, nil

	case DeleteMessages:
		var p textDeleteMessages
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.MessageIDs == nil {
			return nil, missing("message_ids")
		}
		ids := *p.MessageIDs
		if ids == nil {
			ids = []int{}
		}
		return &DeleteMessagesRequest{MessageIDs: ids}, nil
	}
	return nil, parseErr(op, "invalid operation", nil)
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (TextCodec) EncodeResponse(resp *Response) ([]byte, error) {
	if resp.Failure {
		return TextCodec{}.EncodeFailure(resp.Operation, resp.Message), nil
	}

	var payload any
	switch resp.Operation {
	case LookupUser:
		p, _ := resp.Payload.(*LookupUserResult)
		if p == nil {
			p = &LookupUserResult{}
		}
		payload = textLookupResult{Exists: p.Exists, BcryptPrefix: p.BcryptPrefix}

	case Login:
		out := textLoginResult{}
		if p, ok := resp.Payload.(*LoginResult); ok && p != nil {
			out = textLoginResult{UnreadMessages: p.UnreadMessages, SessionKey: p.SessionKey}
		}
		payload = out

	case CreateAccount:
		out := textCreateResult{}
		if p, ok := resp.Payload.(*CreateAccountResult); ok && p != nil {
			out.SessionKey = p.SessionKey
		}
		payload = out

	case ListAccounts:
		p, _ := resp.Payload.(*ListAccountsResult)
		if p == nil {
			return nil, ErrBadPayload
		}
		out := textListResult{Accounts: make([]textAccount, 0, len(p.Accounts))}
		for _, a := range p.Accounts {
			out.Accounts = append(out.Accounts, textAccount{ID: a.ID, Username: a.Username})
		}
		payload = out

	case SendMessage:
		out := textSendResult{}
		if p, ok := resp.Payload.(*SendMessageResult); ok && p != nil {
			out.MessageID = p.MessageID
		}
		payload = out

	case RequestMessages:
		p, _ := resp.Payload.(*RequestMessagesResult)
		if p == nil {
			return nil, ErrBadPayload
		}
		out := textMessagesResult{Messages: make([]textMessage, 0, len(p.Messages))}
		for _, m := range p.Messages {
			out.Messages = append(out.Messages, textMessage{ID: m.ID, Sender: m.Sender, Body: m.Body})
		}
		payload = out

	case DeleteMessages:
		payload = textEmpty{}

	default:
		return nil, errors.Wrap(ErrNoResponse, resp.Operation.String())
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return marshalLine(textResponse{
		Operation: resp.Operation.String(),
		Success:   resp.Success,
		Payload:   raw,
	})
}

func (TextCodec) EncodeFailure(op Operation, msg string) []byte {
	// Strings and bools always marshal.
	b, _ := marshalLine(textResponse{
		Operation:         op.String(),
		UnexpectedFailure: true,
		Message:           msg,
	})
	return b
}

func (TextCodec) EncodeRequest(req *Request) ([]byte, error) {
	if !req.Operation.Valid() {
		return nil, errors.Wrap(ErrBadPayload, req.Operation.String())
	}

	var payload any
	switch p := req.Payload.(type) {
	case *LookupUserRequest:
		payload = textLookupUser{Username: &p.Username}
	case *CredentialsRequest:
		payload = textCredentials{Username: &p.Username, PasswordHash: &p.PasswordHash}
	case *ListAccountsRequest:
		payload = textListAccounts{MaxCount: &p.MaxCount, OffsetAccountID: &p.OffsetAccountID, FilterText: &p.FilterText}
	case *SendMessageRequest:
		payload = textSendMessage{Recipient: &p.Recipient, Body: &p.Body}
	case *RequestMessagesRequest:
		payload = textRequestMessages{MaxCount: &p.MaxCount}
	case *DeleteMessagesRequest:
		ids := p.MessageIDs
		if ids == nil {
			ids = []int{}
		}
		payload = textDeleteMessages{MessageIDs: &ids}
	case nil:
		if req.Operation != DeleteAccount {
			return nil, errors.Wrap(ErrBadPayload, req.Operation.String())
		}
	default:
		return nil, errors.Wrapf(ErrBadPayload, "%T", req.Payload)
	}

	name := req.Operation.String()
	env := textRequest{Operation: &name, SessionKey: req.SessionKey}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "encode payload")
		}
		env.Payload = raw
	}
	return marshalLine(env)
}

func (TextCodec) DecodeResponse(r *bufio.Reader) (*Response, error) {
	var line []byte
	for len(line) == 0 {
		raw, err := readLine(r)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(raw)
	}

	var env textResponse
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, parseErr(Unknown, "malformed JSON", err)
	}
	op := ParseOperation(env.Operation)
	if env.UnexpectedFailure {
		return Failure(op, env.Message), nil
	}
	if !op.Valid() {
		return nil, parseErr(Unknown, "invalid operation "+env.Operation, nil)
	}

	resp := &Response{Operation: op, Success: env.Success}
	decode := func(v any) error {
		if len(env.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return parseErr(op, "malformed payload", err)
		}
		return nil
	}

	switch op {
	case LookupUser:
		var p textLookupResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		resp.Payload = &LookupUserResult{Exists: p.Exists, BcryptPrefix: p.BcryptPrefix}

	case Login:
		var p textLoginResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		resp.Payload = &LoginResult{UnreadMessages: p.UnreadMessages, SessionKey: p.SessionKey}

	case CreateAccount:
		var p textCreateResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		if p.SessionKey != "" {
			resp.Payload = &CreateAccountResult{SessionKey: p.SessionKey}
		}

	case ListAccounts:
		var p textListResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		out := &ListAccountsResult{Accounts: make([]models.AccountSummary, 0, len(p.Accounts))}
		for _, a := range p.Accounts {
			out.Accounts = append(out.Accounts, models.AccountSummary{ID: a.ID, Username: a.Username})
		}
		resp.Payload = out

	case SendMessage:
		var p textSendResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		resp.Payload = &SendMessageResult{MessageID: p.MessageID}

	case RequestMessages:
		var p textMessagesResult
		if err := decode(&p); err != nil {
			return nil, err
		}
		out := &RequestMessagesResult{Messages: make([]models.MessageView, 0, len(p.Messages))}
		for _, m := range p.Messages {
			out.Messages = append(out.Messages, models.MessageView{ID: m.ID, Sender: m.Sender, Body: m.Body})
		}
		resp.Payload = out
	}
	return resp, nil
}
