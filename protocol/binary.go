package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"unicode/utf8"

	"courier/models"

	"github.com/pkg/errors"
)

// BinaryCodec is the compact wire format. Integers are big-endian and
// unsigned. Strings carry a 1-byte length prefix, except message bodies and
// failure text which carry a 2-byte prefix. Counts are single bytes.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "binary" }

type binReader struct {
	r  *bufio.Reader
	op Operation
}

// fail turns an early end of stream into a ParseError and passes every
// other error through as a transport failure.
func (b *binReader) fail(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return parseErr(b.op, "incomplete "+field, err)
	}
	return errors.Wrapf(err, "read %s", field)
}

func (b *binReader) fixed(field string, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.r, buf); err != nil {
		return nil, b.fail(field, err)
	}
	return buf, nil
}

func (b *binReader) u8(field string) (int, error) {
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, b.fail(field, err)
	}
	return int(c), nil
}

func (b *binReader) u16(field string) (int, error) {
	buf, err := b.fixed(field, 2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(buf)), nil
}

func (b *binReader) u32(field string) (int, error) {
	buf, err := b.fixed(field, 4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf)), nil
}

// str reads a string with a width-byte length prefix.
func (b *binReader) str(field string, width int) (string, error) {
	var (
		n   int
		err error
	)
	if width == 2 {
		n, err = b.u16(field + " length")
	} else {
		n, err = b.u8(field + " length")
	}
	if err != nil || n == 0 {
		return "", err
	}
	buf, err := b.fixed(field, n)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (BinaryCodec) DecodeRequest(first byte, r *bufio.Reader) (*Request, error) {
	op := Operation(first)
	if !op.Valid() {
		return nil, parseErr(Unknown, "invalid operation code", nil)
	}
	b := &binReader{r: r, op: op}
	req := &Request{Operation: op}

	switch op {
	case LookupUser:
		username, err := b.str("username", 1)
		if err != nil {
			return nil, err
		}
		req.Payload = &LookupUserRequest{Username: username}

	case Login, CreateAccount:
		username, err := b.str("username", 1)
		if err != nil {
			return nil, err
		}
		hash, err := b.str("password_hash", 1)
		if err != nil {
			return nil, err
		}
		req.Payload = &CredentialsRequest{Username: username, PasswordHash: hash}

	case ListAccounts:
		p := &ListAccountsRequest{}
		var err error
		if p.MaxCount, err = b.u8("maximum_number"); err != nil {
			return nil, err
		}
		if p.OffsetAccountID, err = b.u32("offset_account_id"); err != nil {
			return nil, err
		}
		if p.FilterText, err = b.str("filter_text", 1); err != nil {
			return nil, err
		}
		req.Payload = p

	case SendMessage:
		recipient, err := b.str("recipient", 1)
		if err != nil {
			return nil, err
		}
		body, err := b.str("message", 2)
		if err != nil {
			return nil, err
		}
		req.Payload = &SendMessageRequest{Recipient: recipient, Body: body}

	case RequestMessages:
		n, err := b.u8("maximum_number")
		if err != nil {
			return nil, err
		}
		req.Payload = &RequestMessagesRequest{MaxCount: n}

	case DeleteMessages:
		count, err := b.u8("message_ids count")
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, count)
		for range count {
			id, err := b.u32("message_id")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		req.Payload = &DeleteMessagesRequest{MessageIDs: ids}
	}
	return req, nil
}

type binWriter struct {
	buf bytes.Buffer
	err error
}

func (w *binWriter) u8(v int) {
	if w.err == nil && (v < 0 || v > 0xFF) {
		w.err = errors.Wrapf(ErrFieldTooLong, "count %d", v)
	}
	w.buf.WriteByte(byte(v))
}

func (w *binWriter) u16(v int) {
	w.buf.Write(binary.BigEndian.AppendUint16(nil, uint16(v)))
}

func (w *binWriter) u32(v int) {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
}

func (w *binWriter) flag(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *binWriter) str(field, s string, width int) {
	limit := 0xFF
	if width == 2 {
		limit = 0xFFFF
	}
	if len(s) > limit && w.err == nil {
		w.err = errors.Wrapf(ErrFieldTooLong, "%s is %d bytes", field, len(s))
		return
	}
	if width == 2 {
		w.u16(len(s))
	} else {
		w.buf.WriteByte(byte(len(s)))
	}
	w.buf.WriteString(s)
}

func (w *binWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (BinaryCodec) EncodeResponse(resp *Response) ([]byte, error) {
	if resp.Failure {
		return BinaryCodec{}.EncodeFailure(resp.Operation, resp.Message), nil
	}

	w := &binWriter{}
	w.buf.WriteByte(byte(resp.Operation))

	switch resp.Operation {
	case LookupUser:
		p, _ := resp.Payload.(*LookupUserResult)
		if p == nil || !p.Exists {
			w.flag(false)
			break
		}
		if len(p.BcryptPrefix) != models.ClientPrefixLength {
			return nil, errors.Wrapf(ErrBadPayload, "bcrypt prefix is %d bytes", len(p.BcryptPrefix))
		}
		w.flag(true)
		w.buf.WriteString(p.BcryptPrefix)

	case Login:
		w.flag(resp.Success)
		if resp.Success {
			p, _ := resp.Payload.(*LoginResult)
			if p == nil {
				return nil, ErrBadPayload
			}
			w.u16(min(p.UnreadMessages, 0xFFFF))
		}

	case CreateAccount, DeleteMessages:
		w.flag(resp.Success)

	case ListAccounts:
		p, _ := resp.Payload.(*ListAccountsResult)
		if p == nil {
			return nil, ErrBadPayload
		}
		w.u8(len(p.Accounts))
		for _, a := range p.Accounts {
			w.u32(a.ID)
			w.str("username", a.Username, 1)
		}

	case SendMessage:
		w.flag(resp.Success)
		if resp.Success {
			p, _ := resp.Payload.(*SendMessageResult)
			if p == nil {
				return nil, ErrBadPayload
			}
			w.u32(p.MessageID)
		}

	case RequestMessages:
		p, _ := resp.Payload.(*RequestMessagesResult)
		if p == nil {
			return nil, ErrBadPayload
		}
		w.u8(len(p.Messages))
		for _, m := range p.Messages {
			w.u32(m.ID)
			w.str("sender", m.Sender, 1)
			w.str("message", m.Body, 2)
		}

	default:
		return nil, errors.Wrap(ErrNoResponse, resp.Operation.String())
	}
	return w.bytes()
}

func (BinaryCodec) EncodeFailure(op Operation, msg string) []byte {
	msg = truncateUTF8(msg, 0xFFFF)
	w := &binWriter{}
	w.buf.WriteByte(failureTag)
	w.buf.WriteByte(byte(op))
	w.str("message", msg, 2)
	return w.buf.Bytes()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (BinaryCodec) EncodeRequest(req *Request) ([]byte, error) {
	if !req.Operation.Valid() {
		return nil, errors.Wrap(ErrBadPayload, req.Operation.String())
	}
	w := &binWriter{}
	w.buf.WriteByte(byte(req.Operation))

	switch p := req.Payload.(type) {
	case *LookupUserRequest:
		w.str("username", p.Username, 1)
	case *CredentialsRequest:
		w.str("username", p.Username, 1)
		w.str("password_hash", p.PasswordHash, 1)
	case *ListAccountsRequest:
		w.u8(p.MaxCount)
		w.u32(p.OffsetAccountID)
		w.str("filter_text", p.FilterText, 1)
	case *SendMessageRequest:
		w.str("recipient", p.Recipient, 1)
		w.str("message", p.Body, 2)
	case *RequestMessagesRequest:
		w.u8(p.MaxCount)
	case *DeleteMessagesRequest:
		w.u8(len(p.MessageIDs))
		for _, id := range p.MessageIDs {
			w.u32(id)
		}
	case nil:
		if req.Operation != DeleteAccount {
			return nil, errors.Wrap(ErrBadPayload, req.Operation.String())
		}
	default:
		return nil, errors.Wrapf(ErrBadPayload, "%T", req.Payload)
	}
	return w.bytes()
}

func (BinaryCodec) DecodeResponse(r *bufio.Reader) (*Response, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if tag == failureTag {
		b := &binReader{r: r}
		op, err := b.u8("operation")
		if err != nil {
			return nil, err
		}
		msg, err := b.str("message", 2)
		if err != nil {
			return nil, err
		}
		return Failure(Operation(op), msg), nil
	}

	op := Operation(tag)
	b := &binReader{r: r, op: op}
	resp := &Response{Operation: op, Success: true}

	success := func() error {
		v, err := b.u8("success")
		resp.Success = v == 1
		return err
	}

	switch op {
	case LookupUser:
		if err := success(); err != nil {
			return nil, err
		}
		p := &LookupUserResult{Exists: resp.Success}
		if p.Exists {
			prefix, err := b.fixed("bcrypt_prefix", models.ClientPrefixLength)
			if err != nil {
				return nil, err
			}
			p.BcryptPrefix = string(prefix)
		}
		// The success byte doubles as the exists flag; the lookup itself
		// always succeeds.
		resp.Success = true
		resp.Payload = p

	case Login:
		if err := success(); err != nil {
			return nil, err
		}
		p := &LoginResult{}
		if resp.Success {
			if p.UnreadMessages, err = b.u16("unread_messages"); err != nil {
				return nil, err
			}
		}
		resp.Payload = p

	case CreateAccount, DeleteMessages:
		if err := success(); err != nil {
			return nil, err
		}

	case ListAccounts:
		count, err := b.u8("count")
		if err != nil {
			return nil, err
		}
		p := &ListAccountsResult{Accounts: make([]models.AccountSummary, 0, count)}
		for range count {
			var a models.AccountSummary
			if a.ID, err = b.u32("id"); err != nil {
				return nil, err
			}
			if a.Username, err = b.str("username", 1); err != nil {
				return nil, err
			}
			p.Accounts = append(p.Accounts, a)
		}
		resp.Payload = p

	case SendMessage:
		if err := success(); err != nil {
			return nil, err
		}
		p := &SendMessageResult{}
		if resp.Success {
			if p.MessageID, err = b.u32("message_id"); err != nil {
				return nil, err
			}
		}
		resp.Payload = p

	case RequestMessages:
		count, err := b.u8("count")
		if err != nil {
			return nil, err
		}
		p := &RequestMessagesResult{Messages: make([]models.MessageView, 0, count)}
		for range count {
			var m models.MessageView
			if m.ID, err = b.u32("id"); err != nil {
				return nil, err
			}
			if m.Sender, err = b.str("sender", 1); err != nil {
				return nil, err
			}
			if m.Body, err = b.str("message", 2); err != nil {
				return nil, err
			}
			p.Messages = append(p.Messages, m)
		}
		resp.Payload = p

	default:
		return nil, parseErr(Unknown, "invalid operation code", nil)
	}
	return resp, nil
}
