package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"courier/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "$2a$12$abcdefghijklmnopqrstuv"

var codecs = []Codec{BinaryCodec{}, TextCodec{}}

func readerOf(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

// decodeRequestBytes feeds an encoded request through DecodeRequest the way
// a session does: first byte separately, then the rest of the stream.
func decodeRequestBytes(t *testing.T, c Codec, b []byte) (*Request, error) {
	t.Helper()
	r := readerOf(b)
	first, err := r.ReadByte()
	require.NoError(t, err)
	return c.DecodeRequest(first, r)
}

func sampleRequests() []*Request {
	long := strings.Repeat("é", 25_000)
	return []*Request{
		{Operation: LookupUser, Payload: &LookupUserRequest{Username: "june"}},
		{Operation: Login, Payload: &CredentialsRequest{Username: "june", PasswordHash: testPrefix + "0123456789012345678901234567890"}},
		{Operation: CreateAccount, Payload: &CredentialsRequest{Username: "catherine", PasswordHash: "h"}},
		{Operation: ListAccounts, Payload: &ListAccountsRequest{MaxCount: 20, OffsetAccountID: 3, FilterText: "ju"}},
		{Operation: ListAccounts, Payload: &ListAccountsRequest{MaxCount: 255, OffsetAccountID: 0, FilterText: ""}},
		{Operation: SendMessage, Payload: &SendMessageRequest{Recipient: "catherine", Body: "Hi!"}},
		{Operation: SendMessage, Payload: &SendMessageRequest{Recipient: "catherine", Body: long}},
		{Operation: RequestMessages, Payload: &RequestMessagesRequest{MaxCount: 5}},
		{Operation: DeleteMessages, Payload: &DeleteMessagesRequest{MessageIDs: []int{1, 70000, 3}}},
		{Operation: DeleteMessages, Payload: &DeleteMessagesRequest{MessageIDs: []int{}}},
		{Operation: DeleteAccount},
	}
}

func sampleResponses() []*Response {
	long := strings.Repeat("x", 50_000)
	return []*Response{
		{Operation: LookupUser, Success: true, Payload: &LookupUserResult{Exists: true, BcryptPrefix: testPrefix}},
		{Operation: LookupUser, Success: true, Payload: &LookupUserResult{}},
		{Operation: Login, Success: true, Payload: &LoginResult{UnreadMessages: 1}},
		{Operation: Login, Success: false, Payload: &LoginResult{}},
		{Operation: CreateAccount, Success: true},
		{Operation: CreateAccount, Success: false},
		{Operation: ListAccounts, Success: true, Payload: &ListAccountsResult{Accounts: []models.AccountSummary{{ID: 1, Username: "june"}, {ID: 2, Username: "catherine"}}}},
		{Operation: ListAccounts, Success: true, Payload: &ListAccountsResult{Accounts: []models.AccountSummary{}}},
		{Operation: SendMessage, Success: true, Payload: &SendMessageResult{MessageID: 42}},
		{Operation: RequestMessages, Success: true, Payload: &RequestMessagesResult{Messages: []models.MessageView{{ID: 7, Sender: "june", Body: "Hi!"}, {ID: 9, Sender: "june", Body: long}}}},
		{Operation: RequestMessages, Success: true, Payload: &RequestMessagesResult{Messages: []models.MessageView{}}},
		{Operation: DeleteMessages, Success: true},
		{Operation: DeleteMessages, Success: false},
		Failure(SendMessage, "recipient not found"),
		Failure(Unknown, "invalid operation code"),
	}
}

func TestRequestRoundTrip(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			for _, req := range sampleRequests() {
				wire, err := c.EncodeRequest(req)
				require.NoError(t, err, req.Operation)

				got, err := decodeRequestBytes(t, c, wire)
				require.NoError(t, err, req.Operation)
				assert.Equal(t, req, got, req.Operation)

				again, err := c.EncodeRequest(got)
				require.NoError(t, err)
				assert.Equal(t, wire, again, req.Operation)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			for _, resp := range sampleResponses() {
				wire, err := c.EncodeResponse(resp)
				require.NoError(t, err, resp.Operation)

				got, err := c.DecodeResponse(readerOf(wire))
				require.NoError(t, err, resp.Operation)

				again, err := c.EncodeResponse(got)
				require.NoError(t, err)
				assert.Equal(t, wire, again, resp.Operation)

				assert.Equal(t, resp.Operation, got.Operation)
				assert.Equal(t, resp.Failure, got.Failure)
				assert.Equal(t, resp.Message, got.Message)
			}
		})
	}
}

func TestStreamOfRequests(t *testing.T) {
	for _, c := range codecs {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			reqs := sampleRequests()
			for _, req := range reqs {
				wire, err := c.EncodeRequest(req)
				require.NoError(t, err)
				buf.Write(wire)
			}

			r := bufio.NewReader(&buf)
			for _, want := range reqs {
				first, err := r.ReadByte()
				require.NoError(t, err)
				got, err := c.DecodeRequest(first, r)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			_, err := r.ReadByte()
			assert.Error(t, err)
		})
	}
}

func TestForFirstByte(t *testing.T) {
	assert.IsType(t, TextCodec{}, ForFirstByte('{'))
	assert.IsType(t, BinaryCodec{}, ForFirstByte(byte(Login)))
	assert.IsType(t, BinaryCodec{}, ForFirstByte('['))
}

func TestByName(t *testing.T) {
	c, err := ByName("json")
	require.NoError(t, err)
	assert.Equal(t, TextCodec{}, c)

	c, err = ByName("binary")
	require.NoError(t, err)
	assert.Equal(t, BinaryCodec{}, c)

	_, err = ByName("xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestOperation(t *testing.T) {
	assert.Equal(t, "REQUEST_MESSAGES", RequestMessages.String())
	assert.Equal(t, DeleteAccount, ParseOperation("DELETE_ACCOUNT"))
	assert.Equal(t, Unknown, ParseOperation("delete_account"))
	assert.False(t, Unknown.Valid())
	assert.False(t, Operation(9).Valid())

	for _, op := range []Operation{LookupUser, Login, CreateAccount} {
		assert.False(t, op.RequiresAuth(), op)
	}
	for _, op := range []Operation{ListAccounts, SendMessage, RequestMessages, DeleteMessages, DeleteAccount} {
		assert.True(t, op.RequiresAuth(), op)
	}
}
