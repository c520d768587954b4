package models

// ClientPrefixLength is the length of the cost+salt head of a bcrypt string,
// e.g. "$2b$12$" followed by 22 salt characters.
const ClientPrefixLength = 29

type Account struct {
	ID           int
	Username     string
	PasswordHash string // server-side verifier
	ClientPrefix string // first ClientPrefixLength chars of the client hash
}

type Message struct {
	ID          int
	SenderID    int
	RecipientID int
	Body        string
	Read        bool
}

// AccountSummary is the public view of an account returned by LIST_ACCOUNTS.
type AccountSummary struct {
	ID       int
	Username string
}

// MessageView is a message as delivered to its recipient.
type MessageView struct {
	ID     int
	Sender string
	Body   string
}

// LiveConn is a connection that can receive pushed messages. It lives in
// models so the store can hold it without importing the server.
type LiveConn interface {
	IsClosed() bool
	PushMessages(msgs []MessageView) error
}
