package db

import (
	"slices"
	"sync"

	"courier/models"
)

// MemoryStore keeps everything in Go maps. It is the default backend.
type MemoryStore struct {
	mu sync.Mutex

	accounts   map[int]*models.Account
	accountIDs []int // creation order
	usernames  map[string]int
	messages   map[int]*models.Message
	unread     map[int][]int
	sessions   map[string]int
	live       liveRegistry

	lastAccountID int
	lastMessageID int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int]*models.Account),
		usernames: make(map[string]int),
		messages:  make(map[int]*models.Message),
		unread:    make(map[int][]int),
		sessions:  make(map[string]int),
		live:      make(liveRegistry),
	}
}

func (s *MemoryStore) CreateAccount(username, passwordHash, clientPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[username]; taken {
		return 0, ErrUsernameTaken
	}

	s.lastAccountID++
	id := s.lastAccountID
	s.accounts[id] = &models.Account{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		ClientPrefix: clientPrefix,
	}
	s.accountIDs = append(s.accountIDs, id)
	s.usernames[username] = id
	return id, nil
}

func (s *MemoryStore) AccountByID(id int) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) AccountByUsername(username string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	// A reserved username of a deleted account resolves to nothing.
	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) ListAccounts() ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Account, 0, len(s.accountIDs))
	for _, id := range s.accountIDs {
		out = append(out, *s.accounts[id])
	}
	return out, nil
}

func (s *MemoryStore) DeleteAccount(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return nil
	}
	delete(s.accounts, id)
	delete(s.unread, id)
	s.accountIDs = slices.DeleteFunc(s.accountIDs, func(v int) bool { return v == id })
	for key, owner := range s.sessions {
		if owner == id {
			delete(s.sessions, key)
		}
	}
	s.live.unregister(id, nil)
	return nil
}

func (s *MemoryStore) CreateSession(accountID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newSessionKey()
	s.sessions[key] = accountID
	return key, nil
}

func (s *MemoryStore) ResolveSession(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.sessions[key]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) CreateMessage(m models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageID++
	m.ID = s.lastMessageID
	s.messages[m.ID] = &m
	if !m.Read {
		s.unread[m.RecipientID] = append(s.unread[m.RecipientID], m.ID)
	}
	return m.ID, nil
}

func (s *MemoryStore) MarkUnreadBatch(accountID, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.unread[accountID]
	n := min(max(limit, 0), len(queue))
	out := make([]models.Message, 0, n)
	for _, id := range queue[:n] {
		m := s.messages[id]
		m.Read = true
		out = append(out, *m)
	}
	if n == len(queue) {
		delete(s.unread, accountID)
	} else {
		s.unread[accountID] = queue[n:]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Read {
		return false, nil
	}
	m.Read = true
	s.removeUnreadLocked(m.RecipientID, id)
	return true, nil
}

func (s *MemoryStore) Requeue(ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || !m.Read {
			continue
		}
		if _, ok := s.accounts[m.RecipientID]; !ok {
			continue
		}
		m.Read = false
		queue := s.unread[m.RecipientID]
		i, _ := slices.BinarySearch(queue, id)
		s.unread[m.RecipientID] = slices.Insert(queue, i, id)
	}
	return nil
}

func (s *MemoryStore) UnreadCount(accountID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unread[accountID]), nil
}

func (s *MemoryStore) Message(id int) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return *m, nil
}

func (s *MemoryStore) DeleteMessage(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteMessageLocked(id)
	return nil
}

func (s *MemoryStore) DeleteMessagesFor(accountID int, ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok {
			return ErrNotFound
		}
		if m.SenderID != accountID && m.RecipientID != accountID {
			return ErrForbidden
		}
	}
	for _, id := range ids {
		s.deleteMessageLocked(id)
	}
	return nil
}

func (s *MemoryStore) deleteMessageLocked(id int) {
	m, ok := s.messages[id]
	if !ok {
		return
	}
	if !m.Read {
		s.removeUnreadLocked(m.RecipientID, id)
	}
	delete(s.messages, id)
}

func (s *MemoryStore) removeUnreadLocked(accountID, id int) {
	queue := slices.DeleteFunc(s.unread[accountID], func(v int) bool { return v == id })
	if len(queue) == 0 {
		delete(s.unread, accountID)
		return
	}
	s.unread[accountID] = queue
}

func (s *MemoryStore) RegisterLiveConnection(accountID int, conn models.LiveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.register(accountID, conn)
}

func (s *MemoryStore) UnregisterLiveConnection(accountID int, conn models.LiveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live.unregister(accountID, conn)
}

func (s *MemoryStore) LiveConnection(accountID int) (models.LiveConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.lookup(accountID)
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Accounts: len(s.accounts),
		Messages: len(s.messages),
		Live:     len(s.live),
	}
	for _, q := range s.unread {
		st.Unread += len(q)
	}
	return st, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
