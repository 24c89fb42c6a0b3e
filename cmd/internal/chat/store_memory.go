package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/ids"
)

var errTxDone = errors.New("chat: transaction already finished")

// MemoryStore is the fallback Store when no database is configured, and the
// store used by most unit tests. Writers to one conversation are serialized by
// a per-conversation lock held from AppendMessage until Commit or Rollback.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]User
	convs   map[string]*memConversation
	writers map[string]*sync.Mutex
}

type memConversation struct {
	conv    Conversation
	members map[string]*Member
	order   []string  // member user ids in join order
	msgs    []Message // ascending by CreatedAt
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Seeder = (*MemoryStore)(nil)
)

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		convs:   make(map[string]*memConversation),
		writers: make(map[string]*sync.Mutex),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) error {
	if strings.TrimSpace(in.ID) == "" {
		return ErrInvalidInput
	}
	if in.Type == "" {
		in.Type = ConversationDirect
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.ID]; ok {
		return ErrInvalidInput
	}
	c := &memConversation{
		conv: Conversation{
			ID:        in.ID,
			Type:      in.Type,
			Name:      in.Name,
			ImageURL:  in.ImageURL,
			UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
		},
		members: make(map[string]*Member, len(in.Members)),
	}
	for _, nm := range in.Members {
		if _, dup := c.members[nm.UserID]; dup || nm.UserID == "" {
			continue
		}
		c.members[nm.UserID] = &Member{
			ConversationID: in.ID,
			UserID:         nm.UserID,
			Nickname:       nm.Nickname,
			IsAdmin:        nm.IsAdmin,
		}
		c.order = append(c.order, nm.UserID)
	}
	s.convs[in.ID] = c
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return c.conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]ConversationItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationItem
	for _, c := range s.convs {
		m, ok := c.members[userID]
		if !ok {
			continue
		}
		item := ConversationItem{Conversation: c.conv, UnreadCount: m.UnreadCount}
		if sid := c.conv.Last.SenderID; sid != "" {
			item.LastSenderName = s.senderNameLocked(c, sid)
		}
		out = append(out, item)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Last.At, out[j].Last.At
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		if !a.Equal(b) {
			return a.After(b)
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// senderNameLocked mirrors the SQL listing: nickname, then username, else empty.
func (s *MemoryStore) senderNameLocked(c *memConversation, userID string) string {
	if m, ok := c.members[userID]; ok && m.Nickname != "" {
		return m.Nickname
	}
	if u, ok := s.users[userID]; ok {
		return u.Username
	}
	return ""
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if in.ConversationID == "" || in.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return nil, nil
	}

	end := len(c.msgs)
	if in.Before != nil {
		before := *in.Before
		end = sort.Search(len(c.msgs), func(i int) bool { return !c.msgs[i].CreatedAt.Before(before) })
	}
	start := end - in.Limit
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, c.msgs[i])
	}
	return out, nil
}

func (s *MemoryStore) memberLocked(m *Member) Member {
	out := *m
	if u, ok := s.users[m.UserID]; ok {
		out.Username = u.Username
		out.Avatar = u.AvatarURL
	}
	return out
}

func (s *MemoryStore) GetMember(ctx context.Context, conversationID, userID string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Member{}, ErrNotAMember
	}
	m, ok := c.members[userID]
	if !ok {
		return Member{}, ErrNotAMember
	}
	return s.memberLocked(m), nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, conversationID string, userIDs []string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, nil
	}

	var want map[string]struct{}
	if userIDs != nil {
		want = make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			want[id] = struct{}{}
		}
	}

	out := make([]Member, 0, len(c.order))
	for _, uid := range c.order {
		if want != nil {
			if _, ok := want[uid]; !ok {
				continue
			}
		}
		out = append(out, s.memberLocked(c.members[uid]))
	}
	return out, nil
}

func (s *MemoryStore) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), c.order...), nil
}

func (s *MemoryStore) Users(ctx context.Context, userIDs []string) (map[string]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]User, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotAMember
	}
	m, ok := c.members[userID]
	if !ok {
		return ErrNotAMember
	}
	m.UnreadCount = 0
	m.LastReadMessageID = c.conv.Last.MessageID
	return nil
}

func (s *MemoryStore) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	m, err := s.GetMember(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return m.UnreadCount, nil
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{
		s:         s,
		held:      make(map[string]*sync.Mutex),
		last:      make(map[string]time.Time),
		summaries: make(map[string]Message),
	}, nil
}

func (s *MemoryStore) writer(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[conversationID]
	if !ok {
		w = &sync.Mutex{}
		s.writers[conversationID] = w
	}
	return w
}

// memTx stages writes and applies them atomically on Commit.
type memTx struct {
	s *MemoryStore

	held      map[string]*sync.Mutex
	last      map[string]time.Time
	msgs      []Message
	summaries map[string]Message
	incs      []memIncrement

	hooks commitHooks
	done  bool
}

type memIncrement struct {
	conversationID string
	exceptUserID   string
}

func (t *memTx) lock(conversationID string) {
	if _, ok := t.held[conversationID]; ok {
		return
	}
	w := t.s.writer(conversationID)
	w.Lock()
	t.held[conversationID] = w
}

func (t *memTx) release() {
	for id, w := range t.held {
		w.Unlock()
		delete(t.held, id)
	}
}

func (t *memTx) AppendMessage(ctx context.Context, in AppendMessageInput) (Appended, error) {
	if t.done {
		return Appended{}, errTxDone
	}
	if in.ConversationID == "" || in.SenderID == "" {
		return Appended{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Appended{}, err
	}

	t.lock(in.ConversationID)

	t.s.mu.Lock()
	c, ok := t.s.convs[in.ConversationID]
	var last time.Time
	if ok && len(c.msgs) > 0 {
		last = c.msgs[len(c.msgs)-1].CreatedAt
	}
	t.s.mu.Unlock()
	if !ok {
		return Appended{}, ErrConversationNotFound
	}
	if staged, ok := t.last[in.ConversationID]; ok && staged.After(last) {
		last = staged
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Appended{}, err
	}

	m := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Kind:           in.Kind,
		CreatedAt:      nextTimestamp(now, last),
		ReplyTo:        in.ReplyTo,
	}
	t.msgs = append(t.msgs, m)
	t.last[in.ConversationID] = m.CreatedAt
	return Appended{Message: m, Previous: last}, nil
}

func (t *memTx) UpdateSummary(ctx context.Context, m Message) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.summaries[m.ConversationID] = m
	return nil
}

func (t *memTx) IncrementUnreadExcept(ctx context.Context, conversationID, senderID string) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	var n int64
	if c, ok := t.s.convs[conversationID]; ok {
		for uid := range c.members {
			if uid != senderID {
				n++
			}
		}
	}
	t.s.mu.Unlock()

	t.incs = append(t.incs, memIncrement{conversationID: conversationID, exceptUserID: senderID})
	return n, nil
}

func (t *memTx) AfterCommit(fn func()) { t.hooks.add(fn) }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.s.mu.Lock()
	for _, m := range t.msgs {
		if c, ok := t.s.convs[m.ConversationID]; ok {
			c.msgs = append(c.msgs, m)
		}
	}
	for id, m := range t.summaries {
		if c, ok := t.s.convs[id]; ok {
			c.conv.Last = Summary{
				MessageID: m.ID,
				Content:   m.Content,
				Kind:      m.Kind,
				SenderID:  m.SenderID,
				At:        m.CreatedAt,
			}
			c.conv.UpdatedAt = m.CreatedAt
		}
	}
	for _, inc := range t.incs {
		if c, ok := t.s.convs[inc.conversationID]; ok {
			for uid, m := range c.members {
				if uid != inc.exceptUserID {
					m.UnreadCount++
				}
			}
		}
	}
	t.s.mu.Unlock()

	t.done = true
	t.release()
	t.hooks.run()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.hooks.discard()
	t.release()
	return nil
}
