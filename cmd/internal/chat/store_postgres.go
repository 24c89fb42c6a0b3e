package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - AppendMessage takes a row lock on the conversation (SELECT ... FOR UPDATE),
//   so timestamp assignment and the summary update are serialized per conversation.
// - Unread increments and resets are single UPDATE statements.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Seeder = (*PostgresStore)(nil)
)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate applies SchemaSQL. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string {
	return pgIdent(s.schema, name)
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("users")+` (id, username, display_name, avatar_url)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		    SET username = EXCLUDED.username,
		        display_name = EXCLUDED.display_name,
		        avatar_url = EXCLUDED.avatar_url`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL,
	)
	return err
}

func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) error {
	if strings.TrimSpace(in.ID) == "" {
		return ErrInvalidInput
	}
	if in.Type == "" {
		in.Type = ConversationDirect
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("conversations")+` (id, type, name, image_url) VALUES ($1, $2, $3, $4)`,
		in.ID, string(in.Type), in.Name, in.ImageURL,
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, m := range in.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("conversation_members")+` (conversation_id, user_id, nickname, is_admin)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			in.ID, m.UserID, m.Nickname, m.IsAdmin,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const conversationColumns = `c.id, c.type, c.name, c.image_url, c.updated_at,
       COALESCE(c.last_message_id, ''), COALESCE(c.last_message_content, ''),
       COALESCE(c.last_message_kind, ''), COALESCE(c.last_sender_id, ''), c.last_message_at`

func conversationScanArgs(c *Conversation, typ, kind *string, lastAt **time.Time) []any {
	return []any{
		&c.ID, typ, &c.Name, &c.ImageURL, &c.UpdatedAt,
		&c.Last.MessageID, &c.Last.Content, kind, &c.Last.SenderID, lastAt,
	}
}

func finishConversation(c *Conversation, typ, kind string, lastAt *time.Time) {
	c.Type = ConversationType(typ)
	c.Last.Kind = Kind(kind)
	c.UpdatedAt = c.UpdatedAt.UTC()
	if lastAt != nil {
		c.Last.At = lastAt.UTC()
	}
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	var (
		c         Conversation
		typ, kind string
		lastAt    *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+s.table("conversations")+` c WHERE c.id = $1`,
		conversationID,
	).Scan(conversationScanArgs(&c, &typ, &kind, &lastAt)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	finishConversation(&c, typ, kind, lastAt)
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]ConversationItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members := s.table("conversation_members")

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`,
		        m.unread_count,
		        COALESCE(NULLIF(sm.nickname, ''), su.username, '')
		   FROM `+members+` m
		   JOIN `+s.table("conversations")+` c ON c.id = m.conversation_id
		   LEFT JOIN `+members+` sm ON sm.conversation_id = c.id AND sm.user_id = c.last_sender_id
		   LEFT JOIN `+s.table("users")+` su ON su.id = c.last_sender_id
		  WHERE m.user_id = $1
		  ORDER BY c.last_message_at DESC NULLS LAST, c.updated_at DESC, c.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationItem
	for rows.Next() {
		var (
			it        ConversationItem
			typ, kind string
			lastAt    *time.Time
		)
		args := append(conversationScanArgs(&it.Conversation, &typ, &kind, &lastAt), &it.UnreadCount, &it.LastSenderName)
		if err := rows.Scan(args...); err != nil {
			return nil, err
		}
		finishConversation(&it.Conversation, typ, kind, lastAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListMessages returns up to Limit messages strictly older than Before, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if in.ConversationID == "" || in.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, kind, COALESCE(reply_to, ''), created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY created_at DESC
			  LIMIT $2`,
			in.ConversationID, in.Limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, kind, COALESCE(reply_to, ''), created_at
			   FROM `+messages+`
			  WHERE conversation_id = $1 AND created_at < $2
			  ORDER BY created_at DESC
			  LIMIT $3`,
			in.ConversationID, in.Before.UTC(), in.Limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, in.Limit)
	for rows.Next() {
		var (
			m    Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &kind, &m.ReplyTo, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = Kind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

const memberColumns = `m.conversation_id, m.user_id, COALESCE(u.username, ''), m.nickname,
       COALESCE(u.avatar_url, ''), m.is_admin, m.is_muted, m.unread_count,
       COALESCE(m.last_read_message_id, '')`

func scanMember(row pgx.Row) (Member, error) {
	var m Member
	err := row.Scan(&m.ConversationID, &m.UserID, &m.Username, &m.Nickname, &m.Avatar,
		&m.IsAdmin, &m.IsMuted, &m.UnreadCount, &m.LastReadMessageID)
	return m, err
}

func (s *PostgresStore) GetMember(ctx context.Context, conversationID, userID string) (Member, error) {
	if err := ctx.Err(); err != nil {
		return Member{}, err
	}
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+`
		   FROM `+s.table("conversation_members")+` m
		   LEFT JOIN `+s.table("users")+` u ON u.id = m.user_id
		  WHERE m.conversation_id = $1 AND m.user_id = $2`,
		conversationID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrNotAMember
	}
	return m, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, conversationID string, userIDs []string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := `SELECT ` + memberColumns + `
	   FROM ` + s.table("conversation_members") + ` m
	   LEFT JOIN ` + s.table("users") + ` u ON u.id = m.user_id
	  WHERE m.conversation_id = $1`
	args := []any{conversationID}
	if userIDs != nil {
		query += ` AND m.user_id = ANY($2)`
		args = append(args, userIDs)
	}
	query += ` ORDER BY m.joined_at, m.user_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.table("conversation_members")+`
		  WHERE conversation_id = $1
		  ORDER BY joined_at, user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Users(ctx context.Context, userIDs []string) (map[string]User, error) {
	out := make(map[string]User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, username, display_name, avatar_url FROM `+s.table("users")+` WHERE id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// ResetUnread zeroes the counter and moves the read pointer to the latest message.
func (s *PostgresStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("conversation_members")+` m
		    SET unread_count = 0,
		        last_read_message_id = c.last_message_id
		   FROM `+s.table("conversations")+` c
		  WHERE c.id = m.conversation_id
		    AND m.conversation_id = $1
		    AND m.user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotAMember
	}
	return nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT unread_count FROM `+s.table("conversation_members")+`
		  WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotAMember
	}
	return n, err
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	return &pgTx{s: s, tx: tx}, nil
}

type pgTx struct {
	s     *PostgresStore
	tx    pgx.Tx
	hooks commitHooks
	done  bool
}

func (t *pgTx) AppendMessage(ctx context.Context, in AppendMessageInput) (Appended, error) {
	if in.ConversationID == "" || in.SenderID == "" {
		return Appended{}, ErrInvalidInput
	}

	// Serialize writers per conversation. Later senders wait here until the
	// holder commits, then observe its message in max(created_at).
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM `+t.s.table("conversations")+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return Appended{}, ErrConversationNotFound
	}
	if err != nil {
		return Appended{}, fmt.Errorf("lock conversation: %w", err)
	}

	var last *time.Time
	if err := t.tx.QueryRow(ctx,
		`SELECT max(created_at) FROM `+t.s.table("messages")+` WHERE conversation_id = $1`,
		in.ConversationID,
	).Scan(&last); err != nil {
		return Appended{}, fmt.Errorf("read last timestamp: %w", err)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	var prev time.Time
	if last != nil {
		prev = *last
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
		CreatedAt:      nextTimestamp(now, prev),
		ReplyTo:        in.ReplyTo,
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("messages")+` (id, conversation_id, sender_id, content, kind, reply_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Kind), nullIfEmpty(m.ReplyTo), m.CreatedAt,
	); err != nil {
		return Appended{}, fmt.Errorf("insert message: %w", err)
	}
	return Appended{Message: m, Previous: prev}, nil
}

func (t *pgTx) UpdateSummary(ctx context.Context, m Message) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("conversations")+`
		    SET last_message_id = $2,
		        last_message_content = $3,
		        last_message_kind = $4,
		        last_sender_id = $5,
		        last_message_at = $6,
		        updated_at = $6
		  WHERE id = $1`,
		m.ConversationID, m.ID, m.Content, string(m.Kind), m.SenderID, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (t *pgTx) IncrementUnreadExcept(ctx context.Context, conversationID, senderID string) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("conversation_members")+`
		    SET unread_count = unread_count + 1
		  WHERE conversation_id = $1 AND user_id <> $2`,
		conversationID, senderID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment unread: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) AfterCommit(fn func()) { t.hooks.add(fn) }

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if err := t.tx.Commit(ctx); err != nil {
		t.done = true
		t.hooks.discard()
		return err
	}
	t.done = true
	t.hooks.run()
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.hooks.discard()
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
