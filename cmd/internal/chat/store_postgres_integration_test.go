package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/cache"
	"github.com/HuuThai2910/wisdom-social/cmd/internal/ids"
)

// Integration tests are enabled when WISDOM_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_SendHistoryUnread(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)
	mustSeed(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	svc, err := NewService(store, WithWindow(cache.NewMemoryWindow()))
	require.NoError(t, err)

	var sent []string
	for i := 0; i < 5; i++ {
		v, err := svc.SendMessage(ctx, SendMessageInput{ConversationID: convID, SenderID: alice, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		sent = append(sent, v.ID)
	}

	n, err := store.UnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	page, err := svc.FetchHistory(ctx, FetchHistoryInput{ConversationID: convID, RequesterID: bob, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, sent[2:], messageIDs(page.Messages))
	require.True(t, page.HasNext)

	require.NoError(t, store.ResetUnread(ctx, convID, bob))
	m, err := store.GetMember(ctx, convID, bob)
	require.NoError(t, err)
	require.Zero(t, m.UnreadCount)
	require.Equal(t, sent[4], m.LastReadMessageID)
	require.Equal(t, "Bobby", m.DisplayName())

	conv, err := store.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, sent[4], conv.Last.MessageID)
	require.Equal(t, ConversationGroup, conv.Type)

	items, err := store.ListConversations(ctx, bob)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "alice", items[0].LastSenderName)

	err = store.ResetUnread(ctx, convID, "u-dave")
	require.ErrorIs(t, err, ErrNotAMember)
	_, err = store.GetConversation(ctx, "nope")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestPostgresStore_ConcurrentSendsKeepOrderAndCounts(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)
	mustSeed(t, store)

	svc, err := NewService(store)
	require.NoError(t, err)

	const k = 10
	var wg sync.WaitGroup
	for _, sender := range []string{alice, carol} {
		sender := sender
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < k; i++ {
				if _, err := svc.SendMessage(context.Background(), SendMessageInput{
					ConversationID: convID, SenderID: sender, Content: fmt.Sprintf("%s-%d", sender, i),
				}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	ctx := context.Background()
	n, err := store.UnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	require.EqualValues(t, 2*k, n)

	msgs, err := store.ListMessages(ctx, ListMessagesInput{ConversationID: convID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, msgs, 2*k)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "strictly descending timestamps")
	}
}

func TestPostgresStore_RollbackSkipsHooks(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store := mustNewStore(t, pool, schema)
	mustSeed(t, store)

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.AppendMessage(ctx, AppendMessageInput{ConversationID: convID, SenderID: alice, Content: "x", Kind: KindText})
	require.NoError(t, err)
	_, err = tx.IncrementUnreadExcept(ctx, convID, alice)
	require.NoError(t, err)

	ran := false
	tx.AfterCommit(func() { ran = true })
	require.NoError(t, tx.Rollback(ctx))
	require.False(t, ran)

	n, err := store.UnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	require.Zero(t, n)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.AppendMessage(ctx, AppendMessageInput{ConversationID: "nope", SenderID: alice, Content: "x", Kind: KindText})
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.NoError(t, tx.Rollback(ctx))
}

func TestWithSchema_RejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "bad-name", "1abc", `x"; DROP`} {
		st := &PostgresStore{}
		if err := WithSchema(schema)(st); err == nil {
			t.Fatalf("WithSchema(%q): expected error", schema)
		}
	}
}

func mustSeed(t *testing.T, store *PostgresStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, u := range []User{
		{ID: alice, Username: "alice"},
		{ID: bob, Username: "bob"},
		{ID: carol, Username: "carol"},
		{ID: "u-dave", Username: "dave"},
	} {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	require.NoError(t, store.CreateConversation(ctx, CreateConversationInput{
		ID:      convID,
		Type:    ConversationGroup,
		Members: []NewMember{{UserID: alice}, {UserID: bob, Nickname: "Bobby"}, {UserID: carol}},
	}))
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("WISDOM_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: WISDOM_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse WISDOM_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "chat_it_" + strings.ToLower(ids.MustULID(time.Now())[16:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
