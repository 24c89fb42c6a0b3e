package chat

import (
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is the PostgreSQL schema used when none is configured.
const DefaultSchema = "chat"

// SchemaSQL returns the DDL required by PostgresStore for schema.
func SchemaSQL(schema string) string {
	users := pgIdent(schema, "users")
	conversations := pgIdent(schema, "conversations")
	members := pgIdent(schema, "conversation_members")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id           TEXT PRIMARY KEY,
  username     TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  avatar_url   TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id                   TEXT PRIMARY KEY,
  type                 TEXT NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
  name                 TEXT NOT NULL DEFAULT '',
  image_url            TEXT NOT NULL DEFAULT '',
  created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
  last_message_id      TEXT,
  last_message_content TEXT,
  last_message_kind    TEXT,
  last_sender_id       TEXT,
  last_message_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %[4]s (
  conversation_id      TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  user_id              TEXT NOT NULL REFERENCES %[2]s(id) ON DELETE CASCADE,
  nickname             TEXT NOT NULL DEFAULT '',
  is_admin             BOOLEAN NOT NULL DEFAULT false,
  is_muted             BOOLEAN NOT NULL DEFAULT false,
  unread_count         BIGINT NOT NULL DEFAULT 0,
  last_read_message_id TEXT,
  joined_at            TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, user_id),
  CONSTRAINT chk_members_unread_non_negative CHECK (unread_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_conversation_members_user
  ON %[4]s (user_id);

CREATE TABLE IF NOT EXISTS %[5]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[3]s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  kind            TEXT NOT NULL,
  reply_to        TEXT,
  created_at      TIMESTAMPTZ NOT NULL,

  CONSTRAINT uq_messages_conversation_created UNIQUE (conversation_id, created_at),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= %[6]d)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_desc
  ON %[5]s (conversation_id, created_at DESC);
`, pgx.Identifier{schema}.Sanitize(), users, conversations, members, messages, MaxContentRunes)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
