package app

import (
	"context"
	"errors"

	"github.com/HuuThai2910/wisdom-social/cmd/internal/chat"
)

// Development fixture ids.
const (
	devConversationID = "dev-room-1"
	devAlice          = "dev-alice"
	devBob            = "dev-bob"
)

// seedDev creates two users and a direct conversation between them. It is a
// no-op when the conversation already exists.
func seedDev(ctx context.Context, s chat.Seeder, store chat.Store, log Logger) error {
	if _, err := store.GetConversation(ctx, devConversationID); err == nil {
		return nil
	} else if !errors.Is(err, chat.ErrConversationNotFound) {
		return err
	}

	for _, u := range []chat.User{
		{ID: devAlice, Username: "alice", DisplayName: "Alice"},
		{ID: devBob, Username: "bob", DisplayName: "Bob"},
	} {
		if err := s.CreateUser(ctx, u); err != nil {
			return err
		}
	}
	if err := s.CreateConversation(ctx, chat.CreateConversationInput{
		ID:      devConversationID,
		Type:    chat.ConversationDirect,
		Members: []chat.NewMember{{UserID: devAlice}, {UserID: devBob}},
	}); err != nil {
		return err
	}

	log.Info("dev.seed.ok", "conversation_id", devConversationID, "users", []string{devAlice, devBob})
	return nil
}
