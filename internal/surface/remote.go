package surface

import (
	"context"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/services"
)

// Remote is the durable side of a surface: the state store behind the server, reached over HTTP
// by Client or in-process by Local.
type Remote interface {
	Conversation(ctx context.Context) (models.ConversationState, error)
	ReplaceConversation(ctx context.Context, state models.ConversationState, origin string) error
	ClearConversation(ctx context.Context, origin string) error
	UpdateButtons(ctx context.Context, patch models.ButtonPatch, origin string) error
}

// Local is a Remote backed by the state service of the same process.
type Local struct {
	Sync   services.Sync
	UserID string
}

func (l Local) Conversation(ctx context.Context) (models.ConversationState, error) {
	return l.Sync.Conversation(ctx, l.UserID)
}

func (l Local) ReplaceConversation(ctx context.Context, state models.ConversationState, origin string) error {
	_, err := l.Sync.ReplaceConversation(ctx, l.UserID, state, origin)
	return err
}

func (l Local) ClearConversation(ctx context.Context, origin string) error {
	return l.Sync.ClearConversation(ctx, l.UserID, origin)
}

func (l Local) UpdateButtons(ctx context.Context, patch models.ButtonPatch, origin string) error {
	_, err := l.Sync.UpdateButtons(ctx, l.UserID, patch, origin)
	return err
}
