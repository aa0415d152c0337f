package store

import (
	"testing"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestPostgresModelConversion(t *testing.T) {
	t.Parallel()

	now := time.Now()
	conv := &domain.Conversation{ID: "c1", OwnerID: "u1", Title: "Entropy", CreatedAt: now, UpdatedAt: now}
	assert.Equal(t, conv, toConversationModel(conv).toDomain())

	msgs := []*domain.Message{
		{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hi", CreatedAt: now},
		{ID: "m2", ConversationID: "c1", Role: domain.RoleAssistant, Content: "hello", CreatedAt: now},
	}
	models := toMessageModels(msgs)
	assert.Len(t, models, 2)
	for i, m := range models {
		assert.Equal(t, msgs[i], m.toDomain())
	}

	assert.Equal(t, "conversations", conversationModel{}.TableName())
	assert.Equal(t, "messages", messageModel{}.TableName())
}
