package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/shared"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// userModel is the GORM row for users.
type userModel struct {
	UserID     string    `gorm:"primaryKey;size:64;column:user_id"`
	Username   string    `gorm:"size:128;not null;column:username"`
	LastSeenAt time.Time `gorm:"not null;column:last_seen_at"`
	CreatedAt  time.Time `gorm:"not null;column:created_at"`
	UpdatedAt  time.Time `gorm:"not null;column:updated_at"`
}

func (userModel) TableName() string { return "users" }

// conversationModel is the GORM row for conversations.
type conversationModel struct {
	ID        string    `gorm:"primaryKey;size:36;column:id"`
	OwnerID   string    `gorm:"index:idx_conversations_owner;size:64;not null;column:owner_id"`
	Title     string    `gorm:"type:text;not null;column:title"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`
	UpdatedAt time.Time `gorm:"index;not null;column:updated_at"`
}

func (conversationModel) TableName() string { return "conversations" }

// messageModel is the GORM row for messages. Seq preserves insertion order.
type messageModel struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement;column:seq"`
	ID             string    `gorm:"uniqueIndex:idx_message_id;size:36;not null;column:id"`
	ConversationID string    `gorm:"index:idx_messages_conversation;size:36;not null;column:conversation_id"`
	Role           string    `gorm:"size:20;not null;column:role"`
	Content        string    `gorm:"type:text;not null;column:content"`
	CreatedAt      time.Time `gorm:"not null;column:created_at"`
}

func (messageModel) TableName() string { return "messages" }

func (m *userModel) toDomain() *domain.User {
	return &domain.User{
		UserID:     m.UserID,
		Username:   m.Username,
		LastSeenAt: m.LastSeenAt,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func (m *conversationModel) toDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m *messageModel) toDomain() *domain.Message {
	return &domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func toConversationModel(c *domain.Conversation) *conversationModel {
	return &conversationModel{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toMessageModels(msgs []*domain.Message) []*messageModel {
	out := make([]*messageModel, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &messageModel{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           string(m.Role),
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out
}

// PostgresStore implements Repository on PostgreSQL through GORM.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgres opens a PostgreSQL-backed repository and migrates its tables.
func NewPostgres(dsn string) (Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&userModel{}, &conversationModel{}, &messageModel{}); err != nil {
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var row userModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return row.toDomain(), nil
}

// UpsertUser creates or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user *domain.User) error {
	row := &userModel{
		UserID:     user.UserID,
		Username:   user.Username,
		LastSeenAt: user.LastSeenAt,
		CreatedAt:  user.CreatedAt,
		UpdatedAt:  user.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "last_seen_at", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation and its seed messages in one transaction.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *domain.Conversation, messages []*domain.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toConversationModel(conv)).Error; err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}
		if err := tx.Create(toMessageModels(messages)).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
}

// GetConversation returns the conversation when it belongs to ownerID.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID, ownerID string) (*domain.Conversation, error) {
	var row conversationModel
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", conversationID, ownerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toDomain(), nil
}

// ListConversations returns the owner's conversations, newest activity first.
func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationModel
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").Order("id").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]*domain.Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	var rows []messageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// AppendMessages appends messages to a conversation and bumps its updated_at.
func (s *PostgresStore) AppendMessages(ctx context.Context, conversationID string, messages []*domain.Message) error {
	return shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		return s.appendMessages(ctx, conversationID, messages)
	})
}

func (s *PostgresStore) appendMessages(ctx context.Context, conversationID string, messages []*domain.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationModel{}).
			Where("id = ?", conversationID).
			Update("updated_at", time.Now())
		if res.Error != nil {
			return fmt.Errorf("touch conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("append to %s: %w", conversationID, domain.ErrConversationNotFound)
		}
		if len(messages) == 0 {
			return nil
		}
		if err := tx.Create(toMessageModels(messages)).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes an owned conversation and its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID, ownerID string) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", conversationID, ownerID).Delete(&conversationModel{})
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&messageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// DeleteStaleConversations removes conversations idle for longer than maxIdle.
func (s *PostgresStore) DeleteStaleConversations(ctx context.Context, maxIdle time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxIdle)
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&conversationModel{}).Select("id").Where("updated_at < ?", threshold)
		if err := tx.Where("conversation_id IN (?)", stale).Delete(&messageModel{}).Error; err != nil {
			return fmt.Errorf("delete stale messages: %w", err)
		}
		res := tx.Where("updated_at < ?", threshold).Delete(&conversationModel{})
		if res.Error != nil {
			return fmt.Errorf("delete stale conversations: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}
