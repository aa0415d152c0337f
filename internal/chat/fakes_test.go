package chat

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
)

var errFakeStore = errors.New("fake store failure")

// fakeRepo is an in-memory store.Repository that records the order of writes.
type fakeRepo struct {
	mu            sync.Mutex
	users         map[string]*domain.User
	conversations map[string]*domain.Conversation
	messages      map[string][]*domain.Message
	ops           []string

	createErr          error
	appendErr          error
	failAssistantWrite bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         make(map[string]*domain.User),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]*domain.Message),
	}
}

func (r *fakeRepo) record(op string) {
	r.ops = append(r.ops, op)
}

func (r *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID], nil
}

func (r *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UserID] = user
	return nil
}

func (r *fakeRepo) CreateConversation(_ context.Context, conv *domain.Conversation, messages []*domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	c := *conv
	r.conversations[conv.ID] = &c
	r.messages[conv.ID] = append([]*domain.Message(nil), messages...)
	r.record("create")
	return nil
}

func (r *fakeRepo) GetConversation(_ context.Context, conversationID, ownerID string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok || c.OwnerID != ownerID {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (r *fakeRepo) ListConversations(_ context.Context, ownerID string, _, _ int) ([]*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range r.conversations {
		if c.OwnerID == ownerID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *fakeRepo) ListMessages(_ context.Context, conversationID string) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Message(nil), r.messages[conversationID]...), nil
}

func (r *fakeRepo) AppendMessages(_ context.Context, conversationID string, messages []*domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	for _, m := range messages {
		if m.Role == domain.RoleAssistant && r.failAssistantWrite {
			return errFakeStore
		}
	}
	c, ok := r.conversations[conversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.UpdatedAt = time.Now()
	r.messages[conversationID] = append(r.messages[conversationID], messages...)
	for _, m := range messages {
		r.record("append:" + string(m.Role))
	}
	return nil
}

func (r *fakeRepo) DeleteConversation(_ context.Context, conversationID, ownerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok || c.OwnerID != ownerID {
		return false, nil
	}
	delete(r.conversations, conversationID)
	delete(r.messages, conversationID)
	return true, nil
}

func (r *fakeRepo) DeleteStaleConversations(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }

func (r *fakeRepo) Close() error { return nil }

func (r *fakeRepo) opsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *fakeRepo) conversationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}

func (r *fakeRepo) messagesOf(conversationID string) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Message(nil), r.messages[conversationID]...)
}

// fakeLLM yields fixed fragments. After blockAfter fragments it waits for the
// context to end and yields its error. failAfter injects an upstream error.
type fakeLLM struct {
	fragments  []string
	blockAfter int
	failAfter  int
	err        error
	reply      string

	repo *fakeRepo

	blockComplete bool

	mu    sync.Mutex
	calls int
	seen  [][]domain.ChatMessage
}

func (f *fakeLLM) begin(messages []domain.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, messages)
	if f.repo != nil {
		f.repo.mu.Lock()
		f.repo.record("upstream")
		f.repo.mu.Unlock()
	}
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	f.begin(messages)
	if f.err != nil {
		return "", f.err
	}
	if f.blockComplete {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, nil
}

func (f *fakeLLM) Stream(ctx context.Context, messages []domain.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f.begin(messages)
		for i, fragment := range f.fragments {
			if f.err != nil && i == f.failAfter {
				yield("", f.err)
				return
			}
			if f.blockAfter > 0 && i == f.blockAfter {
				<-ctx.Done()
				yield("", ctx.Err())
				return
			}
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if f.err != nil && f.failAfter >= len(f.fragments) {
			yield("", f.err)
		}
	}
}
