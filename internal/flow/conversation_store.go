package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/kvstore"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// DefaultConversationTTL bounds how long an idle conversation is kept.
const DefaultConversationTTL = 24 * time.Hour

// ConversationStore persists conversations between turns.
type ConversationStore interface {
	// Get returns nil, nil when the conversation does not exist.
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, conversationID string) error
	// MergeSlots merges extracted variables into the conversation's input
	// slots, skipping nil values, and reports whether the conversation exists.
	// Merged slots survive a concurrent Save of a copy loaded earlier.
	MergeSlots(ctx context.Context, conversationID string, vars map[string]interface{}) (bool, error)
}

// KVConversationStore implements ConversationStore on the shared key-value store.
type KVConversationStore struct {
	kv  kvstore.Store
	ttl time.Duration
}

var _ ConversationStore = (*KVConversationStore)(nil)

// NewKVConversationStore creates a store. A zero ttl uses DefaultConversationTTL.
func NewKVConversationStore(kv kvstore.Store, ttl time.Duration) *KVConversationStore {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	slog.Debug("Creating KVConversationStore", "ttl", ttl)
	return &KVConversationStore{kv: kv, ttl: ttl}
}

func conversationKey(id string) string {
	return "conversation:" + id
}

// slotsKey holds extracted slots apart from the conversation blob, which
// turns rewrite wholesale.
func slotsKey(id string) string {
	return conversationKey(id) + ":slots"
}

// Get loads a conversation.
func (s *KVConversationStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	raw, err := s.kv.Get(ctx, conversationKey(conversationID))
	if errors.Is(err, kvstore.ErrNotFound) {
		slog.Debug("KVConversationStore.Get: not found", "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("KVConversationStore.Get: read failed", "conversationID", conversationID, "error", err)
		return nil, err
	}
	var conv models.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	extracted, err := s.extractedSlots(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(extracted) > 0 && conv.InputSlots == nil {
		conv.InputSlots = make(map[string]interface{}, len(extracted))
	}
	for k, v := range extracted {
		conv.InputSlots[k] = v
	}
	return &conv, nil
}

func (s *KVConversationStore) extractedSlots(ctx context.Context, conversationID string) (map[string]interface{}, error) {
	raw, err := s.kv.Get(ctx, slotsKey(conversationID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read extracted slots %s: %w", conversationID, err)
	}
	var slots map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &slots); err != nil {
		return nil, fmt.Errorf("decode extracted slots %s: %w", conversationID, err)
	}
	return slots, nil
}

// Save writes conv, refreshing its expiry.
func (s *KVConversationStore) Save(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.ConversationID, err)
	}
	if err := s.kv.Set(ctx, conversationKey(conv.ConversationID), string(data), s.ttl); err != nil {
		slog.Error("KVConversationStore.Save: write failed", "conversationID", conv.ConversationID, "error", err)
		return err
	}
	slog.Debug("KVConversationStore.Save", "conversationID", conv.ConversationID, "status", conv.Record.Status, "next", conv.Record.NextAction)
	return nil
}

// Delete removes a conversation.
func (s *KVConversationStore) Delete(ctx context.Context, conversationID string) error {
	return s.kv.Delete(ctx, conversationKey(conversationID), slotsKey(conversationID))
}

// MergeSlots writes vars to the extracted-slot key, which Get overlays on the
// conversation's input slots.
func (s *KVConversationStore) MergeSlots(ctx context.Context, conversationID string, vars map[string]interface{}) (bool, error) {
	if _, err := s.kv.Get(ctx, conversationKey(conversationID)); errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	slots, err := s.extractedSlots(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if slots == nil {
		slots = make(map[string]interface{}, len(vars))
	}
	for k, v := range vars {
		if v == nil {
			continue
		}
		slots[k] = v
	}
	data, err := json.Marshal(slots)
	if err != nil {
		return false, fmt.Errorf("encode extracted slots %s: %w", conversationID, err)
	}
	if err := s.kv.Set(ctx, slotsKey(conversationID), string(data), s.ttl); err != nil {
		slog.Error("KVConversationStore.MergeSlots: write failed", "conversationID", conversationID, "error", err)
		return false, err
	}
	slog.Debug("KVConversationStore.MergeSlots", "conversationID", conversationID, "count", len(vars))
	return true, nil
}
