package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/annika-hq/plannersync/internal/types"
)

const (
	defaultKeyPrefix     = "annika:tasks:"
	defaultNotifyChannel = "annika:tasks:updates"
)

// TaskStoreOption configures a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithKeyPrefix sets the key prefix of task documents.
func WithKeyPrefix(prefix string) TaskStoreOption {
	return func(s *TaskStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithNotifyChannel sets the channel task changes are announced on.
func WithNotifyChannel(channel string) TaskStoreOption {
	return func(s *TaskStore) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// TaskStore is the Annika document store: one JSON document per task under
// prefix+id, plus a pub/sub channel announcing changes.
type TaskStore struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewTaskStore wraps an open client.
func NewTaskStore(client *redis.Client, opts ...TaskStoreOption) *TaskStore {
	s := &TaskStore{client: client, prefix: defaultKeyPrefix, channel: defaultNotifyChannel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Channel is the change-notification channel.
func (s *TaskStore) Channel() string { return s.channel }

// Key returns the document key of a task id.
func (s *TaskStore) Key(id string) string { return s.prefix + id }

// IDFromKey is the inverse of Key.
func (s *TaskStore) IDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, s.prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, s.prefix)
	return id, id != ""
}

// GetDocument returns the raw document at key.
func (s *TaskStore) GetDocument(ctx context.Context, key string) ([]byte, error) {
	doc, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

// SetDocument replaces the whole document at key.
func (s *TaskStore) SetDocument(ctx context.Context, key string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("set %s: %w", key, ErrMalformed)
	}
	if err := s.client.Set(ctx, key, doc, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// UpdatePath sets one JSON path (sjson syntax, e.g. "external_id") inside the
// document at key without disturbing concurrent writers of other fields.
func (s *TaskStore) UpdatePath(ctx context.Context, key, path string, value interface{}) error {
	return withWatch(ctx, s.client, func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !gjson.Valid(doc) {
			return fmt.Errorf("update %s: %w", key, ErrMalformed)
		}
		updated, err := sjson.Set(doc, path, value)
		if err != nil {
			return fmt.Errorf("update %s at %s: %w", key, path, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

// Keys enumerates keys matching a glob pattern using SCAN.
func (s *TaskStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Publish sends payload on channel. Strings and byte slices are sent as is,
// anything else as JSON.
func (s *TaskStore) Publish(ctx context.Context, channel string, payload interface{}) error {
	var msg interface{}
	switch p := payload.(type) {
	case string, []byte:
		msg = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		msg = data
	}
	if err := s.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers every message on channel to fn until ctx is done. It
// returns once the subscription is confirmed and the delivery goroutine is
// running; the returned channel closes when delivery stops.
func (s *TaskStore) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (<-chan struct{}, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				fn([]byte(m.Payload))
			}
		}
	}()
	return done, nil
}

// GetTask loads and validates a task. A missing task is ErrNotFound; an
// undecodable or invalid one wraps ErrMalformed.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*types.LocalTask, error) {
	doc, err := s.GetDocument(ctx, s.Key(id))
	if err != nil {
		return nil, err
	}
	var t types.LocalTask
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("task %s: %w: %v", id, ErrMalformed, err)
	}
	if t.ID == "" {
		t.ID = id
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w: %v", id, ErrMalformed, err)
	}
	return &t, nil
}

// PutTask writes a whole task document.
func (s *TaskStore) PutTask(ctx context.Context, t *types.LocalTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return s.SetDocument(ctx, s.Key(t.ID), doc)
}

// DeleteTask removes a task document. Deleting a missing task is not an error.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.Key(id)).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// SetTaskField updates a single top-level field of a task.
func (s *TaskStore) SetTaskField(ctx context.Context, id, field string, value interface{}) error {
	return s.UpdatePath(ctx, s.Key(id), field, value)
}

// ListTaskIDs returns the ids of every task document.
func (s *TaskStore) ListTaskIDs(ctx context.Context) ([]string, error) {
	keys, err := s.Keys(ctx, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if id, ok := s.IDFromKey(k); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ModifiedAt reads a task's modified_at without decoding the document.
func (s *TaskStore) ModifiedAt(ctx context.Context, id string) (string, error) {
	doc, err := s.GetDocument(ctx, s.Key(id))
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("task %s: %w", id, ErrMalformed)
	}
	return gjson.GetBytes(doc, "modified_at").String(), nil
}

// AnnounceSource marks notices published by the engine itself.
const AnnounceSource = "plannersync"

// ChangeNotice is published on the task channel after the engine writes a task.
type ChangeNotice struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"` // "upsert" or "delete"
	Source string `json:"source"`
}

// Announce publishes a ChangeNotice on the store's channel.
func (s *TaskStore) Announce(ctx context.Context, id, action string) error {
	return s.Publish(ctx, s.channel, ChangeNotice{TaskID: id, Action: action, Source: AnnounceSource})
}
