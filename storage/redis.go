package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/wizard-engine/types"
)

const (
	flowPrefix         = "flow:"
	conversationPrefix = "conversation:"
	listPrefix         = "list:"
	listIndexKey       = "lists"
	documentPrefix     = "document:"

	maxMergeAttempts = 5
)

// RedisStorage is a Redis-backed implementation of Storage and Documents.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	Namespace    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.Namespace), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, namespace string) *RedisStorage {
	return &RedisStorage{client: client, namespace: namespace}
}

func (s *RedisStorage) key(prefix string, id interface{}) string {
	k := fmt.Sprintf("%s%v", prefix, id)
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

// saveToRedis saves a value to Redis under the given key.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: %w: key=%s", errNotFound, ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveFlow saves a wizard session to Redis.
func (s *RedisStorage) SaveFlow(ctx context.Context, state types.FlowState) error {
	return s.saveToRedis(ctx, s.key(flowPrefix, state.SessionID), state)
}

// GetFlow retrieves a wizard session from Redis.
func (s *RedisStorage) GetFlow(ctx context.Context, id uint64) (types.FlowState, error) {
	return getFromRedis[types.FlowState](ctx, s.client, s.key(flowPrefix, id), ErrFlowNotFound)
}

// DeleteFlow removes a wizard session from Redis.
func (s *RedisStorage) DeleteFlow(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return s.client.Del(ctx, s.key(flowPrefix, id)).Err()
	})
}

// SaveConversation saves a conversation session to Redis.
func (s *RedisStorage) SaveConversation(ctx context.Context, conv types.ConversationState) error {
	return s.saveToRedis(ctx, s.key(conversationPrefix, conv.SessionID), conv)
}

// GetConversation retrieves a conversation session from Redis.
func (s *RedisStorage) GetConversation(ctx context.Context, id uint64) (types.ConversationState, error) {
	return getFromRedis[types.ConversationState](ctx, s.client, s.key(conversationPrefix, id), ErrConversationNotFound)
}

// ClearCompleted removes completed wizard sessions from Redis.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		var keys []string
		iter := s.client.Scan(ctx, 0, s.key(flowPrefix, "*"), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan flow keys: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var state types.FlowState
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if state.SubmissionStatus == types.StatusCompleted {
				pipe.Del(ctx, key)
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// CreateList creates an empty contact list. It fails if the ID is taken.
func (s *RedisStorage) CreateList(ctx context.Context, id, name string) (types.ContactList, error) {
	return withContext(ctx, func() (types.ContactList, error) {
		if id == "" {
			return types.ContactList{}, ErrInvalidID
		}
		now := time.Now().UnixMilli()
		list := types.ContactList{ID: id, Name: name, Contacts: []types.Contact{}, CreatedAt: now, UpdatedAt: now}
		data, err := json.Marshal(list)
		if err != nil {
			return types.ContactList{}, fmt.Errorf("failed to marshal list %s: %w", id, err)
		}

		ok, err := s.client.SetNX(ctx, s.key(listPrefix, id), data, 0).Result()
		if err != nil {
			return types.ContactList{}, fmt.Errorf("failed to create list %s: %w", id, err)
		}
		if !ok {
			return types.ContactList{}, fmt.Errorf("%w: id=%s", ErrListExists, id)
		}
		if err := s.client.SAdd(ctx, s.key(listIndexKey, ""), id).Err(); err != nil {
			return types.ContactList{}, fmt.Errorf("failed to index list %s: %w", id, err)
		}
		return list, nil
	})
}

// GetList retrieves a contact list from Redis.
func (s *RedisStorage) GetList(ctx context.Context, id string) (types.ContactList, error) {
	return getFromRedis[types.ContactList](ctx, s.client, s.key(listPrefix, id), ErrListNotFound)
}

// Lists returns every contact list ordered by ID.
func (s *RedisStorage) Lists(ctx context.Context) ([]types.ContactList, error) {
	return withContext(ctx, func() ([]types.ContactList, error) {
		ids, err := s.client.SMembers(ctx, s.key(listIndexKey, "")).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read list index: %w", err)
		}
		sort.Strings(ids)

		lists := make([]types.ContactList, 0, len(ids))
		for _, id := range ids {
			list, err := s.GetList(ctx, id)
			if errors.Is(err, ErrListNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			lists = append(lists, list)
		}
		return lists, nil
	})
}

// MergeContacts adds the contacts not yet present in the list. The read-modify-write
// runs under WATCH so concurrent merges into the same list don't lose contacts.
func (s *RedisStorage) MergeContacts(ctx context.Context, listID string, contacts []types.Contact) (int, error) {
	return withContext(ctx, func() (int, error) {
		key := s.key(listPrefix, listID)
		added := 0

		txf := func(tx *redis.Tx) error {
			list, err := getFromRedis[types.ContactList](ctx, tx, key, ErrListNotFound)
			if err != nil {
				return err
			}
			added = mergeContacts(&list, contacts, time.Now().UnixMilli())
			if added == 0 {
				return nil
			}
			data, err := json.Marshal(list)
			if err != nil {
				return fmt.Errorf("failed to marshal list %s: %w", listID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}

		for i := 0; i < maxMergeAttempts; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			if err != nil {
				return 0, err
			}
			return added, nil
		}
		return 0, fmt.Errorf("merge into list %s kept conflicting after %d attempts", listID, maxMergeAttempts)
	})
}

// FindContact searches every list for the contact.
func (s *RedisStorage) FindContact(ctx context.Context, contactID string) (types.Contact, bool, error) {
	lists, err := s.Lists(ctx)
	if err != nil {
		return types.Contact{}, false, err
	}
	c, ok := findInLists(lists, contactID)
	return c, ok, nil
}

// SaveDocument saves a document to Redis.
func (s *RedisStorage) SaveDocument(ctx context.Context, doc types.Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return ErrInvalidID
	}
	return s.saveToRedis(ctx, s.key(documentPrefix, doc.ID), doc)
}

// GetDocument retrieves a document from Redis.
func (s *RedisStorage) GetDocument(ctx context.Context, id string) (types.Document, error) {
	return getFromRedis[types.Document](ctx, s.client, s.key(documentPrefix, id), ErrDocumentNotFound)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
