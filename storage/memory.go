package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/wizard-engine/types"
)

// MemoryStorage is an in-memory implementation of Storage and Documents.
type MemoryStorage struct {
	flows         map[uint64]types.FlowState
	conversations map[uint64]types.ConversationState
	lists         map[string]types.ContactList
	documents     map[string]types.Document
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows:         make(map[uint64]types.FlowState),
		conversations: make(map[uint64]types.ConversationState),
		lists:         make(map[string]types.ContactList),
		documents:     make(map[string]types.Document),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %w: id=%v", errNotFound, ErrNotFound, id)
		}
		return item, nil
	})
}

// SaveFlow saves a wizard session to memory.
func (s *MemoryStorage) SaveFlow(ctx context.Context, state types.FlowState) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flows[state.SessionID] = state.Clone()
		return nil
	})
}

// GetFlow retrieves a wizard session from memory.
func (s *MemoryStorage) GetFlow(ctx context.Context, id uint64) (types.FlowState, error) {
	state, err := getItem(ctx, &s.mu, s.flows, id, ErrFlowNotFound)
	if err != nil {
		return types.FlowState{}, err
	}
	return state.Clone(), nil
}

// DeleteFlow removes a wizard session from memory.
func (s *MemoryStorage) DeleteFlow(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.flows, id)
		return nil
	})
}

// SaveConversation saves a conversation session to memory.
func (s *MemoryStorage) SaveConversation(ctx context.Context, conv types.ConversationState) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conversations[conv.SessionID] = conv.Clone()
		return nil
	})
}

// GetConversation retrieves a conversation session from memory.
func (s *MemoryStorage) GetConversation(ctx context.Context, id uint64) (types.ConversationState, error) {
	conv, err := getItem(ctx, &s.mu, s.conversations, id, ErrConversationNotFound)
	if err != nil {
		return types.ConversationState{}, err
	}
	return conv.Clone(), nil
}

// ClearCompleted removes completed wizard sessions.
func (s *MemoryStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, state := range s.flows {
			if state.SubmissionStatus == types.StatusCompleted {
				delete(s.flows, id)
			}
		}
		return nil
	})
}

// CreateList creates an empty contact list.
func (s *MemoryStorage) CreateList(ctx context.Context, id, name string) (types.ContactList, error) {
	return withContext(ctx, func() (types.ContactList, error) {
		if id == "" {
			return types.ContactList{}, ErrInvalidID
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.lists[id]; ok {
			return types.ContactList{}, fmt.Errorf("%w: id=%s", ErrListExists, id)
		}
		now := time.Now().UnixMilli()
		list := types.ContactList{ID: id, Name: name, Contacts: []types.Contact{}, CreatedAt: now, UpdatedAt: now}
		s.lists[id] = list
		return list, nil
	})
}

// GetList retrieves a contact list.
func (s *MemoryStorage) GetList(ctx context.Context, id string) (types.ContactList, error) {
	list, err := getItem(ctx, &s.mu, s.lists, id, ErrListNotFound)
	if err != nil {
		return types.ContactList{}, err
	}
	list.Contacts = append([]types.Contact(nil), list.Contacts...)
	return list, nil
}

// Lists returns every contact list ordered by ID.
func (s *MemoryStorage) Lists(ctx context.Context) ([]types.ContactList, error) {
	return withContext(ctx, func() ([]types.ContactList, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ContactList, 0, len(s.lists))
		for _, l := range s.lists {
			l.Contacts = append([]types.Contact(nil), l.Contacts...)
			out = append(out, l)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// MergeContacts adds the contacts not yet present in the list.
func (s *MemoryStorage) MergeContacts(ctx context.Context, listID string, contacts []types.Contact) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		list, ok := s.lists[listID]
		if !ok {
			return 0, fmt.Errorf("%w: id=%s", ErrListNotFound, listID)
		}
		list.Contacts = append([]types.Contact(nil), list.Contacts...)
		added := mergeContacts(&list, contacts, time.Now().UnixMilli())
		s.lists[listID] = list
		return added, nil
	})
}

// FindContact searches every list for the contact.
func (s *MemoryStorage) FindContact(ctx context.Context, contactID string) (types.Contact, bool, error) {
	lists, err := s.Lists(ctx)
	if err != nil {
		return types.Contact{}, false, err
	}
	c, ok := findInLists(lists, contactID)
	return c, ok, nil
}

// SaveDocument saves a document to memory.
func (s *MemoryStorage) SaveDocument(ctx context.Context, doc types.Document) error {
	return withContextError(ctx, func() error {
		if doc.ID == "" {
			return ErrInvalidID
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.documents[doc.ID] = doc
		return nil
	})
}

// GetDocument retrieves a document from memory.
func (s *MemoryStorage) GetDocument(ctx context.Context, id string) (types.Document, error) {
	return getItem(ctx, &s.mu, s.documents, id, ErrDocumentNotFound)
}
