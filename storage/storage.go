package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/wizard-engine/types"
)

// Errors
var (
	ErrNotFound             = errors.New("resource not found")
	ErrFlowNotFound         = errors.New("flow not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrListNotFound         = errors.New("contact list not found")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrListExists           = errors.New("contact list already exists")
	ErrInvalidID            = errors.New("id cannot be empty")
)

// Storage persists wizard and conversation sessions.
type Storage interface {
	// SaveFlow saves the state of a wizard session.
	SaveFlow(ctx context.Context, state types.FlowState) error

	// GetFlow retrieves a wizard session by ID.
	GetFlow(ctx context.Context, id uint64) (types.FlowState, error)

	// DeleteFlow removes a wizard session.
	DeleteFlow(ctx context.Context, id uint64) error

	// SaveConversation saves a conversation session.
	SaveConversation(ctx context.Context, conv types.ConversationState) error

	// GetConversation retrieves a conversation session by ID.
	GetConversation(ctx context.Context, id uint64) (types.ConversationState, error)
}

// Documents persists contact lists and generated documents.
type Documents interface {
	// CreateList creates an empty named list.
	CreateList(ctx context.Context, id, name string) (types.ContactList, error)

	// GetList retrieves a list by ID.
	GetList(ctx context.Context, id string) (types.ContactList, error)

	// Lists returns every saved list.
	Lists(ctx context.Context) ([]types.ContactList, error)

	// MergeContacts appends contacts whose IDs are not yet in the list and
	// returns how many were added.
	MergeContacts(ctx context.Context, listID string, contacts []types.Contact) (int, error)

	// FindContact looks a contact up across every saved list.
	FindContact(ctx context.Context, contactID string) (types.Contact, bool, error)

	// SaveDocument creates or replaces a document.
	SaveDocument(ctx context.Context, doc types.Document) error

	// GetDocument retrieves a document by ID.
	GetDocument(ctx context.Context, id string) (types.Document, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// mergeContacts appends the contacts missing from list, keyed by ID.
// Contacts without an ID are skipped.
func mergeContacts(list *types.ContactList, contacts []types.Contact, now int64) int {
	seen := make(map[string]bool, len(list.Contacts))
	for _, c := range list.Contacts {
		seen[c.ID] = true
	}
	added := 0
	for _, c := range contacts {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		list.Contacts = append(list.Contacts, c)
		added++
	}
	if added > 0 {
		list.UpdatedAt = now
	}
	return added
}

func findInLists(lists []types.ContactList, contactID string) (types.Contact, bool) {
	for _, l := range lists {
		for _, c := range l.Contacts {
			if c.ID == contactID {
				return c, true
			}
		}
	}
	return types.Contact{}, false
}
