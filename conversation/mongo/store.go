// Package mongo implements conversation.Store on MongoDB.
package mongo

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/aibridge/chatrelay/conversation"
	clientsmongo "github.com/aibridge/chatrelay/conversation/mongo/clients/mongo"
)

// Store implements conversation.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Create persists a new idle record, or returns the existing one unchanged.
func (s *Store) Create(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	return s.client.CreateConversation(ctx, id)
}

// Load retrieves a conversation record.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	return s.client.LoadConversation(ctx, id)
}

// SetStatus transitions the record's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status conversation.Status) (conversation.Conversation, error) {
	return s.client.SetConversationStatus(ctx, id, status)
}

// SetTitle records the display title chosen by the agent.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	return s.client.SetConversationTitle(ctx, id, title)
}
