// Package mongo hosts the MongoDB client used by the conversation store.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/aibridge/chatrelay/conversation"
)

const (
	defaultCollection = "conversations"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "conversation-mongo"
)

// Client exposes Mongo-backed operations for conversation records.
type Client interface {
	health.Pinger

	CreateConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	LoadConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error)
	SetConversationStatus(ctx context.Context, id uuid.UUID, status conversation.Status) (conversation.Conversation, error)
	SetConversationTitle(ctx context.Context, id uuid.UUID, title string) error
}

// Options configures the Mongo conversation client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo         *mongodriver.Client
	conversations *mongodriver.Collection
	timeout       time.Duration
}

// New returns a Client backed by MongoDB. It ensures the unique index on the
// conversation ID so concurrent creates converge on one record.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, conversations: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	if id == uuid.Nil {
		return conversation.Conversation{}, errors.New("conversation id is required")
	}
	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": id.String()}
	update := bson.M{
		// Idempotent insert: a create racing another create or an existing
		// record must never modify that record. Pure $setOnInsert keeps the
		// operation safe under retries.
		"$setOnInsert": bson.M{
			"conversation_id": id.String(),
			"status":          conversation.StatusIdle,
			"created_at":      now,
			"updated_at":      now,
		},
	}
	if _, err := c.conversations.UpdateOne(ctxWithTimeout, filter, update, options.Update().SetUpsert(true)); err != nil {
		return conversation.Conversation{}, err
	}
	return c.LoadConversation(ctx, id)
}

func (c *client) LoadConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	if id == uuid.Nil {
		return conversation.Conversation{}, errors.New("conversation id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": id.String()}
	var doc conversationDocument
	if err := c.conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return conversation.Conversation{}, conversation.ErrNotFound
		}
		return conversation.Conversation{}, err
	}
	return doc.toConversation()
}

func (c *client) SetConversationStatus(ctx context.Context, id uuid.UUID, status conversation.Status) (conversation.Conversation, error) {
	if id == uuid.Nil {
		return conversation.Conversation{}, errors.New("conversation id is required")
	}
	if !status.Valid() {
		return conversation.Conversation{}, errors.New("invalid conversation status")
	}
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": id.String()}
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"updated_at": time.Now().UTC(),
		},
	}
	res, err := c.conversations.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if res.MatchedCount == 0 {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c.LoadConversation(ctx, id)
}

func (c *client) SetConversationTitle(ctx context.Context, id uuid.UUID, title string) error {
	if id == uuid.Nil {
		return errors.New("conversation id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"conversation_id": id.String()}
	update := bson.M{
		"$set": bson.M{
			"title":      title,
			"updated_at": time.Now().UTC(),
		},
	}
	res, err := c.conversations.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type conversationDocument struct {
	ConversationID string              `bson:"conversation_id"`
	Status         conversation.Status `bson:"status"`
	Title          string              `bson:"title,omitempty"`
	CreatedAt      time.Time           `bson:"created_at"`
	UpdatedAt      time.Time           `bson:"updated_at"`
}

func (doc conversationDocument) toConversation() (conversation.Conversation, error) {
	id, err := uuid.Parse(doc.ConversationID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return conversation.Conversation{
		ID:        id,
		Status:    doc.Status,
		Title:     doc.Title,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}
