package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore is a MongoDB-backed Store, grounded on the teacher's
// registry/store/mongo.Store adapter shape.
type MongoStore struct {
	blocks      *mongo.Collection
	completions *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore wraps the blocks/completions collections of an already
// connected *mongo.Database. Call EnsureIndexes once at startup to create
// the unique compound indexes the upsert idempotency key depends on.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		blocks:      db.Collection("completion_blocks"),
		completions: db.Collection("completions"),
	}
}

// EnsureIndexes creates the partial unique indexes backing UpsertBlock's
// idempotency key: (completion_id, decision_id) for decision blocks and
// (completion_id, tool_exec_id) for tool blocks, each partial on the field
// existing so the two kinds never collide in one index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.blocks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "completion_id", Value: 1}, {Key: "decision_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"decision_id": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "completion_id", Value: 1}, {Key: "tool_exec_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"tool_exec_id": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("store: ensure indexes: %w", err)
	}
	return nil
}

type blockDoc struct {
	CompletionID string `bson:"completion_id"`
	Kind         Kind   `bson:"kind"`
	DecisionID   string `bson:"decision_id,omitempty"`
	ToolExecID   string `bson:"tool_exec_id,omitempty"`
	BlockIndex   int    `bson:"block_index"`
	Seq          int64  `bson:"seq"`
	Content      string `bson:"content"`
	Reasoning    string `bson:"reasoning"`
	Status       Status `bson:"status"`
	ErrorMsg     string `bson:"error_message,omitempty"`
}

func toDoc(b Block) blockDoc {
	return blockDoc{
		CompletionID: b.CompletionID,
		Kind:         b.Kind,
		DecisionID:   b.DecisionID,
		ToolExecID:   b.ToolExecID,
		BlockIndex:   b.BlockIndex,
		Seq:          b.Seq,
		Content:      b.Content,
		Reasoning:    b.Reasoning,
		Status:       b.Status,
		ErrorMsg:     b.ErrorMsg,
	}
}

func fromDoc(d blockDoc) Block {
	return Block{
		CompletionID: d.CompletionID,
		Kind:         d.Kind,
		DecisionID:   d.DecisionID,
		ToolExecID:   d.ToolExecID,
		BlockIndex:   d.BlockIndex,
		Seq:          d.Seq,
		Content:      d.Content,
		Reasoning:    d.Reasoning,
		Status:       d.Status,
		ErrorMsg:     d.ErrorMsg,
	}
}

// NextBlockIndex atomically increments and returns a per-completion counter
// stored on the completion document, via findOneAndUpdate's $inc.
func (s *MongoStore) NextBlockIndex(ctx context.Context, completionID string) (int, error) {
	after := options.After
	var doc struct {
		BlockCounter int `bson:"block_counter"`
	}
	err := s.completions.FindOneAndUpdate(ctx,
		bson.M{"_id": completionID},
		bson.M{"$inc": bson.M{"block_counter": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(after),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("store: next block index for completion %q: %w", completionID, err)
	}
	return doc.BlockCounter - 1, nil // zero-indexed positions
}

// UpsertBlock upserts b keyed by (completion_id, decision_id) or
// (completion_id, tool_exec_id) depending on b.Kind, per spec.md §4.9.
func (s *MongoStore) UpsertBlock(ctx context.Context, b Block) error {
	var filter bson.M
	switch b.Kind {
	case KindDecision:
		if b.DecisionID == "" {
			return errors.New("store: decision block requires DecisionID")
		}
		filter = bson.M{"completion_id": b.CompletionID, "decision_id": b.DecisionID}
	case KindTool:
		if b.ToolExecID == "" {
			return errors.New("store: tool block requires ToolExecID")
		}
		filter = bson.M{"completion_id": b.CompletionID, "tool_exec_id": b.ToolExecID}
	default:
		return fmt.Errorf("store: unknown block kind %q", b.Kind)
	}

	_, err := s.blocks.ReplaceOne(ctx, filter, toDoc(b), options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: upsert block %s/%s: %w", b.CompletionID, b.key(), err)
	}
	return nil
}

// ListBlocks returns every block for completionID, ordered by
// (seq, block_index).
func (s *MongoStore) ListBlocks(ctx context.Context, completionID string) ([]Block, error) {
	cursor, err := s.blocks.Find(ctx,
		bson.M{"completion_id": completionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "block_index", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list blocks for completion %q: %w", completionID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []blockDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decode blocks for completion %q: %w", completionID, err)
	}
	out := make([]Block, len(docs))
	for i, d := range docs {
		out[i] = fromDoc(d)
	}
	return out, nil
}

// SetCompletionStatus transitions completionID's status, recording errMsg
// only for StatusError.
func (s *MongoStore) SetCompletionStatus(ctx context.Context, completionID string, status Status, errMsg string) error {
	update := bson.M{"status": status}
	if status == StatusError {
		update["error_message"] = errMsg
	}
	_, err := s.completions.UpdateOne(ctx,
		bson.M{"_id": completionID},
		bson.M{"$set": update},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store: set completion %q status: %w", completionID, err)
	}
	return nil
}

// StopInProgress marks every in_progress block for completionID as stopped
// and sets the completion's own status to stopped, per spec.md §4.9's stop
// handling.
func (s *MongoStore) StopInProgress(ctx context.Context, completionID string) error {
	if _, err := s.blocks.UpdateMany(ctx,
		bson.M{"completion_id": completionID, "status": StatusInProgress},
		bson.M{"$set": bson.M{"status": StatusStopped}},
	); err != nil {
		return fmt.Errorf("store: stop in-progress blocks for completion %q: %w", completionID, err)
	}
	return s.SetCompletionStatus(ctx, completionID, StatusStopped, "")
}

// mongoSessionFactory opens a fresh *mongo.Client per background task,
// implementing SessionFactory so a background scoring/suggestion/title task
// never shares the turn's in-flight connection with the Agent Loop, per
// spec.md §5.
type mongoSessionFactory struct {
	uri string
	db  string
}

// NewMongoSessionFactory returns a SessionFactory that dials a brand-new
// client against uri/db for every NewSession call.
func NewMongoSessionFactory(uri, db string) SessionFactory {
	return &mongoSessionFactory{uri: uri, db: db}
}

func (f *mongoSessionFactory) NewSession(ctx context.Context) (Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(f.uri))
	if err != nil {
		return nil, fmt.Errorf("store: session connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: session ping: %w", err)
	}
	return NewMongoStore(client.Database(f.db)), nil
}
