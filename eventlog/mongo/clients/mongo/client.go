// Package mongo implements the low-level MongoDB client used by the event log store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/noetl/noetl/eventlog"
)

type (
	// Client exposes Mongo-backed operations for the execution event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *eventlog.Event) (int64, error)
		List(ctx context.Context, id eventlog.ExecutionID, cursor int64, limit int) (eventlog.Page, error)
		Watch(ctx context.Context, id eventlog.ExecutionID) (<-chan *eventlog.Event, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
		// WatchInterval is the poll interval for Watch subscriptions.
		WatchInterval time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		coll     collection
		timeout  time.Duration
		interval time.Duration
	}

	// eventDocument stores the structured fields needed for ordering and the
	// single-terminal constraint; the full event travels as a JSON payload.
	eventDocument struct {
		ExecutionID int64     `bson:"execution_id"`
		Seq         int64     `bson:"seq"`
		Type        string    `bson:"type"`
		Step        string    `bson:"step"`
		Attempt     int       `bson:"attempt"`
		Shard       string    `bson:"shard"`
		AttemptKey  string    `bson:"attempt_key,omitempty"`
		Terminal    bool      `bson:"terminal"`
		Timestamp   time.Time `bson:"timestamp"`
		Payload     []byte    `bson:"payload"`
	}
)

const (
	defaultCollection    = "execution_events"
	defaultTimeout       = 5 * time.Second
	defaultWatchInterval = 250 * time.Millisecond
	clientName           = "eventlog-mongo"

	// Index names, used to tell a lost seq race apart from a genuine
	// duplicate terminal on insert.
	orderIndexName    = "execution_seq"
	terminalIndexName = "attempt_terminal"

	// maxSeqRetries bounds re-allocation when concurrent appenders collide
	// on the same seq.
	maxSeqRetries = 8
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	interval := opts.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout, interval)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *eventlog.Event) (int64, error) {
	if e == nil {
		return 0, errors.New("event is required")
	}
	if e.ExecutionID == 0 {
		return 0, errors.New("execution_id is required")
	}
	if e.Type == "" {
		return 0, errors.New("event type is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Seq allocation reads the tail then inserts against the unique order
	// index. Concurrent appenders can collide on the same seq; losers re-read
	// and retry. Only a duplicate on the terminal index is a real conflict.
	for try := 0; try < maxSeqRetries; try++ {
		last, err := c.lastEvent(ctx, e.ExecutionID)
		if err != nil {
			return 0, err
		}
		var seq int64 = 1
		e.OutOfOrder = false
		if last != nil {
			seq = last.Seq + 1
			if e.Timestamp.Before(last.Timestamp.Add(-eventlog.SkewTolerance)) {
				e.OutOfOrder = true
			}
		}
		e.ID = seq

		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal event: %w", err)
		}
		doc := eventDocument{
			ExecutionID: int64(e.ExecutionID),
			Seq:         seq,
			Type:        string(e.Type),
			Step:        e.Step,
			Attempt:     e.Attempt,
			Shard:       e.Shard,
			Terminal:    e.Type.Terminal(),
			Timestamp:   e.Timestamp.UTC(),
			Payload:     payload,
		}
		if doc.Terminal {
			doc.AttemptKey = eventlog.TerminalKey(e)
		}
		_, err = c.coll.InsertOne(ctx, doc)
		if err == nil {
			return seq, nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return 0, err
		}
		if indexViolated(err, terminalIndexName) {
			return 0, eventlog.ErrConflict
		}
		// Lost the seq race to a concurrent appender.
	}
	return 0, fmt.Errorf("append event for execution %d: seq contention persisted", e.ExecutionID)
}

// indexViolated reports whether the duplicate key error names the given index.
func indexViolated(err error, index string) bool {
	var we mongodriver.WriteException
	if errors.As(err, &we) {
		for _, w := range we.WriteErrors {
			if strings.Contains(w.Message, index) {
				return true
			}
		}
		return false
	}
	return strings.Contains(err.Error(), index)
}

func (c *client) List(ctx context.Context, id eventlog.ExecutionID, cursor int64, limit int) (page eventlog.Page, err error) {
	if id == 0 {
		return eventlog.Page{}, errors.New("execution_id is required")
	}
	if limit <= 0 {
		return eventlog.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{
		"execution_id": int64(id),
		"seq":          bson.M{"$gt": cursor},
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return eventlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var events []*eventlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return eventlog.Page{}, err
		}
		e, err := decodeEvent(doc)
		if err != nil {
			return eventlog.Page{}, err
		}
		events = append(events, e)
	}
	if err := cur.Err(); err != nil {
		return eventlog.Page{}, err
	}

	var next int64
	if len(events) > limit {
		events = events[:limit]
		next = events[limit-1].ID
	}
	return eventlog.Page{Events: events, NextCursor: next}, nil
}

// Watch polls the collection for new events. The driver's change streams
// require a replica set; polling keeps the client usable against standalone
// deployments.
func (c *client) Watch(ctx context.Context, id eventlog.ExecutionID) (<-chan *eventlog.Event, error) {
	if id == 0 {
		return nil, errors.New("execution_id is required")
	}
	ch := make(chan *eventlog.Event, 64)
	go func() {
		defer close(ch)
		var cursor int64
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				page, err := c.List(ctx, id, cursor, 256)
				if err != nil || len(page.Events) == 0 {
					break
				}
				for _, e := range page.Events {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
					cursor = e.ID
				}
				if page.NextCursor == 0 {
					break
				}
			}
		}
	}()
	return ch, nil
}

func (c *client) lastEvent(ctx context.Context, id eventlog.ExecutionID) (*eventDocument, error) {
	cur, err := c.coll.Find(ctx, bson.M{"execution_id": int64(id)}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(1),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return nil, cur.Err()
	}
	var doc eventDocument
	if err := cur.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func decodeEvent(doc eventDocument) (*eventlog.Event, error) {
	var e eventlog.Event
	if err := json.Unmarshal(doc.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	e.ID = doc.Seq
	return &e, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	order := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true).SetName(orderIndexName),
	}
	if _, err := coll.Indexes().CreateOne(ctx, order); err != nil {
		return err
	}
	// Partial unique index enforcing one terminal event per attempt.
	terminal := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "attempt_key", Value: 1},
		},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"terminal": true}).
			SetName(terminalIndexName),
	}
	_, err := coll.Indexes().CreateOne(ctx, terminal)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout, interval time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &client{
		mongo:    mongoClient,
		coll:     coll,
		timeout:  timeout,
		interval: interval,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
