package mongo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/noetl/noetl/eventlog"
)

type fakeCollection struct {
	mu         sync.Mutex
	docs       []eventDocument
	insertErrs []error
	inserts    int
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.docs = append(f.docs, document.(eventDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := filter.(bson.M)
	execID := m["execution_id"].(int64)
	var minSeq int64 = -1
	if g, ok := m["seq"].(bson.M); ok {
		minSeq = g["$gt"].(int64)
	}
	var out []eventDocument
	for _, d := range f.docs {
		if d.ExecutionID == execID && d.Seq > minSeq {
			out = append(out, d)
		}
	}
	desc := false
	limit := len(out)
	if len(opts) > 0 {
		if s, ok := opts[0].Sort.(bson.D); ok && len(s) > 0 && s[0].Value == -1 {
			desc = true
		}
		if opts[0].Limit != nil {
			limit = int(*opts[0].Limit)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Seq < out[j].Seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return &fakeCursor{docs: out}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []eventDocument
	i    int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.i < len(c.docs) {
		c.i++
		return true
	}
	return false
}

func (c *fakeCursor) Decode(val any) error {
	*(val.(*eventDocument)) = c.docs[c.i-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(context.Context) error { return nil }

func dupKeyError(index string) error {
	return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{
		Code:    11000,
		Message: fmt.Sprintf("E11000 duplicate key error collection: noetl.execution_events index: %s dup key: { execution_id: 7 }", index),
	}}}
}

func newTestClient(t *testing.T, coll collection) Client {
	t.Helper()
	c, err := newClientWithCollection(nil, coll, time.Second, time.Millisecond)
	require.NoError(t, err)
	return c
}

func TestAppendRetriesLostSeqRace(t *testing.T) {
	f := &fakeCollection{
		docs:       []eventDocument{{ExecutionID: 7, Seq: 1, Type: string(eventlog.StepEnter), Timestamp: time.Now().UTC(), Payload: []byte(`{}`)}},
		insertErrs: []error{dupKeyError(orderIndexName)},
	}
	c := newTestClient(t, f)

	id, err := c.Append(context.Background(), &eventlog.Event{
		ExecutionID: 7, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: -1,
	})
	require.NoError(t, err, "a lost seq race is not a terminal conflict")
	require.Equal(t, int64(2), id)
	require.Equal(t, 2, f.inserts, "the append re-allocates and retries")
	require.Equal(t, int64(2), f.docs[len(f.docs)-1].Seq)
}

func TestAppendDuplicateTerminalConflicts(t *testing.T) {
	f := &fakeCollection{insertErrs: []error{dupKeyError(terminalIndexName)}}
	c := newTestClient(t, f)

	_, err := c.Append(context.Background(), &eventlog.Event{
		ExecutionID: 7, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: -1,
	})
	require.ErrorIs(t, err, eventlog.ErrConflict)
	require.Equal(t, 1, f.inserts, "terminal conflicts do not retry")
}

func TestAppendGivesUpUnderSeqContention(t *testing.T) {
	errs := make([]error, maxSeqRetries)
	for i := range errs {
		errs[i] = dupKeyError(orderIndexName)
	}
	f := &fakeCollection{insertErrs: errs}
	c := newTestClient(t, f)

	_, err := c.Append(context.Background(), &eventlog.Event{
		ExecutionID: 7, Type: eventlog.CallDone, Step: "a", Attempt: 1, Iter: -1,
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, eventlog.ErrConflict)
	require.Equal(t, maxSeqRetries, f.inserts)
}
