// Package mongo wires the eventlog.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/noetl/noetl/eventlog/mongo/clients/mongo"

	"github.com/noetl/noetl/eventlog"
)

// Store implements eventlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed event log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) (int64, error) {
	return s.client.Append(ctx, e)
}

// List implements eventlog.Store.
func (s *Store) List(ctx context.Context, id eventlog.ExecutionID, cursor int64, limit int) (eventlog.Page, error) {
	return s.client.List(ctx, id, cursor, limit)
}

// Watch implements eventlog.Store.
func (s *Store) Watch(ctx context.Context, id eventlog.ExecutionID) (<-chan *eventlog.Event, error) {
	return s.client.Watch(ctx, id)
}
