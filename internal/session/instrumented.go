package session

import (
	"context"
	"errors"

	"github.com/teemow/workspace-mcp/internal/instrumentation"
)

// Instrumented records a session_store_operations_total sample for every call
// on the wrapped Store.
type Instrumented struct {
	Store
	backend string
	metrics *instrumentation.Metrics
}

// NewInstrumented wraps store. A nil metrics value makes every record a no-op.
func NewInstrumented(store Store, backend string, metrics *instrumentation.Metrics) *Instrumented {
	return &Instrumented{Store: store, backend: backend, metrics: metrics}
}

func (s *Instrumented) record(ctx context.Context, op string, err error) {
	status := instrumentation.StatusSuccess
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = instrumentation.StatusError
	}
	s.metrics.RecordSessionStoreOperation(ctx, s.backend, op, status)
}

func (s *Instrumented) StoreSession(ctx context.Context, userEmail string, creds Credentials, sessionKey, mcpSessionID string) error {
	err := s.Store.StoreSession(ctx, userEmail, creds, sessionKey, mcpSessionID)
	s.record(ctx, instrumentation.StoreOpSave, err)
	return err
}

func (s *Instrumented) HasSession(ctx context.Context, userEmail string) (bool, error) {
	ok, err := s.Store.HasSession(ctx, userEmail)
	s.record(ctx, instrumentation.StoreOpHas, err)
	return ok, err
}

func (s *Instrumented) GetSingleUserEmail(ctx context.Context) (string, bool, error) {
	email, ok, err := s.Store.GetSingleUserEmail(ctx)
	s.record(ctx, instrumentation.StoreOpSingle, err)
	return email, ok, err
}

func (s *Instrumented) GetUserByMCPSession(ctx context.Context, mcpSessionID string) (string, bool, error) {
	email, ok, err := s.Store.GetUserByMCPSession(ctx, mcpSessionID)
	s.record(ctx, instrumentation.StoreOpLookup, err)
	return email, ok, err
}

func (s *Instrumented) GetSession(ctx context.Context, userEmail string) (*Record, error) {
	record, err := s.Store.GetSession(ctx, userEmail)
	s.record(ctx, instrumentation.StoreOpGet, err)
	return record, err
}

func (s *Instrumented) DeleteSession(ctx context.Context, userEmail, sessionKey string) error {
	err := s.Store.DeleteSession(ctx, userEmail, sessionKey)
	s.record(ctx, instrumentation.StoreOpDelete, err)
	return err
}
