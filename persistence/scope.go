package persistence

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Scope is an explicit transaction that spans the saves of several instances. Saves performed with a context
// carrying a scope are enlisted instead of committed, and applied when the owner of the scope completes it.
type Scope struct {
	mu          sync.Mutex
	enlistments []Enlistment
	dependents  sync.WaitGroup
	completed   bool
	rollbackErr error
}

func NewScope() *Scope {
	return &Scope{}
}

// Enlist adds a prepared save to the scope.
func (s *Scope) Enlist(e Enlistment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return ErrScopeCompleted
	}

	s.enlistments = append(s.enlistments, e)

	return nil
}

// DependentClone returns a handle that keeps Complete from committing until the dependent work is done.
func (s *Scope) DependentClone() *Dependent {
	s.dependents.Add(1)

	return &Dependent{scope: s}
}

// Complete waits for all dependents and commits every enlistment in order. If a commit fails, the remaining
// enlistments are rolled back. If ctx ends first, the scope is rolled back.
func (s *Scope) Complete(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return multierr.Append(err, s.Rollback(context.WithoutCancel(ctx)))
	}

	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return ErrScopeCompleted
	}

	s.completed = true
	enlistments := s.enlistments
	rollbackErr := s.rollbackErr
	s.mu.Unlock()

	if rollbackErr != nil {
		return multierr.Append(fmt.Errorf("%w: %w", ErrScopeRolledBack, rollbackErr), rollbackAll(ctx, enlistments))
	}

	for i, e := range enlistments {
		if err := e.Commit(ctx); err != nil {
			return multierr.Append(fmt.Errorf("committing transaction scope: %w", err), rollbackAll(ctx, enlistments[i+1:]))
		}
	}

	return nil
}

// Rollback discards all enlistments.
func (s *Scope) Rollback(ctx context.Context) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return ErrScopeCompleted
	}

	s.completed = true
	enlistments := s.enlistments
	s.mu.Unlock()

	return rollbackAll(ctx, enlistments)
}

func (s *Scope) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.dependents.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scope) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rollbackErr == nil {
		s.rollbackErr = err
	}
}

func rollbackAll(ctx context.Context, enlistments []Enlistment) error {
	var err error
	for _, e := range enlistments {
		err = multierr.Append(err, e.Rollback(ctx))
	}

	return err
}

// Dependent is the join handle of a dependent clone.
type Dependent struct {
	scope *Scope
	once  sync.Once
}

// Complete signals that the dependent work is done. Calling it more than once has no effect.
func (d *Dependent) Complete() {
	d.once.Do(d.scope.dependents.Done)
}

// Rollback dooms the scope and completes the dependent.
func (d *Dependent) Rollback(err error) {
	d.scope.abort(err)
	d.Complete()
}

type scopeKey struct{}

func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
