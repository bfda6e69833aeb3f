package persistence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cschleiden/go-workflowapp/log"
	"github.com/google/uuid"
)

// InstanceStore wraps a Provider and keeps track of the default owner that workflow applications use when they
// do not create an owner of their own.
type InstanceStore struct {
	provider Provider
	options  *Options

	mu           sync.Mutex
	defaultOwner *Owner
}

func NewInstanceStore(p Provider, opts ...Option) *InstanceStore {
	return &InstanceStore{
		provider: p,
		options:  ApplyOptions(opts...),
	}
}

func (s *InstanceStore) Provider() Provider {
	return s.provider
}

func (s *InstanceStore) Options() *Options {
	return s.options
}

func (s *InstanceStore) Logger() *slog.Logger {
	return s.options.Logger
}

// DefaultOwner returns the default owner, or nil if none has been created.
func (s *InstanceStore) DefaultOwner() *Owner {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.defaultOwner
}

// CreateDefaultOwner creates an owner that all applications using this store share.
func (s *InstanceStore) CreateDefaultOwner(ctx context.Context, hostType string) (*Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.defaultOwner != nil {
		return nil, ErrDefaultOwnerExists
	}

	o := &Owner{ID: uuid.NewString(), HostType: hostType}
	if err := s.provider.CreateOwner(ctx, o); err != nil {
		return nil, err
	}

	s.defaultOwner = o
	s.options.Logger.Debug("created default instance owner", log.OwnerIDKey, o.ID)

	return o, nil
}

// DeleteDefaultOwner deletes the default owner and releases all its locks.
func (s *InstanceStore) DeleteDefaultOwner(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.defaultOwner == nil {
		return ErrNoDefaultOwner
	}

	if err := s.provider.DeleteOwner(ctx, s.defaultOwner.ID); err != nil {
		return err
	}

	s.options.Logger.Debug("deleted default instance owner", log.OwnerIDKey, s.defaultOwner.ID)
	s.defaultOwner = nil

	return nil
}

func (s *InstanceStore) Close() error {
	return s.provider.Close()
}
