// Package memory contains an instance store that keeps everything in process memory. It is meant for tests and
// for hosts that do not need instances to survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cschleiden/go-workflowapp/persistence"
)

type instance struct {
	data      persistence.Values
	metadata  persistence.Values
	lockOwner string
	completed bool
	runnable  bool
	nextTimer time.Time
	hostType  string
}

type memoryStore struct {
	mu        sync.Mutex
	owners    map[string]*persistence.Owner
	instances map[string]*instance
}

var _ persistence.TransactionalProvider = (*memoryStore)(nil)

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		owners:    map[string]*persistence.Owner{},
		instances: map[string]*instance{},
	}
}

func (s *memoryStore) CreateOwner(ctx context.Context, owner *persistence.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[owner.ID]; ok {
		return persistence.ErrOwnerExists
	}

	o := *owner
	s.owners[owner.ID] = &o

	return nil
}

func (s *memoryStore) DeleteOwner(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[ownerID]; !ok {
		return persistence.ErrOwnerNotFound
	}

	delete(s.owners, ownerID)

	for _, i := range s.instances {
		if i.lockOwner == ownerID {
			i.lockOwner = ""
		}
	}

	return nil
}

func (s *memoryStore) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSave(cmd); err != nil {
		return err
	}

	s.apply(cmd)

	return nil
}

func (s *memoryStore) checkSave(cmd *persistence.SaveCommand) error {
	if _, ok := s.owners[cmd.OwnerID]; !ok {
		return persistence.ErrOwnerNotFound
	}

	if i, ok := s.instances[cmd.InstanceID]; ok {
		return persistence.CheckLock(cmd.OwnerID, i.lockOwner, i.completed)
	}

	return nil
}

func (s *memoryStore) apply(cmd *persistence.SaveCommand) {
	i, ok := s.instances[cmd.InstanceID]
	if !ok {
		i = &instance{metadata: persistence.Values{}}
		s.instances[cmd.InstanceID] = i
	}

	i.data = cmd.Data.Clone()
	i.metadata.Merge(cmd.Metadata)
	i.completed = cmd.Complete
	i.runnable = cmd.Runnable
	i.nextTimer = cmd.NextTimer
	i.hostType = cmd.HostType

	if cmd.Unlock || cmd.Complete {
		i.lockOwner = ""
	} else {
		i.lockOwner = cmd.OwnerID
	}
}

func (s *memoryStore) LoadInstance(ctx context.Context, ownerID, instanceID string) (*persistence.InstanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[ownerID]; !ok {
		return nil, persistence.ErrOwnerNotFound
	}

	i, ok := s.instances[instanceID]
	if !ok {
		return nil, persistence.ErrInstanceNotFound
	}

	if err := persistence.CheckLock(ownerID, i.lockOwner, i.completed); err != nil {
		return nil, err
	}

	i.lockOwner = ownerID

	return view(instanceID, i), nil
}

func (s *memoryStore) TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*persistence.InstanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[ownerID]
	if !ok {
		return nil, persistence.ErrOwnerNotFound
	}

	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		i := s.instances[id]
		if i.completed || i.lockOwner != "" {
			continue
		}

		if owner.HostType != "" && i.hostType != owner.HostType {
			continue
		}

		if i.runnable || (!i.nextTimer.IsZero() && !i.nextTimer.After(now)) {
			i.lockOwner = ownerID
			return view(id, i), nil
		}
	}

	return nil, nil
}

func (s *memoryStore) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.instances[instanceID]
	if !ok {
		return persistence.ErrInstanceNotFound
	}

	switch i.lockOwner {
	case "":
		return nil
	case ownerID:
		i.lockOwner = ""
		return nil
	}

	return persistence.ErrInstanceLocked
}

func (s *memoryStore) Close() error {
	return nil
}

// BeginSaveInstance validates the save and applies it when the enlistment is committed.
func (s *memoryStore) BeginSaveInstance(ctx context.Context, cmd *persistence.SaveCommand) (persistence.Enlistment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSave(cmd); err != nil {
		return nil, err
	}

	return &enlistment{s: s, cmd: cmd}, nil
}

type enlistment struct {
	s   *memoryStore
	cmd *persistence.SaveCommand
}

func (e *enlistment) Commit(ctx context.Context) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	if err := e.s.checkSave(e.cmd); err != nil {
		return err
	}

	e.s.apply(e.cmd)

	return nil
}

func (e *enlistment) Rollback(ctx context.Context) error {
	return nil
}

func view(id string, i *instance) *persistence.InstanceView {
	return &persistence.InstanceView{
		InstanceID: id,
		Data:       i.data.Readable(),
		Metadata:   i.metadata.Clone(),
		Completed:  i.completed,
	}
}
