package persistence

import (
	"context"
	"time"
)

// Owner is a host process that locks instances while it has them loaded.
type Owner struct {
	ID string

	// HostType restricts runnable-instance discovery to instances saved with the same host type. Empty matches
	// every instance.
	HostType string
}

// SaveCommand is a complete write of an instance.
type SaveCommand struct {
	InstanceID string
	OwnerID    string

	// Data replaces all previously saved instance data.
	Data Values

	// Metadata is merged with previously saved metadata.
	Metadata Values

	HostType string

	// Runnable marks the instance as having pending work, so it can be picked up by TryLoadRunnableInstance.
	Runnable bool

	// NextTimer is the next time at which the instance becomes runnable. Zero means none.
	NextTimer time.Time

	// Unlock releases the lock after saving.
	Unlock bool

	// Complete marks the instance as finished. Completed instances are unlocked and cannot be loaded again.
	Complete bool
}

// InstanceView is what a store returns when an instance is loaded.
type InstanceView struct {
	InstanceID string

	// Data holds all values that were not saved as write-only.
	Data Values

	Metadata Values

	Completed bool
}

// Provider is the contract instance stores implement. All instance operations are performed on behalf of an owner
// that has to be created first.
//
//go:generate mockery --name=Provider --inpackage
type Provider interface {
	CreateOwner(ctx context.Context, owner *Owner) error

	// DeleteOwner removes the owner and releases all locks it holds.
	DeleteOwner(ctx context.Context, ownerID string) error

	// SaveInstance writes the instance, creating it if it does not exist yet. It fails with ErrInstanceLocked if
	// the instance is locked by another owner.
	SaveInstance(ctx context.Context, cmd *SaveCommand) error

	// LoadInstance locks and loads the instance.
	LoadInstance(ctx context.Context, ownerID, instanceID string) (*InstanceView, error)

	// TryLoadRunnableInstance locks and loads an unlocked instance that is runnable or has a due timer. It returns
	// nil if there is none.
	TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*InstanceView, error)

	// UnlockInstance releases the lock the owner holds on the instance.
	UnlockInstance(ctx context.Context, ownerID, instanceID string) error

	Close() error
}

// Enlistment is a prepared save that is applied when the transaction scope it was enlisted in completes.
type Enlistment interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionalProvider is implemented by stores that can prepare a save as part of a larger transaction.
type TransactionalProvider interface {
	Provider

	BeginSaveInstance(ctx context.Context, cmd *SaveCommand) (Enlistment, error)
}
