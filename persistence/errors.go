package persistence

import "errors"

var (
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrInstanceLocked     = errors.New("workflow instance is locked by another owner")
	ErrInstanceCompleted  = errors.New("workflow instance has already completed")
	ErrInstanceNotLocked  = errors.New("workflow instance is not locked by this owner")
	ErrOwnerNotFound      = errors.New("instance owner not found")
	ErrOwnerExists        = errors.New("instance owner already exists")
	ErrDefaultOwnerExists = errors.New("instance store already has a default owner")
	ErrNoDefaultOwner     = errors.New("instance store has no default owner")
	ErrIdentityMismatch   = errors.New("workflow definition identity does not match the persisted instance")
	ErrHostTypeMismatch   = errors.New("workflow host type does not match the persisted instance")
	ErrValueCollision     = errors.New("persistence participants provided the same key")
	ErrManagerAborted     = errors.New("persistence manager has been aborted")
	ErrScopeCompleted     = errors.New("transaction scope has already completed")
	ErrScopeRolledBack    = errors.New("transaction scope was rolled back")
)

// CheckLock validates that ownerID may take or keep the lock of an instance currently locked by lockOwner.
// Stores use it for every operation that locks an instance.
func CheckLock(ownerID, lockOwner string, completed bool) error {
	if completed {
		return ErrInstanceCompleted
	}

	if lockOwner != "" && lockOwner != ownerID {
		return ErrInstanceLocked
	}

	return nil
}
