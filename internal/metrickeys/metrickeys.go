package metrickeys

const (
	Prefix = "workflows."

	// Instances
	InstanceCreated   = Prefix + "instance.created"
	InstanceLoaded    = Prefix + "instance.loaded"
	InstanceIdle      = Prefix + "instance.idle"
	InstanceCompleted = Prefix + "instance.completed"
	InstanceAborted   = Prefix + "instance.aborted"
	InstanceUnloaded  = Prefix + "instance.unloaded"

	// Operations
	OperationDuration = Prefix + "operation.duration"
	OperationTimeout  = Prefix + "operation.timeout"

	BookmarkResumed = Prefix + "bookmark.resumed"

	// Persistence
	InstancePersisted   = Prefix + "persistence.saved"
	PersistenceDuration = Prefix + "persistence.duration"
	PersistenceFailed   = Prefix + "persistence.failed"

	// Instance manager cache
	InstanceCacheSize     = Prefix + "manager.cache.size"
	InstanceCacheEviction = Prefix + "manager.cache.eviction"
)

// Tag names
const (
	// Store being used
	Store = "store"

	// Reason for evicting an entry from the instance cache
	EvictionReason = "reason"

	Operation = "operation"

	// Persistence operation: save, unload, complete
	PersistenceOperation = "persistence_operation"

	CompletionState = "state"

	BookmarkResult = "result"
)
