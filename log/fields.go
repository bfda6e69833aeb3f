package log

const (
	NamespaceKey = "workflows"

	InstanceIDKey = NamespaceKey + ".instance.id"
	OwnerIDKey    = NamespaceKey + ".owner.id"
	StateKey      = NamespaceKey + ".instance.state"

	ActivityIDKey   = NamespaceKey + ".activity.id"
	ActivityNameKey = NamespaceKey + ".activity.name"

	BookmarkKey       = NamespaceKey + ".bookmark"
	BookmarkResultKey = NamespaceKey + ".bookmark.result"

	OperationKey       = NamespaceKey + ".operation"
	ActionIDKey        = NamespaceKey + ".operation.action_id"
	PipelineKey        = NamespaceKey + ".pipeline"
	PipelineStageKey   = NamespaceKey + ".pipeline.stage"
	PersistOpKey       = NamespaceKey + ".persistence.operation"
	StoreKey           = NamespaceKey + ".persistence.store"
	ParticipantKey     = NamespaceKey + ".persistence.participant"
	WorkItemKey        = NamespaceKey + ".executor.work_item"
	PendingItemsKey    = NamespaceKey + ".executor.pending"
	UnhandledActionKey = NamespaceKey + ".unhandled.action"

	DurationKey = NamespaceKey + ".duration_ms"

	// NowKey is the time at which a timer was registered
	NowKey = NamespaceKey + ".timer.now"
	// AtKey is the time at which a timer is due
	AtKey = NamespaceKey + ".timer.at"
)
