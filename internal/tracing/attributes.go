package tracing

const (
	WorkflowInstanceID = "workflow.instance_id"
	WorkflowOwnerID    = "workflow.owner_id"
	WorkflowIdentity   = "workflow.definition_identity"

	Operation         = "operation.name"
	OperationActionID = "operation.action_id"

	BookmarkName   = "bookmark.name"
	BookmarkResult = "bookmark.result"

	PersistenceOperation = "persistence.operation"
)
