package persistence

import "strings"

// Key identifies a persisted value. Keys are namespaced, for example "properties:Status" or "variables:count".
type Key string

const (
	PropertiesNamespace = "properties"
	VariablesNamespace  = "variables"
	OutputsNamespace    = "outputs"
)

func newKey(namespace, name string) Key {
	return Key(namespace + ":" + name)
}

func PropertyKey(name string) Key {
	return newKey(PropertiesNamespace, name)
}

func VariableKey(name string) Key {
	return newKey(VariablesNamespace, name)
}

func OutputKey(name string) Key {
	return newKey(OutputsNamespace, name)
}

func (k Key) Namespace() string {
	ns, _, _ := strings.Cut(string(k), ":")
	return ns
}

func (k Key) Name() string {
	_, name, _ := strings.Cut(string(k), ":")
	return name
}

func (k Key) String() string {
	return string(k)
}

// Instance properties written by the application host.
var (
	KeyBookmarks  = PropertyKey("Bookmarks")
	KeyLastUpdate = PropertyKey("LastUpdate")
	KeyWorkflow   = PropertyKey("Workflow")
	KeyStatus     = PropertyKey("Status")
	KeyException  = PropertyKey("Exception")
	KeyNextTimer  = PropertyKey("NextTimer")
	KeyTimers     = PropertyKey("Timers")

	// Metadata
	KeyWorkflowHostType   = PropertyKey("WorkflowHostType")
	KeyDefinitionIdentity = PropertyKey("DefinitionIdentity")
)

// Values of the Status property.
const (
	StatusIdle      = "Idle"
	StatusExecuting = "Executing"
	StatusClosed    = "Closed"
	StatusCanceled  = "Canceled"
	StatusFaulted   = "Faulted"
)
