package executor

import (
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/payload"
)

type workItemKind int

const (
	workExecute workItemKind = iota
	workResumeBookmark
	workCompletion
	workFault
	workCancel
)

func (k workItemKind) String() string {
	switch k {
	case workExecute:
		return "Execute"
	case workResumeBookmark:
		return "ResumeBookmark"
	case workCompletion:
		return "Completion"
	case workFault:
		return "Fault"
	case workCancel:
		return "Cancel"
	}

	return "Unknown"
}

// completedChild is what a completion or fault callback learns about the child that finished.
type completedChild struct {
	activityID string
	state      core.ActivityInstanceState
	outputs    map[string]payload.Payload
}

type workItem struct {
	kind   workItemKind
	target *activityInstance

	callback string
	bookmark core.Bookmark
	value    payload.Payload
	child    *completedChild
	fault    error
}

// counted reports whether the item keeps its target from completing.
func (wi *workItem) counted() bool {
	return wi.kind != workCancel
}

func (e *Executor) enqueue(wi *workItem) {
	if wi.counted() {
		wi.target.pendingWork++
	}

	e.queue = append(e.queue, wi)
}

func (e *Executor) enqueueFront(wi *workItem) {
	if wi.counted() {
		wi.target.pendingWork++
	}

	e.queue = append([]*workItem{wi}, e.queue...)
}

// dropWork removes all queued items targeting the subtree rooted at inst.
func (e *Executor) dropWork(inst *activityInstance) {
	kept := e.queue[:0]
	for _, wi := range e.queue {
		if wi.target.isDescendantOf(inst) {
			if wi.counted() {
				wi.target.pendingWork--
			}

			continue
		}

		kept = append(kept, wi)
	}

	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = nil
	}

	e.queue = kept
}
