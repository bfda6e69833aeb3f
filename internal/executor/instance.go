package executor

import (
	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/payload"
)

type activityInstance struct {
	id     int64
	node   *node
	parent *activityInstance

	// children are kept in scheduling order.
	children []*activityInstance

	state core.ActivityInstanceState

	// started is set once Execute has been invoked.
	started         bool
	cancelRequested bool
	markedCanceled  bool
	defaultCancel   bool

	blockingBookmarks int
	pendingWork       int
	noPersist         int

	env     map[string]payload.Payload
	outputs map[string]payload.Payload

	// Callback method names on the parent's activity.
	onCompleted string
	onFaulted   string
}

func (ai *activityInstance) removeChild(child *activityInstance) {
	for i, c := range ai.children {
		if c == child {
			ai.children = append(ai.children[:i], ai.children[i+1:]...)
			return
		}
	}
}

// lookup finds the environment declaring name, starting at the instance itself.
func (ai *activityInstance) lookup(name string) (map[string]payload.Payload, bool) {
	for cur := ai; cur != nil; cur = cur.parent {
		if _, ok := cur.env[name]; ok {
			return cur.env, true
		}
	}

	return nil, false
}

// isDescendantOf reports whether ai is other or lives below it.
func (ai *activityInstance) isDescendantOf(other *activityInstance) bool {
	for cur := ai; cur != nil; cur = cur.parent {
		if cur == other {
			return true
		}
	}

	return false
}

func (e *Executor) newInstance(n *node, parent *activityInstance) (*activityInstance, error) {
	e.nextInstanceID++

	inst := &activityInstance{
		id:     e.nextInstanceID,
		node:   n,
		parent: parent,
		state:  core.ActivityInstanceStateExecuting,
	}

	if len(n.variables) > 0 {
		inst.env = make(map[string]payload.Payload, len(n.variables))
		for _, v := range n.variables {
			p, err := e.conv.To(v.Default)
			if err != nil {
				return nil, err
			}

			inst.env[v.Name] = p
		}
	}

	e.instances[inst.id] = inst
	if parent != nil {
		parent.children = append(parent.children, inst)
	}

	return inst, nil
}

func (e *Executor) describe(inst *activityInstance) *activity.Instance {
	return activity.NewInstance(inst.node.id, inst.node.activity, inst.state, inst.outputs, e.conv)
}
