package executor

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/cschleiden/go-workflowapp/activity"
)

var (
	ErrNotInDefinition  = errors.New("activity is not part of the workflow definition")
	ErrNotDirectChild   = errors.New("activity can only schedule its direct children")
	ErrUnknownDelegate  = errors.New("delegate is not declared by the scheduling activity")
	ErrDefinitionChange = errors.New("snapshot does not match the workflow definition")
)

// node is the static description of one activity in the workflow definition.
type node struct {
	id       string
	name     string
	activity activity.Activity
	parent   *node

	children  []*node
	delegates map[*activity.Delegate]*node

	// delegateHandler is set for nodes that are only reachable through a delegate.
	delegateHandler bool

	variables     []activity.Variable
	canInduceIdle bool
}

// definition is the tree of nodes built from a root activity. Activity ids are assigned depth-first and are
// stable for a given definition, which is what makes snapshots portable across processes.
type definition struct {
	root       *node
	byID       map[string]*node
	byActivity map[activity.Activity]*node
}

func buildDefinition(root activity.Activity) (*definition, error) {
	if root == nil {
		return nil, errors.New("root activity is nil")
	}

	d := &definition{
		byID:       map[string]*node{},
		byActivity: map[activity.Activity]*node{},
	}

	n, err := d.add(root, nil, "1", false)
	if err != nil {
		return nil, err
	}

	d.root = n

	return d, nil
}

func (d *definition) add(a activity.Activity, parent *node, id string, delegateHandler bool) (*node, error) {
	if a == nil {
		return nil, fmt.Errorf("activity %s: nil activity", id)
	}

	if !reflect.TypeOf(a).Comparable() {
		return nil, fmt.Errorf("activity %s (%T) must be comparable, use a pointer", id, a)
	}

	if existing, ok := d.byActivity[a]; ok {
		return nil, fmt.Errorf("activity %s (%T) already declared as %s", id, a, existing.id)
	}

	n := &node{
		id:              id,
		name:            activity.DisplayName(a),
		activity:        a,
		parent:          parent,
		delegateHandler: delegateHandler,
	}

	if vd, ok := a.(activity.VariableDeclarer); ok {
		n.variables = vd.Variables()
	}

	if ii, ok := a.(activity.IdleInducer); ok {
		n.canInduceIdle = ii.CanInduceIdle()
	}

	d.byID[id] = n
	d.byActivity[a] = n

	idx := 0
	if p, ok := a.(activity.Parent); ok {
		for _, c := range p.Children() {
			idx++
			cn, err := d.add(c, n, fmt.Sprintf("%s.%d", id, idx), false)
			if err != nil {
				return nil, err
			}

			n.children = append(n.children, cn)
		}
	}

	if do, ok := a.(activity.DelegateOwner); ok {
		n.delegates = map[*activity.Delegate]*node{}

		for _, del := range do.Delegates() {
			if del == nil {
				continue
			}

			if del.Handler == nil {
				n.delegates[del] = nil
				continue
			}

			idx++
			hn, err := d.add(del.Handler, n, fmt.Sprintf("%s.%d", id, idx), true)
			if err != nil {
				return nil, err
			}

			n.children = append(n.children, hn)
			n.delegates[del] = hn
		}
	}

	return n, nil
}
