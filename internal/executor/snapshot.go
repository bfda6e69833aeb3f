package executor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/workflowerrors"
	"github.com/cschleiden/go-workflowapp/payload"
)

const snapshotVersion = 1

type snapshot struct {
	Version        int   `json:"version"`
	NextInstanceID int64 `json:"next_instance_id"`
	NextBookmarkID int64 `json:"next_bookmark_id,omitempty"`

	Instances []instanceState `json:"instances,omitempty"`
	Bookmarks []bookmarkState `json:"bookmarks,omitempty"`
	WorkItems []workItemState `json:"work_items,omitempty"`

	Completed       bool                       `json:"completed,omitempty"`
	CompletionState core.ActivityInstanceState `json:"completion_state,omitempty"`
	Outputs         map[string]payload.Payload `json:"outputs,omitempty"`
	Error           *workflowerrors.Error      `json:"error,omitempty"`
}

type instanceState struct {
	ID         int64                      `json:"id"`
	ActivityID string                     `json:"activity_id"`
	Parent     int64                      `json:"parent,omitempty"`
	State      core.ActivityInstanceState `json:"state,omitempty"`

	Started         bool `json:"started,omitempty"`
	CancelRequested bool `json:"cancel_requested,omitempty"`
	MarkedCanceled  bool `json:"marked_canceled,omitempty"`
	DefaultCancel   bool `json:"default_cancel,omitempty"`

	BlockingBookmarks int `json:"blocking_bookmarks,omitempty"`
	PendingWork       int `json:"pending_work,omitempty"`
	NoPersist         int `json:"no_persist,omitempty"`

	Env     map[string]payload.Payload `json:"env,omitempty"`
	Outputs map[string]payload.Payload `json:"outputs,omitempty"`

	OnCompleted string `json:"on_completed,omitempty"`
	OnFaulted   string `json:"on_faulted,omitempty"`
}

type bookmarkState struct {
	Bookmark core.Bookmark        `json:"bookmark"`
	Owner    int64                `json:"owner"`
	Callback string               `json:"callback,omitempty"`
	Options  core.BookmarkOptions `json:"options,omitempty"`
}

type childState struct {
	ActivityID string                     `json:"activity_id"`
	State      core.ActivityInstanceState `json:"state"`
	Outputs    map[string]payload.Payload `json:"outputs,omitempty"`
}

type workItemState struct {
	Kind     workItemKind          `json:"kind"`
	Target   int64                 `json:"target"`
	Callback string                `json:"callback,omitempty"`
	Bookmark *core.Bookmark        `json:"bookmark,omitempty"`
	Value    payload.Payload       `json:"value,omitempty"`
	Child    *childState           `json:"child,omitempty"`
	Fault    *workflowerrors.Error `json:"fault,omitempty"`
}

// Snapshot serializes the complete state of the executor. Two snapshots of the same state are byte-identical.
func (e *Executor) Snapshot() ([]byte, error) {
	if e.aborted {
		return nil, fmt.Errorf("cannot snapshot aborted instance")
	}

	if e.unhandled != nil {
		return nil, fmt.Errorf("cannot snapshot instance with an unhandled fault")
	}

	s := snapshot{
		Version:         snapshotVersion,
		NextInstanceID:  e.nextInstanceID,
		NextBookmarkID:  e.bookmarks.nextID,
		Completed:       e.completed,
		CompletionState: e.completionState,
		Outputs:         e.outputs,
		Error:           workflowerrors.FromError(e.completionErr),
	}

	for _, inst := range e.sortedInstances() {
		is := instanceState{
			ID:                inst.id,
			ActivityID:        inst.node.id,
			State:             inst.state,
			Started:           inst.started,
			CancelRequested:   inst.cancelRequested,
			MarkedCanceled:    inst.markedCanceled,
			DefaultCancel:     inst.defaultCancel,
			BlockingBookmarks: inst.blockingBookmarks,
			PendingWork:       inst.pendingWork,
			NoPersist:         inst.noPersist,
			Env:               inst.env,
			Outputs:           inst.outputs,
			OnCompleted:       inst.onCompleted,
			OnFaulted:         inst.onFaulted,
		}

		if inst.parent != nil {
			is.Parent = inst.parent.id
		}

		s.Instances = append(s.Instances, is)
	}

	for _, r := range e.bookmarks.all() {
		s.Bookmarks = append(s.Bookmarks, bookmarkState{
			Bookmark: r.bookmark,
			Owner:    r.owner.id,
			Callback: r.callback,
			Options:  r.options,
		})
	}

	for _, wi := range e.queue {
		ws := workItemState{
			Kind:     wi.kind,
			Target:   wi.target.id,
			Callback: wi.callback,
			Value:    wi.value,
		}

		if wi.kind == workResumeBookmark {
			b := wi.bookmark
			ws.Bookmark = &b
		}

		if wi.child != nil {
			ws.Child = &childState{ActivityID: wi.child.activityID, State: wi.child.state, Outputs: wi.child.outputs}
		}

		if wi.fault != nil {
			ws.Fault = workflowerrors.FromError(wi.fault)
		}

		s.WorkItems = append(s.WorkItems, ws)
	}

	return json.Marshal(&s)
}

// Restore recreates an executor from a snapshot taken with the same workflow definition.
func Restore(instanceID string, root activity.Activity, data []byte, host Host, opts Options) (*Executor, error) {
	e, err := newExecutor(instanceID, root, host, opts)
	if err != nil {
		return nil, err
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}

	e.nextInstanceID = s.NextInstanceID
	e.bookmarks.nextID = s.NextBookmarkID
	e.completed = s.Completed
	e.completionState = s.CompletionState
	e.outputs = s.Outputs
	e.completionErr = workflowerrors.ToError(s.Error)

	// Instances are stored in id order, so parents are always restored before their children.
	sort.Slice(s.Instances, func(i, j int) bool { return s.Instances[i].ID < s.Instances[j].ID })

	for _, is := range s.Instances {
		n, ok := e.def.byID[is.ActivityID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown activity %s", ErrDefinitionChange, is.ActivityID)
		}

		inst := &activityInstance{
			id:                is.ID,
			node:              n,
			state:             is.State,
			started:           is.Started,
			cancelRequested:   is.CancelRequested,
			markedCanceled:    is.MarkedCanceled,
			defaultCancel:     is.DefaultCancel,
			blockingBookmarks: is.BlockingBookmarks,
			pendingWork:       is.PendingWork,
			noPersist:         is.NoPersist,
			env:               is.Env,
			outputs:           is.Outputs,
			onCompleted:       is.OnCompleted,
			onFaulted:         is.OnFaulted,
		}

		if is.Parent != 0 {
			parent, ok := e.instances[is.Parent]
			if !ok {
				return nil, fmt.Errorf("%w: instance %d has unknown parent %d", ErrDefinitionChange, is.ID, is.Parent)
			}

			if n.parent != parent.node {
				return nil, fmt.Errorf("%w: %s is not a child of %s", ErrDefinitionChange, n.id, parent.node.id)
			}

			inst.parent = parent
			parent.children = append(parent.children, inst)
		} else {
			if n != e.def.root {
				return nil, fmt.Errorf("%w: root instance is %s", ErrDefinitionChange, n.id)
			}

			e.root = inst
		}

		if inst.parent != nil {
			if err := checkCallbacks(inst.parent.node.activity, inst.onCompleted, inst.onFaulted); err != nil {
				return nil, err
			}
		}

		e.noPersist += inst.noPersist
		e.instances[inst.id] = inst
	}

	for _, bs := range s.Bookmarks {
		owner, ok := e.instances[bs.Owner]
		if !ok {
			return nil, fmt.Errorf("%w: bookmark %s has unknown owner %d", ErrDefinitionChange, bs.Bookmark, bs.Owner)
		}

		if _, err := bindCallback[activity.BookmarkCallback](owner.node.activity, bs.Callback); bs.Callback != "" && err != nil {
			return nil, err
		}

		e.bookmarks.bookmarks[bs.Bookmark] = &bookmarkRecord{
			bookmark: bs.Bookmark,
			owner:    owner,
			callback: bs.Callback,
			options:  bs.Options,
		}
	}

	for _, ws := range s.WorkItems {
		target, ok := e.instances[ws.Target]
		if !ok {
			return nil, fmt.Errorf("%w: work item has unknown target %d", ErrDefinitionChange, ws.Target)
		}

		wi := &workItem{
			kind:     ws.Kind,
			target:   target,
			callback: ws.Callback,
			value:    ws.Value,
		}

		if ws.Bookmark != nil {
			wi.bookmark = *ws.Bookmark
		}

		if ws.Child != nil {
			wi.child = &completedChild{activityID: ws.Child.ActivityID, state: ws.Child.State, outputs: ws.Child.Outputs}
		}

		if ws.Fault != nil {
			wi.fault = workflowerrors.ToError(ws.Fault)
		}

		// Pending work counters were restored with the instances.
		e.queue = append(e.queue, wi)
	}

	if e.root == nil && !e.completed {
		return nil, fmt.Errorf("%w: snapshot has no root instance", ErrDefinitionChange)
	}

	return e, nil
}

func checkCallbacks(owner activity.Activity, onCompleted, onFaulted string) error {
	if onCompleted != "" {
		if _, err := bindCallback[activity.CompletionCallback](owner, onCompleted); err != nil {
			return err
		}
	}

	if onFaulted != "" {
		if _, err := bindCallback[activity.FaultCallback](owner, onFaulted); err != nil {
			return err
		}
	}

	return nil
}
