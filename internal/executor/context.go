package executor

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
	"github.com/cschleiden/go-workflowapp/internal/fn"
	"github.com/cschleiden/go-workflowapp/internal/workflowerrors"
	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/tracking"
)

var (
	ErrContextDisposed          = errors.New("activity context used after its callback returned")
	ErrCannotInduceIdle         = errors.New("activity cannot create bookmarks, it must implement IdleInducer")
	ErrMarkCanceledNotRequested = errors.New("cancellation has not been requested for this activity")
	ErrNoPersistNotEntered      = errors.New("no no-persist region is open")
	ErrCallbackBinding          = errors.New("callback could not be bound")
)

func callActivity(f func() error) error {
	return workflowerrors.Call(f)
}

func bindCallback[T any](owner any, name string) (T, error) {
	cb, err := fn.Method[T](owner, name)
	if err != nil {
		return cb, fmt.Errorf("%w: %v", ErrCallbackBinding, err)
	}

	return cb, nil
}

type activityContext struct {
	e        *Executor
	inst     *activityInstance
	disposed bool
}

var _ activity.Context = (*activityContext)(nil)

func (c *activityContext) dispose() {
	c.disposed = true
}

func (c *activityContext) check() error {
	if c.disposed {
		return ErrContextDisposed
	}

	return nil
}

func (c *activityContext) WorkflowInstanceID() string {
	return c.e.instanceID
}

func (c *activityContext) ActivityID() string {
	return c.inst.node.id
}

func (c *activityContext) DisplayName() string {
	return c.inst.node.name
}

func (c *activityContext) IsCancellationRequested() bool {
	return c.inst.cancelRequested
}

func (c *activityContext) CreateBookmark(name string, callback activity.BookmarkCallback, opts ...activity.BookmarkOption) (core.Bookmark, error) {
	if err := c.check(); err != nil {
		return core.Bookmark{}, err
	}

	if !c.inst.node.canInduceIdle {
		return core.Bookmark{}, fmt.Errorf("%w: %s", ErrCannotInduceIdle, c.inst.node.name)
	}

	cb, err := fn.MethodName(c.inst.node.activity, callback)
	if err != nil {
		return core.Bookmark{}, err
	}

	cfg := activity.ApplyBookmarkOptions(opts...)

	r, err := c.e.bookmarks.add(c.inst, name, cfg.Scope, cb, cfg.Options)
	if err != nil {
		return core.Bookmark{}, err
	}

	if !cfg.Options.Has(core.NonBlocking) {
		c.inst.blockingBookmarks++
	}

	return r.bookmark, nil
}

func (c *activityContext) RemoveBookmark(b core.Bookmark) bool {
	if c.check() != nil {
		return false
	}

	r := c.e.bookmarks.find(b)
	if r == nil || r.owner != c.inst {
		return false
	}

	c.e.dropBookmark(r)

	return true
}

func (c *activityContext) RemoveAllBookmarks() {
	if c.check() != nil {
		return
	}

	for _, r := range c.e.bookmarks.ownedBy(c.inst) {
		c.e.dropBookmark(r)
	}
}

func (c *activityContext) ScheduleActivity(child activity.Activity, onCompleted activity.CompletionCallback, onFaulted activity.FaultCallback) error {
	if err := c.check(); err != nil {
		return err
	}

	n, ok := c.e.def.byActivity[child]
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotInDefinition, child)
	}

	if n.parent != c.inst.node || n.delegateHandler {
		return fmt.Errorf("%w: %s is not a child of %s", ErrNotDirectChild, n.id, c.inst.node.id)
	}

	return c.schedule(n, nil, onCompleted, onFaulted)
}

func (c *activityContext) ScheduleDelegate(d *activity.Delegate, inputs map[string]any, onCompleted activity.CompletionCallback, onFaulted activity.FaultCallback) error {
	if err := c.check(); err != nil {
		return err
	}

	n, ok := c.inst.node.delegates[d]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelegate, d.Name)
	}

	for name := range inputs {
		if !slices.Contains(d.Parameters, name) {
			return fmt.Errorf("delegate %s has no parameter %q", d.Name, name)
		}
	}

	if n == nil {
		// Nothing to run, report an immediate completion.
		return c.synthesize(d.Name, core.ActivityInstanceStateClosed, onCompleted)
	}

	return c.schedule(n, inputs, onCompleted, onFaulted)
}

func (c *activityContext) schedule(n *node, inputs map[string]any, onCompleted activity.CompletionCallback, onFaulted activity.FaultCallback) error {
	completedName, err := fn.MethodName(c.inst.node.activity, onCompleted)
	if err != nil {
		return err
	}

	faultedName, err := fn.MethodName(c.inst.node.activity, onFaulted)
	if err != nil {
		return err
	}

	if c.inst.cancelRequested {
		return c.synthesize(n.id, core.ActivityInstanceStateCanceled, onCompleted)
	}

	inst, err := c.e.newInstance(n, c.inst)
	if err != nil {
		return err
	}

	for name, v := range inputs {
		p, err := c.e.conv.To(v)
		if err != nil {
			return err
		}

		if inst.env == nil {
			inst.env = make(map[string]payload.Payload, len(inputs))
		}

		inst.env[name] = p
	}

	inst.onCompleted = completedName
	inst.onFaulted = faultedName

	c.e.enqueue(&workItem{kind: workExecute, target: inst})

	return nil
}

// synthesize reports a child that never ran as completed in the given state.
func (c *activityContext) synthesize(activityID string, state core.ActivityInstanceState, onCompleted activity.CompletionCallback) error {
	name, err := fn.MethodName(c.inst.node.activity, onCompleted)
	if err != nil || name == "" {
		return err
	}

	c.e.enqueue(&workItem{
		kind:     workCompletion,
		target:   c.inst,
		callback: name,
		child:    &completedChild{activityID: activityID, state: state},
	})

	return nil
}

func (c *activityContext) CancelChildren() {
	if c.check() != nil {
		return
	}

	for _, child := range c.inst.children {
		c.e.enqueue(&workItem{kind: workCancel, target: child})
	}
}

func (c *activityContext) MarkCanceled() error {
	if err := c.check(); err != nil {
		return err
	}

	if !c.inst.cancelRequested {
		return ErrMarkCanceledNotRequested
	}

	c.inst.markedCanceled = true

	return nil
}

func (c *activityContext) GetVariable(name string, vptr any) error {
	env, ok := c.inst.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", activity.ErrVariableNotFound, name)
	}

	return activity.NewValue(env[name], c.e.conv).Decode(vptr)
}

func (c *activityContext) SetVariable(name string, value any) error {
	if err := c.check(); err != nil {
		return err
	}

	env, ok := c.inst.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", activity.ErrVariableNotFound, name)
	}

	p, err := c.e.conv.To(value)
	if err != nil {
		return err
	}

	env[name] = p

	return nil
}

func (c *activityContext) SetOutput(name string, value any) error {
	if err := c.check(); err != nil {
		return err
	}

	p, err := c.e.conv.To(value)
	if err != nil {
		return err
	}

	if c.inst.outputs == nil {
		c.inst.outputs = map[string]payload.Payload{}
	}

	c.inst.outputs[name] = p

	return nil
}

func (c *activityContext) EnterNoPersist() {
	if c.check() != nil {
		return
	}

	c.inst.noPersist++
	c.e.noPersist++
}

func (c *activityContext) ExitNoPersist() error {
	if err := c.check(); err != nil {
		return err
	}

	if c.inst.noPersist == 0 {
		return ErrNoPersistNotEntered
	}

	c.inst.noPersist--
	c.e.noPersist--

	return nil
}

func (c *activityContext) Track(name string, data map[string]any) {
	c.e.track(tracking.Record{
		Kind:       tracking.KindCustom,
		State:      name,
		ActivityID: c.inst.node.id,
		Data:       data,
	})
}

func (c *activityContext) Logger() *slog.Logger {
	return c.e.logger.With(log.ActivityIDKey, c.inst.node.id, log.ActivityNameKey, c.inst.node.name)
}

func (c *activityContext) Now() time.Time {
	return c.e.clock.Now()
}

func (c *activityContext) Extension(target any) bool {
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Pointer || tv.IsNil() {
		return false
	}

	t := tv.Elem().Type()
	for _, ext := range c.e.extensions {
		if ext == nil {
			continue
		}

		if reflect.TypeOf(ext).AssignableTo(t) {
			tv.Elem().Set(reflect.ValueOf(ext))
			return true
		}
	}

	return false
}
