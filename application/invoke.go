package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cschleiden/go-workflowapp/activity"
	"github.com/cschleiden/go-workflowapp/core"
)

// pump is a dispatcher that runs posted work on the goroutine calling run.
type pump struct {
	mu     sync.Mutex
	work   []func()
	signal chan struct{}
	closed bool
}

func newPump() *pump {
	return &pump{signal: make(chan struct{}, 1)}
}

func (p *pump) Post(f func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go f()

		return
	}

	p.work = append(p.work, f)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pump) next() func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.work) == 0 {
		return nil
	}

	f := p.work[0]
	p.work = p.work[1:]

	return f
}

// close hands pending and future work to new goroutines once nobody runs the pump anymore.
func (p *pump) close() {
	p.mu.Lock()
	p.closed = true
	work := p.work
	p.work = nil
	p.mu.Unlock()

	if len(work) > 0 {
		go func() {
			for _, f := range work {
				f()
			}
		}()
	}
}

// run executes posted work until done is closed or ctx is done.
func (p *pump) run(ctx context.Context, done <-chan struct{}) error {
	for {
		for f := p.next(); f != nil; f = p.next() {
			f()
		}

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.signal:
		}
	}
}

// Invoke runs a new instance of root to completion on the calling goroutine and returns its outputs. A fault no
// activity handled terminates the instance and is returned. If ctx is done first, the instance is aborted and
// ErrTimeout is returned.
func Invoke(ctx context.Context, root activity.Activity, inputs map[string]any, opts ...Option) (*Outputs, error) {
	p := newPump()
	opts = append(opts, WithInputs(inputs), WithDispatcher(p))

	a := New(root, opts...)

	done := make(chan struct{})
	var once sync.Once
	a.invokeCompleted = func() {
		once.Do(func() { close(done) })
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.options.AcquireLockTimeout)
		defer cancel()
	}

	if err := a.startInvoke(); err != nil {
		return nil, err
	}

	if err := p.run(ctx, done); err != nil {
		// A run posted after the deadline still holds the turn the abort waits for.
		p.close()
		a.Abort(errors.New("aborting instance after invoke timed out"))
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	if a.lifecycle() == stateAborted {
		return nil, a.throwIfAborted()
	}

	state, outputs, err := a.controller.CompletionState()
	if err != nil {
		return nil, err
	}

	if state == core.ActivityInstanceStateCanceled {
		return nil, newStateError(a.ID(), StateCompleted, ErrCanceled)
	}

	return newOutputs(outputs, a.options.Converter), nil
}

// startInvoke takes the turn and starts the scheduler without going through an operation.
func (a *Application) startInvoke() error {
	a.mu.Lock()
	a.ensureInitialized()
	if err := a.throwIfAborted(); err != nil {
		a.mu.Unlock()
		return err
	}

	a.busy = true
	a.mu.Unlock()

	a.runCore()

	a.mu.Lock()
	a.hasExecutionOccurredSinceLastIdle = true
	a.actionCount++
	a.mu.Unlock()

	a.controller.Run()

	return nil
}
