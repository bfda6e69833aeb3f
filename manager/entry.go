package manager

import (
	"context"

	"github.com/cschleiden/go-workflowapp/application"
)

// entry connects the events of one application to the cache.
type entry struct {
	m   *Manager
	app *application.Application
}

func (e *entry) handlers() application.Handlers {
	user := e.m.options.Handlers
	h := user

	h.OnPersistableIdle = func(ctx context.Context, ev application.IdleEvent) (application.PersistableIdleAction, error) {
		if user.OnPersistableIdle != nil {
			return user.OnPersistableIdle(ctx, ev)
		}

		return e.m.options.IdleAction, nil
	}

	h.OnCompleted = func(ctx context.Context, ev application.CompletedEvent) error {
		e.m.forget(ev.InstanceID, e.app)

		if user.OnCompleted != nil {
			return user.OnCompleted(ctx, ev)
		}

		return nil
	}

	h.OnAborted = func(ctx context.Context, ev application.AbortedEvent) {
		e.m.forget(ev.InstanceID, e.app)

		if user.OnAborted != nil {
			user.OnAborted(ctx, ev)
		}
	}

	h.OnUnloaded = func(ctx context.Context, ev application.UnloadedEvent) error {
		e.m.forget(ev.InstanceID, e.app)

		if user.OnUnloaded != nil {
			return user.OnUnloaded(ctx, ev)
		}

		return nil
	}

	return h
}
