package sqlite

import (
	"github.com/cschleiden/go-workflowapp/persistence"
)

type options struct {
	*persistence.Options

	// ApplyMigrations automatically applies database migrations on startup.
	ApplyMigrations bool
}

type option func(*options)

// WithApplyMigrations automatically applies database migrations on startup.
func WithApplyMigrations(applyMigrations bool) option {
	return func(o *options) {
		o.ApplyMigrations = applyMigrations
	}
}

// WithStoreOptions allows to pass generic persistence options.
func WithStoreOptions(opts ...persistence.Option) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
