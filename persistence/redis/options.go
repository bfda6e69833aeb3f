package redis

import (
	"github.com/cschleiden/go-workflowapp/persistence"
)

type RedisOptions struct {
	*persistence.Options

	KeyPrefix string
}

type RedisStoreOption func(*RedisOptions)

// WithKeyPrefix sets the prefix for all keys used by the store.
func WithKeyPrefix(keyPrefix string) RedisStoreOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}

// WithStoreOptions allows to pass generic persistence options.
func WithStoreOptions(opts ...persistence.Option) RedisStoreOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
