package bolt

import (
	"context"
	"os"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"
)

// open creates and opens a database at the given path.
//
// If the deadline from ctx is sooner than opts.Timeout, the context deadline is used instead.
func open(ctx context.Context, path string, mode os.FileMode, opts *bbolt.Options) (*bbolt.DB, error) {
	if mode == 0 {
		mode = 0600
	}

	// A non-positive timeout in the options means no timeout at all.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		if opts == nil {
			clone := *bbolt.DefaultOptions
			opts = &clone
			opts.Timeout = timeout
		} else if opts.Timeout == 0 || opts.Timeout > timeout {
			clone := *opts
			opts = &clone
			opts.Timeout = timeout
		}
	}

	db, err := bbolt.Open(path, mode, opts)
	if err != nil && err.Error() == "timeout" {
		err = context.DeadlineExceeded
	}

	return db, err
}
