// Package bolt contains an instance store backed by a local BoltDB file.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cschleiden/go-workflowapp/persistence"
	"go.etcd.io/bbolt"
)

var (
	ownersBucket    = []byte("owners")
	instancesBucket = []byte("instances")
)

type ownerRecord struct {
	HostType string `json:"host_type,omitempty"`
}

type instanceRecord struct {
	Data      persistence.Values `json:"data,omitempty"`
	Metadata  persistence.Values `json:"metadata,omitempty"`
	LockOwner string             `json:"lock_owner,omitempty"`
	Completed bool               `json:"completed,omitempty"`
	Runnable  bool               `json:"runnable,omitempty"`
	NextTimer int64              `json:"next_timer,omitempty"`
	HostType  string             `json:"host_type,omitempty"`
}

type Options struct {
	*persistence.Options

	Mode        os.FileMode
	BoltOptions *bbolt.Options
}

type BoltStoreOption func(*Options)

func WithFileMode(mode os.FileMode) BoltStoreOption {
	return func(o *Options) {
		o.Mode = mode
	}
}

func WithBoltOptions(opts *bbolt.Options) BoltStoreOption {
	return func(o *Options) {
		o.BoltOptions = opts
	}
}

// WithStoreOptions allows to pass generic persistence options.
func WithStoreOptions(opts ...persistence.Option) BoltStoreOption {
	return func(o *Options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}

type boltStore struct {
	db      *bbolt.DB
	options *Options
}

var _ persistence.Provider = (*boltStore)(nil)

// NewBoltStore opens or creates the database file at path. The deadline of ctx bounds how long opening waits for
// the file lock held by another process.
func NewBoltStore(ctx context.Context, path string, opts ...BoltStoreOption) (*boltStore, error) {
	options := &Options{
		Options: persistence.ApplyOptions(),
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := open(ctx, path, options.Mode, options.BoltOptions)
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(ownersBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(instancesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &boltStore{
		db:      db,
		options: options,
	}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func getOwner(tx *bbolt.Tx, ownerID string) (*ownerRecord, error) {
	v := tx.Bucket(ownersBucket).Get([]byte(ownerID))
	if v == nil {
		return nil, persistence.ErrOwnerNotFound
	}

	var o ownerRecord
	if err := json.Unmarshal(v, &o); err != nil {
		return nil, fmt.Errorf("unmarshaling owner: %w", err)
	}

	return &o, nil
}

func getInstance(tx *bbolt.Tx, instanceID string) (*instanceRecord, error) {
	v := tx.Bucket(instancesBucket).Get([]byte(instanceID))
	if v == nil {
		return nil, nil
	}

	var i instanceRecord
	if err := json.Unmarshal(v, &i); err != nil {
		return nil, fmt.Errorf("unmarshaling instance: %w", err)
	}

	return &i, nil
}

func putInstance(tx *bbolt.Tx, instanceID string, i *instanceRecord) error {
	v, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshaling instance: %w", err)
	}

	return tx.Bucket(instancesBucket).Put([]byte(instanceID), v)
}

func (s *boltStore) CreateOwner(ctx context.Context, owner *persistence.Owner) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ownersBucket)
		if b.Get([]byte(owner.ID)) != nil {
			return persistence.ErrOwnerExists
		}

		v, err := json.Marshal(&ownerRecord{HostType: owner.HostType})
		if err != nil {
			return err
		}

		return b.Put([]byte(owner.ID), v)
	})
}

func (s *boltStore) DeleteOwner(ctx context.Context, ownerID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getOwner(tx, ownerID); err != nil {
			return err
		}

		if err := tx.Bucket(ownersBucket).Delete([]byte(ownerID)); err != nil {
			return err
		}

		type release struct {
			id string
			i  *instanceRecord
		}

		// Buckets must not be modified while iterating.
		var released []release
		if err := tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			var i instanceRecord
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}

			if i.LockOwner == ownerID {
				i.LockOwner = ""
				released = append(released, release{string(k), &i})
			}

			return nil
		}); err != nil {
			return err
		}

		for _, r := range released {
			if err := putInstance(tx, r.id, r.i); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *boltStore) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getOwner(tx, cmd.OwnerID); err != nil {
			return err
		}

		i, err := getInstance(tx, cmd.InstanceID)
		if err != nil {
			return err
		}

		if i == nil {
			i = &instanceRecord{Metadata: persistence.Values{}}
		} else if err := persistence.CheckLock(cmd.OwnerID, i.LockOwner, i.Completed); err != nil {
			return err
		}

		if i.Metadata == nil {
			i.Metadata = persistence.Values{}
		}

		i.Data = cmd.Data
		i.Metadata.Merge(cmd.Metadata)
		i.Completed = cmd.Complete
		i.Runnable = cmd.Runnable
		i.HostType = cmd.HostType
		i.NextTimer = 0
		if !cmd.NextTimer.IsZero() {
			i.NextTimer = cmd.NextTimer.UnixMilli()
		}

		if cmd.Unlock || cmd.Complete {
			i.LockOwner = ""
		} else {
			i.LockOwner = cmd.OwnerID
		}

		return putInstance(tx, cmd.InstanceID, i)
	})
}

func (s *boltStore) LoadInstance(ctx context.Context, ownerID, instanceID string) (*persistence.InstanceView, error) {
	var view *persistence.InstanceView

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getOwner(tx, ownerID); err != nil {
			return err
		}

		i, err := getInstance(tx, instanceID)
		if err != nil {
			return err
		}

		if i == nil {
			return persistence.ErrInstanceNotFound
		}

		if err := persistence.CheckLock(ownerID, i.LockOwner, i.Completed); err != nil {
			return err
		}

		i.LockOwner = ownerID
		view = instanceView(instanceID, i)

		return putInstance(tx, instanceID, i)
	})

	return view, err
}

func (s *boltStore) TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*persistence.InstanceView, error) {
	var view *persistence.InstanceView

	err := s.db.Update(func(tx *bbolt.Tx) error {
		owner, err := getOwner(tx, ownerID)
		if err != nil {
			return err
		}

		var (
			foundID string
			found   *instanceRecord
		)

		// Keys are iterated in byte order, so the lowest matching id wins.
		errFound := errors.New("found")
		err = tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			var i instanceRecord
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}

			if i.Completed || i.LockOwner != "" {
				return nil
			}

			if owner.HostType != "" && i.HostType != owner.HostType {
				return nil
			}

			if i.Runnable || (i.NextTimer != 0 && i.NextTimer <= now.UnixMilli()) {
				foundID = string(k)
				found = &i
				return errFound
			}

			return nil
		})
		if err != nil && err != errFound {
			return err
		}

		if found == nil {
			return nil
		}

		found.LockOwner = ownerID
		view = instanceView(foundID, found)

		return putInstance(tx, foundID, found)
	})

	return view, err
}

func (s *boltStore) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		i, err := getInstance(tx, instanceID)
		if err != nil {
			return err
		}

		if i == nil {
			return persistence.ErrInstanceNotFound
		}

		switch i.LockOwner {
		case "":
			return nil
		case ownerID:
			i.LockOwner = ""
			return putInstance(tx, instanceID, i)
		}

		return persistence.ErrInstanceLocked
	})
}

func instanceView(id string, i *instanceRecord) *persistence.InstanceView {
	md := i.Metadata
	if md == nil {
		md = persistence.Values{}
	}

	return &persistence.InstanceView{
		InstanceID: id,
		Data:       i.Data.Readable(),
		Metadata:   md.Clone(),
		Completed:  i.Completed,
	}
}
