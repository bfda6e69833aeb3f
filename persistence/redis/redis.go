package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cschleiden/go-workflowapp/persistence"
	redis "github.com/redis/go-redis/v9"
)

var _ persistence.Provider = (*redisStore)(nil)

func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*redisStore, error) {
	options := &RedisOptions{
		Options: persistence.ApplyOptions(),
	}

	for _, opt := range opts {
		opt(options)
	}

	rs := &redisStore{
		rdb:     client,
		options: options,
		keys:    newKeys(options.KeyPrefix),
	}

	// Preload scripts so they can be used from pipelines.
	ctx := context.Background()
	cmds := map[string]*redis.StringCmd{
		"createOwnerCmd":     createOwnerCmd.Load(ctx, rs.rdb),
		"deleteOwnerCmd":     deleteOwnerCmd.Load(ctx, rs.rdb),
		"saveInstanceCmd":    saveInstanceCmd.Load(ctx, rs.rdb),
		"loadInstanceCmd":    loadInstanceCmd.Load(ctx, rs.rdb),
		"tryLoadRunnableCmd": tryLoadRunnableCmd.Load(ctx, rs.rdb),
		"unlockInstanceCmd":  unlockInstanceCmd.Load(ctx, rs.rdb),
	}
	for name, cmd := range cmds {
		if cmd.Err() != nil {
			return nil, fmt.Errorf("loading redis script: %v %w", name, cmd.Err())
		}
	}

	return rs, nil
}

type redisStore struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    *keys
}

func (rs *redisStore) Close() error {
	return rs.rdb.Close()
}

func statusError(status int64) error {
	switch status {
	case statusOK:
		return nil
	case statusOwnerNotFound:
		return persistence.ErrOwnerNotFound
	case statusLocked:
		return persistence.ErrInstanceLocked
	case statusCompleted:
		return persistence.ErrInstanceCompleted
	case statusInstanceNotFound:
		return persistence.ErrInstanceNotFound
	}

	return fmt.Errorf("unexpected script status %d", status)
}

func (rs *redisStore) CreateOwner(ctx context.Context, owner *persistence.Owner) error {
	status, err := createOwnerCmd.Run(ctx, rs.rdb, []string{rs.keys.ownerKey(owner.ID)}, owner.HostType).Int64()
	if err != nil {
		return fmt.Errorf("creating owner: %w", err)
	}

	if status != statusOK {
		return persistence.ErrOwnerExists
	}

	return nil
}

func (rs *redisStore) DeleteOwner(ctx context.Context, ownerID string) error {
	status, err := deleteOwnerCmd.Run(ctx, rs.rdb, []string{
		rs.keys.ownerKey(ownerID),
		rs.keys.ownerLocksKey(ownerID),
	}, ownerID, rs.keys.prefix).Int64()
	if err != nil {
		return fmt.Errorf("deleting owner: %w", err)
	}

	return statusError(status)
}

func flag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

func (rs *redisStore) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	data, err := persistence.MarshalValues(cmd.Data)
	if err != nil {
		return fmt.Errorf("marshaling instance data: %w", err)
	}

	nextTimer := ""
	if !cmd.NextTimer.IsZero() {
		nextTimer = strconv.FormatInt(cmd.NextTimer.UnixMilli(), 10)
	}

	args := []interface{}{
		cmd.OwnerID,
		cmd.InstanceID,
		string(data),
		cmd.HostType,
		flag(cmd.Runnable),
		nextTimer,
		flag(cmd.Unlock),
		flag(cmd.Complete),
	}

	for k, v := range cmd.Metadata {
		mv, err := persistence.MarshalValues(persistence.Values{k: v})
		if err != nil {
			return fmt.Errorf("marshaling instance metadata: %w", err)
		}

		args = append(args, string(k), string(mv))
	}

	status, err := saveInstanceCmd.Run(ctx, rs.rdb, []string{
		rs.keys.ownerKey(cmd.OwnerID),
		rs.keys.instanceKey(cmd.InstanceID),
		rs.keys.instanceMetadataKey(cmd.InstanceID),
		rs.keys.ownerLocksKey(cmd.OwnerID),
		rs.keys.runnableKey(),
	}, args...).Int64()
	if err != nil {
		return fmt.Errorf("saving instance: %w", err)
	}

	return statusError(status)
}

func (rs *redisStore) LoadInstance(ctx context.Context, ownerID, instanceID string) (*persistence.InstanceView, error) {
	res, err := loadInstanceCmd.Run(ctx, rs.rdb, []string{
		rs.keys.ownerKey(ownerID),
		rs.keys.instanceKey(instanceID),
		rs.keys.instanceMetadataKey(instanceID),
		rs.keys.ownerLocksKey(ownerID),
	}, ownerID, instanceID).Slice()
	if err != nil {
		return nil, fmt.Errorf("loading instance: %w", err)
	}

	return parseView(res)
}

func (rs *redisStore) TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*persistence.InstanceView, error) {
	res, err := tryLoadRunnableCmd.Run(ctx, rs.rdb, []string{
		rs.keys.ownerKey(ownerID),
		rs.keys.ownerLocksKey(ownerID),
		rs.keys.runnableKey(),
	}, ownerID, now.UnixMilli(), rs.keys.prefix).Slice()
	if err != nil {
		return nil, fmt.Errorf("loading runnable instance: %w", err)
	}

	if len(res) > 0 {
		if status, ok := res[0].(int64); ok && status == statusNoneRunnable {
			return nil, nil
		}
	}

	return parseView(res)
}

// parseView decodes the {status, id, data, metadata} reply of the load scripts.
func parseView(res []interface{}) (*persistence.InstanceView, error) {
	if len(res) == 0 {
		return nil, fmt.Errorf("empty script reply")
	}

	status, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %v", res[0])
	}

	if err := statusError(status); err != nil {
		return nil, err
	}

	if len(res) < 4 {
		return nil, fmt.Errorf("unexpected script reply length %d", len(res))
	}

	id, _ := res[1].(string)
	raw, _ := res[2].(string)

	data, err := persistence.UnmarshalValues([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshaling instance data: %w", err)
	}

	md := persistence.Values{}
	fields, _ := res[3].([]interface{})
	for i := 0; i+1 < len(fields); i += 2 {
		v, _ := fields[i+1].(string)

		mv, err := persistence.UnmarshalValues([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("unmarshaling instance metadata: %w", err)
		}

		md.Merge(mv)
	}

	return &persistence.InstanceView{
		InstanceID: id,
		Data:       data.Readable(),
		Metadata:   md,
	}, nil
}

func (rs *redisStore) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	status, err := unlockInstanceCmd.Run(ctx, rs.rdb, []string{
		rs.keys.instanceKey(instanceID),
		rs.keys.ownerLocksKey(ownerID),
	}, ownerID, instanceID).Int64()
	if err != nil {
		return fmt.Errorf("unlocking instance: %w", err)
	}

	return statusError(status)
}
