// Package test contains the conformance suite every instance store has to pass.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-workflowapp/payload"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func createOwner(t *testing.T, ctx context.Context, p persistence.Provider, hostType string) string {
	t.Helper()

	id := uuid.NewString()
	require.NoError(t, p.CreateOwner(ctx, &persistence.Owner{ID: id, HostType: hostType}))

	return id
}

func data(kv ...string) persistence.Values {
	v := persistence.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v[persistence.Key(kv[i])] = persistence.Value{Data: payload.Payload(kv[i+1])}
	}

	return v
}

func save(ownerID, instanceID string, d persistence.Values, unlock bool) *persistence.SaveCommand {
	return &persistence.SaveCommand{
		InstanceID: instanceID,
		OwnerID:    ownerID,
		Data:       d,
		Unlock:     unlock,
	}
}

// ProviderTest runs the conformance suite against the store returned by setup.
func ProviderTest(t *testing.T, setup func() persistence.Provider, teardown func(p persistence.Provider)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, p persistence.Provider)
	}{
		{
			name: "CreateOwner_DuplicateErrors",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				o := &persistence.Owner{ID: uuid.NewString()}
				require.NoError(t, p.CreateOwner(ctx, o))
				require.ErrorIs(t, p.CreateOwner(ctx, o), persistence.ErrOwnerExists)
			},
		},
		{
			name: "DeleteOwner_UnknownOwnerErrors",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				require.ErrorIs(t, p.DeleteOwner(ctx, uuid.NewString()), persistence.ErrOwnerNotFound)
			},
		},
		{
			name: "SaveInstance_RequiresOwner",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				err := p.SaveInstance(ctx, save(uuid.NewString(), uuid.NewString(), data(), false))
				require.ErrorIs(t, err, persistence.ErrOwnerNotFound)
			},
		},
		{
			name: "LoadInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")

				_, err := p.LoadInstance(ctx, owner, uuid.NewString())
				require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
			},
		},
		{
			name: "SaveAndLoad_RoundTrip",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				cmd := save(owner, id, data("variables:a", `1`, "properties:Status", `"Idle"`), true)
				cmd.Data["variables:mapped"] = persistence.Value{Data: payload.Payload(`2`), Options: persistence.WriteOnly}
				cmd.Metadata = data("properties:WorkflowHostType", `"host"`)
				require.NoError(t, p.SaveInstance(ctx, cmd))

				view, err := p.LoadInstance(ctx, owner, id)
				require.NoError(t, err)
				require.Equal(t, id, view.InstanceID)
				require.False(t, view.Completed)
				require.Equal(t, data("variables:a", `1`, "properties:Status", `"Idle"`), view.Data)
				require.Equal(t, data("properties:WorkflowHostType", `"host"`), view.Metadata)
			},
		},
		{
			name: "SaveInstance_ReplacesDataAndMergesMetadata",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				cmd := save(owner, id, data("variables:a", `1`, "variables:b", `2`), false)
				cmd.Metadata = data("properties:WorkflowHostType", `"host"`)
				require.NoError(t, p.SaveInstance(ctx, cmd))

				cmd = save(owner, id, data("variables:a", `3`), true)
				cmd.Metadata = data("properties:Custom", `true`)
				require.NoError(t, p.SaveInstance(ctx, cmd))

				view, err := p.LoadInstance(ctx, owner, id)
				require.NoError(t, err)
				require.Equal(t, data("variables:a", `3`), view.Data)
				require.Equal(t, data("properties:WorkflowHostType", `"host"`, "properties:Custom", `true`), view.Metadata)
			},
		},
		{
			name: "SaveInstance_LockedByOtherOwner",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner1 := createOwner(t, ctx, p, "")
				owner2 := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				require.NoError(t, p.SaveInstance(ctx, save(owner1, id, data(), false)))

				err := p.SaveInstance(ctx, save(owner2, id, data(), false))
				require.ErrorIs(t, err, persistence.ErrInstanceLocked)

				_, err = p.LoadInstance(ctx, owner2, id)
				require.ErrorIs(t, err, persistence.ErrInstanceLocked)

				// The lock holder can keep saving and loading.
				require.NoError(t, p.SaveInstance(ctx, save(owner1, id, data(), false)))
				_, err = p.LoadInstance(ctx, owner1, id)
				require.NoError(t, err)
			},
		},
		{
			name: "SaveInstance_UnlockReleasesLock",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner1 := createOwner(t, ctx, p, "")
				owner2 := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				require.NoError(t, p.SaveInstance(ctx, save(owner1, id, data(), true)))

				_, err := p.LoadInstance(ctx, owner2, id)
				require.NoError(t, err)

				_, err = p.LoadInstance(ctx, owner1, id)
				require.ErrorIs(t, err, persistence.ErrInstanceLocked)
			},
		},
		{
			name: "UnlockInstance",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner1 := createOwner(t, ctx, p, "")
				owner2 := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				require.NoError(t, p.SaveInstance(ctx, save(owner1, id, data(), false)))

				require.ErrorIs(t, p.UnlockInstance(ctx, owner2, id), persistence.ErrInstanceLocked)
				require.NoError(t, p.UnlockInstance(ctx, owner1, id))

				// Unlocking an unlocked instance is a no-op.
				require.NoError(t, p.UnlockInstance(ctx, owner1, id))

				_, err := p.LoadInstance(ctx, owner2, id)
				require.NoError(t, err)
			},
		},
		{
			name: "UnlockInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				require.ErrorIs(t, p.UnlockInstance(ctx, owner, uuid.NewString()), persistence.ErrInstanceNotFound)
			},
		},
		{
			name: "DeleteOwner_ReleasesLocks",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner1 := createOwner(t, ctx, p, "")
				owner2 := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				require.NoError(t, p.SaveInstance(ctx, save(owner1, id, data(), false)))
				require.NoError(t, p.DeleteOwner(ctx, owner1))

				_, err := p.LoadInstance(ctx, owner2, id)
				require.NoError(t, err)
			},
		},
		{
			name: "CompletedInstance_CannotBeLoaded",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				cmd := save(owner, id, data("properties:Status", `"Closed"`), true)
				cmd.Complete = true
				require.NoError(t, p.SaveInstance(ctx, cmd))

				_, err := p.LoadInstance(ctx, owner, id)
				require.ErrorIs(t, err, persistence.ErrInstanceCompleted)

				err = p.SaveInstance(ctx, save(owner, id, data(), false))
				require.ErrorIs(t, err, persistence.ErrInstanceCompleted)
			},
		},
		{
			name: "TryLoadRunnableInstance_NoneAvailable",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				require.NoError(t, p.SaveInstance(ctx, save(owner, uuid.NewString(), data(), true)))

				view, err := p.TryLoadRunnableInstance(ctx, owner, time.Now())
				require.NoError(t, err)
				require.Nil(t, view)
			},
		},
		{
			name: "TryLoadRunnableInstance_Runnable",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				cmd := save(owner, id, data("variables:a", `1`), true)
				cmd.Runnable = true
				require.NoError(t, p.SaveInstance(ctx, cmd))

				view, err := p.TryLoadRunnableInstance(ctx, owner, time.Now())
				require.NoError(t, err)
				require.NotNil(t, view)
				require.Equal(t, id, view.InstanceID)
				require.Equal(t, data("variables:a", `1`), view.Data)

				// The instance is now locked.
				view, err = p.TryLoadRunnableInstance(ctx, owner, time.Now())
				require.NoError(t, err)
				require.Nil(t, view)
			},
		},
		{
			name: "TryLoadRunnableInstance_DueTimer",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()
				now := time.Now().UTC().Truncate(time.Second)

				cmd := save(owner, id, data(), true)
				cmd.NextTimer = now.Add(time.Minute)
				require.NoError(t, p.SaveInstance(ctx, cmd))

				view, err := p.TryLoadRunnableInstance(ctx, owner, now)
				require.NoError(t, err)
				require.Nil(t, view)

				view, err = p.TryLoadRunnableInstance(ctx, owner, now.Add(2*time.Minute))
				require.NoError(t, err)
				require.NotNil(t, view)
				require.Equal(t, id, view.InstanceID)
			},
		},
		{
			name: "TryLoadRunnableInstance_MatchesHostType",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				owner := createOwner(t, ctx, p, "")
				id := uuid.NewString()

				cmd := save(owner, id, data(), true)
				cmd.Runnable = true
				cmd.HostType = "orders"
				require.NoError(t, p.SaveInstance(ctx, cmd))

				other := createOwner(t, ctx, p, "billing")
				view, err := p.TryLoadRunnableInstance(ctx, other, time.Now())
				require.NoError(t, err)
				require.Nil(t, view)

				matching := createOwner(t, ctx, p, "orders")
				view, err = p.TryLoadRunnableInstance(ctx, matching, time.Now())
				require.NoError(t, err)
				require.NotNil(t, view)
				require.Equal(t, id, view.InstanceID)
			},
		},
		{
			name: "TransactionalProvider_CommitAndRollback",
			f: func(t *testing.T, ctx context.Context, p persistence.Provider) {
				tp, ok := p.(persistence.TransactionalProvider)
				if !ok {
					t.Skip("store is not transactional")
				}

				owner := createOwner(t, ctx, p, "")
				committed := uuid.NewString()
				rolledBack := uuid.NewString()

				e1, err := tp.BeginSaveInstance(ctx, save(owner, committed, data("variables:a", `1`), true))
				require.NoError(t, err)
				require.NoError(t, e1.Commit(ctx))

				e2, err := tp.BeginSaveInstance(ctx, save(owner, rolledBack, data("variables:a", `1`), true))
				require.NoError(t, err)
				require.NoError(t, e2.Rollback(ctx))

				view, err := p.LoadInstance(ctx, owner, committed)
				require.NoError(t, err)
				require.Equal(t, data("variables:a", `1`), view.Data)

				_, err = p.LoadInstance(ctx, owner, rolledBack)
				require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := setup()
			ctx := context.Background()

			tt.f(t, ctx, p)

			if teardown != nil {
				teardown(p)
			}
		})
	}
}
