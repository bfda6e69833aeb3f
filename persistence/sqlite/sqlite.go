package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/persistence"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryStore returns a store backed by a private in-memory database.
func NewInMemoryStore(opts ...option) *sqliteStore {
	s := newSqliteStore("file::memory:", opts...)

	s.db.SetMaxOpenConns(1)

	return s
}

func NewSqliteStore(path string, opts ...option) *sqliteStore {
	return newSqliteStore(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path), opts...)
}

func newSqliteStore(dsn string, opts ...option) *sqliteStore {
	options := &options{
		Options:         persistence.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	s := &sqliteStore{
		db:      db,
		options: options,
	}

	if options.ApplyMigrations {
		if err := s.Migrate(); err != nil {
			panic(err)
		}
	}

	return s
}

type sqliteStore struct {
	db      *sql.DB
	options *options
}

var _ persistence.TransactionalProvider = (*sqliteStore)(nil)

// Migrate applies any pending database migrations.
func (s *sqliteStore) Migrate() error {
	dbi, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	s.options.Logger.Debug("applied migrations", log.StoreKey, "sqlite")

	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateOwner(ctx context.Context, owner *persistence.Owner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := ownerHostType(ctx, tx, owner.ID); err == nil {
		return persistence.ErrOwnerExists
	} else if !errors.Is(err, persistence.ErrOwnerNotFound) {
		return err
	}

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `owners` (id, host_type, created_at) VALUES (?, ?, ?)",
		owner.ID, owner.HostType, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("inserting owner: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteStore) DeleteOwner(ctx context.Context, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM `owners` WHERE id = ?", ownerID)
	if err != nil {
		return fmt.Errorf("deleting owner: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return persistence.ErrOwnerNotFound
	}

	if _, err := tx.ExecContext(ctx, "UPDATE `instances` SET lock_owner = NULL WHERE lock_owner = ?", ownerID); err != nil {
		return fmt.Errorf("releasing locks: %w", err)
	}

	return tx.Commit()
}

func (s *sqliteStore) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveInstance(ctx, tx, cmd); err != nil {
		return err
	}

	return tx.Commit()
}

// BeginSaveInstance validates the save right away and writes it when the enlistment is committed. SQLite allows
// a single writer only, so the write transaction is not held open until the scope completes.
func (s *sqliteStore) BeginSaveInstance(ctx context.Context, cmd *persistence.SaveCommand) (persistence.Enlistment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := checkSave(ctx, tx, cmd); err != nil {
		return nil, err
	}

	return &enlistment{s: s, cmd: cmd}, nil
}

type enlistment struct {
	s   *sqliteStore
	cmd *persistence.SaveCommand
}

func (e *enlistment) Commit(ctx context.Context) error {
	return e.s.SaveInstance(ctx, e.cmd)
}

func (e *enlistment) Rollback(ctx context.Context) error {
	return nil
}

type instanceRow struct {
	lockOwner sql.NullString
	completed bool
	data      []byte
	metadata  []byte
}

func ownerHostType(ctx context.Context, tx *sql.Tx, ownerID string) (string, error) {
	var hostType string
	if err := tx.QueryRowContext(ctx, "SELECT host_type FROM `owners` WHERE id = ?", ownerID).Scan(&hostType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", persistence.ErrOwnerNotFound
		}

		return "", fmt.Errorf("reading owner: %w", err)
	}

	return hostType, nil
}

func getInstance(ctx context.Context, tx *sql.Tx, instanceID string) (*instanceRow, error) {
	row := tx.QueryRowContext(ctx, "SELECT lock_owner, completed, data, metadata FROM `instances` WHERE id = ?", instanceID)

	var r instanceRow
	if err := row.Scan(&r.lockOwner, &r.completed, &r.data, &r.metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading instance: %w", err)
	}

	return &r, nil
}

// checkSave returns the current row of the instance, or nil if it does not exist yet.
func checkSave(ctx context.Context, tx *sql.Tx, cmd *persistence.SaveCommand) (*instanceRow, error) {
	if _, err := ownerHostType(ctx, tx, cmd.OwnerID); err != nil {
		return nil, err
	}

	r, err := getInstance(ctx, tx, cmd.InstanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, nil
		}

		return nil, err
	}

	if err := persistence.CheckLock(cmd.OwnerID, r.lockOwner.String, r.completed); err != nil {
		return nil, err
	}

	return r, nil
}

func saveInstance(ctx context.Context, tx *sql.Tx, cmd *persistence.SaveCommand) error {
	existing, err := checkSave(ctx, tx, cmd)
	if err != nil {
		return err
	}

	data, err := persistence.MarshalValues(cmd.Data)
	if err != nil {
		return fmt.Errorf("marshaling instance data: %w", err)
	}

	md := persistence.Values{}
	if existing != nil {
		if md, err = persistence.UnmarshalValues(existing.metadata); err != nil {
			return fmt.Errorf("unmarshaling instance metadata: %w", err)
		}
	}

	md.Merge(cmd.Metadata)

	metadata, err := persistence.MarshalValues(md)
	if err != nil {
		return fmt.Errorf("marshaling instance metadata: %w", err)
	}

	var lockOwner *string
	if !cmd.Unlock && !cmd.Complete {
		lockOwner = &cmd.OwnerID
	}

	var nextTimer *int64
	if !cmd.NextTimer.IsZero() {
		t := cmd.NextTimer.UnixMilli()
		nextTimer = &t
	}

	now := time.Now().UnixMilli()

	if existing == nil {
		_, err = tx.ExecContext(
			ctx,
			"INSERT INTO `instances` (id, lock_owner, completed, runnable, next_timer, host_type, data, metadata, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			cmd.InstanceID, lockOwner, cmd.Complete, cmd.Runnable, nextTimer, cmd.HostType, data, metadata, now,
		)
	} else {
		_, err = tx.ExecContext(
			ctx,
			"UPDATE `instances` SET lock_owner = ?, completed = ?, runnable = ?, next_timer = ?, host_type = ?, data = ?, metadata = ?, updated_at = ? WHERE id = ?",
			lockOwner, cmd.Complete, cmd.Runnable, nextTimer, cmd.HostType, data, metadata, now, cmd.InstanceID,
		)
	}

	if err != nil {
		return fmt.Errorf("writing instance: %w", err)
	}

	return nil
}

func (s *sqliteStore) LoadInstance(ctx context.Context, ownerID, instanceID string) (*persistence.InstanceView, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := ownerHostType(ctx, tx, ownerID); err != nil {
		return nil, err
	}

	r, err := getInstance(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}

	if err := persistence.CheckLock(ownerID, r.lockOwner.String, r.completed); err != nil {
		return nil, err
	}

	view, err := lock(ctx, tx, ownerID, instanceID, r)
	if err != nil {
		return nil, err
	}

	return view, tx.Commit()
}

func lock(ctx context.Context, tx *sql.Tx, ownerID, instanceID string, r *instanceRow) (*persistence.InstanceView, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE `instances` SET lock_owner = ? WHERE id = ?", ownerID, instanceID); err != nil {
		return nil, fmt.Errorf("locking instance: %w", err)
	}

	data, err := persistence.UnmarshalValues(r.data)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling instance data: %w", err)
	}

	md, err := persistence.UnmarshalValues(r.metadata)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling instance metadata: %w", err)
	}

	return &persistence.InstanceView{
		InstanceID: instanceID,
		Data:       data.Readable(),
		Metadata:   md,
		Completed:  r.completed,
	}, nil
}

func (s *sqliteStore) TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*persistence.InstanceView, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	hostType, err := ownerHostType(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	var instanceID string
	if err := tx.QueryRowContext(
		ctx,
		"SELECT id FROM `instances` WHERE completed = 0 AND lock_owner IS NULL AND (runnable = 1 OR (next_timer IS NOT NULL AND next_timer <= ?)) AND (? = '' OR host_type = ?) ORDER BY id LIMIT 1",
		now.UnixMilli(), hostType, hostType,
	).Scan(&instanceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("finding runnable instance: %w", err)
	}

	r, err := getInstance(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}

	view, err := lock(ctx, tx, ownerID, instanceID, r)
	if err != nil {
		return nil, err
	}

	return view, tx.Commit()
}

func (s *sqliteStore) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := getInstance(ctx, tx, instanceID)
	if err != nil {
		return err
	}

	switch r.lockOwner.String {
	case "":
		return nil
	case ownerID:
	default:
		return persistence.ErrInstanceLocked
	}

	if _, err := tx.ExecContext(ctx, "UPDATE `instances` SET lock_owner = NULL WHERE id = ?", instanceID); err != nil {
		return fmt.Errorf("unlocking instance: %w", err)
	}

	return tx.Commit()
}
