package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-workflowapp/log"
	"github.com/cschleiden/go-workflowapp/persistence"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mmysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewMysqlStore(host string, port int, user, password, database string, opts ...option) *mysqlStore {
	options := &options{
		Options:         persistence.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	s := &mysqlStore{
		dsn:     dsn,
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

type mysqlStore struct {
	dsn     string
	db      *sql.DB
	options *options
}

var _ persistence.TransactionalProvider = (*mysqlStore)(nil)

// Migrate applies any pending database migrations.
func (s *mysqlStore) Migrate() error {
	schemaDsn := s.dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mmysql.WithInstance(db, &mmysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	s.options.Logger.Debug("applied migrations", log.StoreKey, "mysql")

	return nil
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}

func (s *mysqlStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return tx, nil
}

func (s *mysqlStore) CreateOwner(ctx context.Context, owner *persistence.Owner) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		"INSERT IGNORE INTO `owners` (id, host_type, created_at) VALUES (?, ?, ?)",
		owner.ID, owner.HostType, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting owner: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return persistence.ErrOwnerExists
	}

	return tx.Commit()
}

func (s *mysqlStore) DeleteOwner(ctx context.Context, ownerID string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
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

func (s *mysqlStore) SaveInstance(ctx context.Context, cmd *persistence.SaveCommand) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveInstance(ctx, tx, cmd); err != nil {
		return err
	}

	return tx.Commit()
}

// BeginSaveInstance writes the instance in a transaction that is kept open until the enlistment completes. The
// instance row stays locked in the meantime.
func (s *mysqlStore) BeginSaveInstance(ctx context.Context, cmd *persistence.SaveCommand) (persistence.Enlistment, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	if err := saveInstance(ctx, tx, cmd); err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}

	return &enlistment{tx: tx}, nil
}

type enlistment struct {
	tx *sql.Tx
}

func (e *enlistment) Commit(ctx context.Context) error {
	return e.tx.Commit()
}

func (e *enlistment) Rollback(ctx context.Context) error {
	return e.tx.Rollback()
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
	row := tx.QueryRowContext(ctx, "SELECT lock_owner, completed, data, metadata FROM `instances` WHERE id = ? FOR UPDATE", instanceID)

	var r instanceRow
	if err := row.Scan(&r.lockOwner, &r.completed, &r.data, &r.metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("reading instance: %w", err)
	}

	return &r, nil
}

func saveInstance(ctx context.Context, tx *sql.Tx, cmd *persistence.SaveCommand) error {
	if _, err := ownerHostType(ctx, tx, cmd.OwnerID); err != nil {
		return err
	}

	existing, err := getInstance(ctx, tx, cmd.InstanceID)
	if err != nil {
		if !errors.Is(err, persistence.ErrInstanceNotFound) {
			return err
		}

		existing = nil
	} else if err := persistence.CheckLock(cmd.OwnerID, existing.lockOwner.String, existing.completed); err != nil {
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

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `instances` (id, lock_owner, completed, runnable, next_timer, host_type, data, metadata, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE lock_owner = VALUES(lock_owner), completed = VALUES(completed), runnable = VALUES(runnable), next_timer = VALUES(next_timer), "+
			"host_type = VALUES(host_type), data = VALUES(data), metadata = VALUES(metadata), updated_at = VALUES(updated_at)",
		cmd.InstanceID, lockOwner, cmd.Complete, cmd.Runnable, nextTimer, cmd.HostType, data, metadata, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("writing instance: %w", err)
	}

	return nil
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

func (s *mysqlStore) LoadInstance(ctx context.Context, ownerID, instanceID string) (*persistence.InstanceView, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
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

func (s *mysqlStore) TryLoadRunnableInstance(ctx context.Context, ownerID string, now time.Time) (*persistence.InstanceView, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hostType, err := ownerHostType(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}

	var instanceID string
	if err := tx.QueryRowContext(
		ctx,
		"SELECT id FROM `instances` WHERE completed = FALSE AND lock_owner IS NULL AND (runnable = TRUE OR (next_timer IS NOT NULL AND next_timer <= ?)) AND (? = '' OR host_type = ?) ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED",
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

func (s *mysqlStore) UnlockInstance(ctx context.Context, ownerID, instanceID string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
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
