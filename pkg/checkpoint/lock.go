package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// LockConfig controls the run lock.
type LockConfig struct {
	// StaleAfter is the age after which an untouched table lock is treated
	// as abandoned by a crashed process. Default 30m.
	StaleAfter time.Duration
	// WaitInterval is the poll interval of WithLock. Default 1s.
	WaitInterval time.Duration
	// Identity is recorded as the lock holder. Default hostname:pid.
	Identity string
}

// DefaultLockConfig returns the default lock configuration.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		StaleAfter:   30 * time.Minute,
		WaitInterval: time.Second,
		Identity:     defaultIdentity(),
	}
}

func defaultIdentity() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// Lease is a held lock. Touch must be called periodically by long holders
// of a table lock so it is not reclaimed as stale.
type Lease interface {
	Touch(ctx context.Context) error
	Release()
}

// Locker serializes runs and migrations by name.
type Locker interface {
	// TryLock acquires name without waiting. A held lock returns an error
	// wrapping syncerr.ErrRunConflict.
	TryLock(ctx context.Context, name string) (Lease, error)
	// WithLock runs fn while holding name, waiting until it is free.
	WithLock(ctx context.Context, name string, fn func() error) error
}

// NewLocker returns a Locker for the database dialect. PostgreSQL uses
// session advisory locks on a dedicated connection; other databases use a
// lock table with stale-holder cleanup.
func NewLocker(db *gorm.DB, cfg LockConfig) Locker {
	if db == nil {
		return noopLocker{}
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultLockConfig().StaleAfter
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultLockConfig().WaitInterval
	}
	if cfg.Identity == "" {
		cfg.Identity = defaultIdentity()
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLocker{db: db, cfg: cfg}
	}
	// Create the table up front so concurrent callers never race on it.
	_ = db.AutoMigrate(&lockRecord{})
	return &tableLocker{db: db, cfg: cfg}
}

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string) (Lease, error) { return noopLease{}, nil }

func (noopLocker) WithLock(_ context.Context, _ string, fn func() error) error { return fn() }

type noopLease struct{}

func (noopLease) Touch(context.Context) error { return nil }
func (noopLease) Release()                    {}

func advisoryKey(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte("assessment-sync:" + name)))
}

type pgAdvisoryLocker struct {
	db  *gorm.DB
	cfg LockConfig
}

type pgLease struct {
	release func()
}

func (l *pgLease) Touch(context.Context) error { return nil }
func (l *pgLease) Release()                    { l.release() }

func (l *pgAdvisoryLocker) TryLock(ctx context.Context, name string) (Lease, error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, fmt.Errorf("run lock: %w", err)
	}
	// Advisory locks belong to a session, so lock and unlock must use the
	// same connection.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("run lock: %w", err)
	}
	key := advisoryKey(name)
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("run lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s is locked by another process", syncerr.ErrRunConflict, name)
	}
	return &pgLease{release: func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		_ = conn.Close()
	}}, nil
}

func (l *pgAdvisoryLocker) WithLock(ctx context.Context, name string, fn func() error) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	defer conn.Close()

	key := advisoryKey(name)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire lock %s: %w", name, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
	}()
	return fn()
}

// lockRecord is a held lock row for databases without advisory locks.
type lockRecord struct {
	Name     string    `gorm:"primaryKey;column:name;size:128"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;size:255"`
}

func (lockRecord) TableName() string { return "sync_locks" }

type tableLocker struct {
	db  *gorm.DB
	cfg LockConfig
}

type tableLease struct {
	db   *gorm.DB
	name string
	by   string
}

func (l *tableLease) Touch(ctx context.Context) error {
	err := l.db.WithContext(ctx).Model(&lockRecord{}).
		Where("name = ? AND locked_by = ?", l.name, l.by).
		Update("locked_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("touch lock %s: %w", l.name, err)
	}
	return nil
}

func (l *tableLease) Release() {
	l.db.Where("name = ? AND locked_by = ?", l.name, l.by).Delete(&lockRecord{})
}

func (l *tableLocker) TryLock(ctx context.Context, name string) (Lease, error) {
	// Reclaim locks abandoned by crashed holders.
	l.db.WithContext(ctx).
		Where("name = ? AND locked_at < ?", name, time.Now().UTC().Add(-l.cfg.StaleAfter)).
		Delete(&lockRecord{})

	row := lockRecord{Name: name, LockedAt: time.Now().UTC(), LockedBy: l.cfg.Identity}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		var holder lockRecord
		if lookupErr := l.db.WithContext(ctx).First(&holder, "name = ?", name).Error; lookupErr == nil {
			return nil, fmt.Errorf("%w: %s is locked by %s since %s", syncerr.ErrRunConflict, name,
				holder.LockedBy, holder.LockedAt.Format(time.RFC3339))
		} else if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run lock: %w", lookupErr)
		}
		return nil, fmt.Errorf("run lock: %w", err)
	}
	return &tableLease{db: l.db, name: name, by: l.cfg.Identity}, nil
}

func (l *tableLocker) WithLock(ctx context.Context, name string, fn func() error) error {
	for {
		lease, err := l.TryLock(ctx, name)
		if err == nil {
			defer lease.Release()
			return fn()
		}
		if !errors.Is(err, syncerr.ErrRunConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.WaitInterval):
		}
	}
}
