package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/edusync/assessment-sync/pkg/syncerr"
)

// classify wraps a driver error with the syncerr kind the writer acts on:
// transient errors are retried, record errors trigger the per-record
// fallback, fatal errors abort the run. Unrecognized errors are returned
// unwrapped (KindUnknown).
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Transient(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(op, pgErr.Code, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(op, myErr.Number, err)
	}

	var liteErr *gosqlite.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(op, liteErr.Code(), err)
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey),
		errors.Is(err, gorm.ErrForeignKeyViolated),
		errors.Is(err, gorm.ErrCheckConstraintViolated):
		return syncerr.Record(op, err)
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, mysql.ErrInvalidConn):
		return syncerr.Transient(op, errors.Join(syncerr.ErrSinkUnavailable, err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerr.Transient(op, errors.Join(syncerr.ErrSinkUnavailable, err))
	}
	var pgConnErr *pgconn.ConnectError
	if errors.As(err, &pgConnErr) {
		return syncerr.Transient(op, errors.Join(syncerr.ErrSinkUnavailable, err))
	}
	return err
}

// classifyPostgres maps a SQLSTATE code.
func classifyPostgres(op, code string, err error) error {
	switch {
	case code == "42P01", code == "42703", code == "42P10":
		// undefined table, undefined column, no unique constraint matching
		// the ON CONFLICT specification
		return syncerr.Fatal(op, errors.Join(syncerr.ErrSinkRejected, err))
	case code == "40001", code == "40P01", code == "55P03", code == "57P01":
		// serialization failure, deadlock, lock not available, admin shutdown
		return syncerr.Transient(op, err)
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"):
		// connection exception, insufficient resources
		return syncerr.Transient(op, errors.Join(syncerr.ErrSinkUnavailable, err))
	case strings.HasPrefix(code, "21"), strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		// cardinality violation, data exception, integrity constraint violation
		return syncerr.Record(op, errors.Join(syncerr.ErrInvalidValue, err))
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "28"):
		// syntax or access rule violation, invalid authorization
		return syncerr.Fatal(op, errors.Join(syncerr.ErrSinkRejected, err))
	}
	return err
}

// classifyMySQL maps a server error number.
func classifyMySQL(op string, number uint16, err error) error {
	switch number {
	case 1146, 1054, 1142, 1045:
		// no such table, unknown column, command denied, access denied
		return syncerr.Fatal(op, errors.Join(syncerr.ErrSinkRejected, err))
	case 1205, 1213, 1040, 1053:
		// lock wait timeout, deadlock, too many connections, shutdown
		return syncerr.Transient(op, err)
	case 1048, 1062, 1264, 1265, 1292, 1366, 1406, 1451, 1452, 3819:
		// null, duplicate, out of range, truncated, bad value, too long,
		// foreign key, check constraint
		return syncerr.Record(op, errors.Join(syncerr.ErrInvalidValue, err))
	}
	return err
}

// classifySQLite maps an extended result code by its primary code.
func classifySQLite(op string, code int, err error) error {
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return syncerr.Record(op, errors.Join(syncerr.ErrInvalidValue, err))
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return syncerr.Transient(op, err)
	case sqlite3.SQLITE_ERROR, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		// SQLITE_ERROR covers "no such table" and "no such column".
		return syncerr.Fatal(op, errors.Join(syncerr.ErrSinkRejected, err))
	}
	return err
}
