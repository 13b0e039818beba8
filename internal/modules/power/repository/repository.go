package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"zpowergraph/internal/modules/power/types"
)

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/get-readings.sql
var getReadingsSQL string

//go:embed sql/get-readings-count.sql
var getReadingsCountSQL string

//go:embed sql/get-latest-reading.sql
var getLatestReadingSQL string

//go:embed sql/get-devices.sql
var getDevicesSQL string

//go:embed sql/get-table-info.sql
var getTableInfoSQL string

var (
	// ErrConnectionLost covers transient failures: busy or locked database,
	// I/O errors and closed connections. Worth retrying.
	ErrConnectionLost = errors.New("store connection lost")
	// ErrConstraintViolation is permanent; retrying the same row cannot succeed.
	ErrConstraintViolation = errors.New("store constraint violation")
	ErrSchemaMismatch      = errors.New("store schema mismatch")
	ErrNotFound            = errors.New("not found")
)

type ReadingRepository interface {
	// Upsert stores r unless a row with the same device and timestamp exists.
	// It reports whether a row was written.
	Upsert(ctx context.Context, r types.Reading) (bool, error)
	// QueryRange yields readings of deviceID with from <= timestamp <= to in
	// ascending order. Each iteration runs a fresh query.
	QueryRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[types.Reading, error]
	Count(ctx context.Context, deviceID string, from, to time.Time) (int, error)
	Latest(ctx context.Context, deviceID string) (types.Reading, error)
	Devices(ctx context.Context) ([]types.Device, error)
	VerifySchema(ctx context.Context) error
}

type repositoryImpl struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRepository(db *sql.DB, logger *slog.Logger) ReadingRepository {
	return &repositoryImpl{db: db, logger: logger}
}

func (r *repositoryImpl) Upsert(ctx context.Context, rec types.Reading) (bool, error) {
	var energy sql.NullFloat64
	if rec.EnergyWh != nil {
		energy = sql.NullFloat64{Float64: *rec.EnergyWh, Valid: true}
	}
	var raw any
	if rec.RawPayload != nil {
		raw = rec.RawPayload
	}

	res, err := r.db.ExecContext(ctx, insertReadingSQL,
		rec.DeviceID,
		rec.Timestamp.UnixMilli(),
		rec.PowerWatts,
		energy,
		raw,
	)
	if err != nil {
		return false, fmt.Errorf("insert reading %s@%d: %w", rec.DeviceID, rec.Timestamp.UnixMilli(), classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", classify(err))
	}
	return n > 0, nil
}

func (r *repositoryImpl) QueryRange(ctx context.Context, deviceID string, from, to time.Time) iter.Seq2[types.Reading, error] {
	return func(yield func(types.Reading, error) bool) {
		rows, err := r.db.QueryContext(ctx, getReadingsSQL, deviceID, from.UnixMilli(), to.UnixMilli())
		if err != nil {
			yield(types.Reading{}, fmt.Errorf("query readings: %w", classify(err)))
			return
		}
		defer func() {
			if err := rows.Close(); err != nil {
				r.logger.Error("close readings rows", "error", err)
			}
		}()

		for rows.Next() {
			rec, err := scanReading(rows)
			if err != nil {
				yield(types.Reading{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(types.Reading{}, fmt.Errorf("iterate readings: %w", classify(err)))
		}
	}
}

func (r *repositoryImpl) Count(ctx context.Context, deviceID string, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, getReadingsCountSQL, deviceID, from.UnixMilli(), to.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", classify(err))
	}
	return n, nil
}

func (r *repositoryImpl) Latest(ctx context.Context, deviceID string) (types.Reading, error) {
	rec, err := scanReading(r.db.QueryRowContext(ctx, getLatestReadingSQL, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Reading{}, fmt.Errorf("latest reading of %q: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return types.Reading{}, fmt.Errorf("latest reading of %q: %w", deviceID, err)
	}
	return rec, nil
}

func (r *repositoryImpl) Devices(ctx context.Context) ([]types.Device, error) {
	rows, err := r.db.QueryContext(ctx, getDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", classify(err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("close devices rows", "error", err)
		}
	}()

	var out []types.Device
	for rows.Next() {
		var (
			d           types.Device
			first, last int64
		)
		if err := rows.Scan(&d.ID, &d.Readings, &first, &last); err != nil {
			return nil, fmt.Errorf("scan device: %w", classify(err))
		}
		f, l := fromMillis(first), fromMillis(last)
		d.FirstSeen, d.LastSeen = &f, &l
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", classify(err))
	}
	return out, nil
}

type column struct {
	typ     string
	notNull bool
}

var expectedColumns = map[string]column{
	"device_id":   {typ: "TEXT", notNull: true},
	"timestamp":   {typ: "INTEGER", notNull: true},
	"power_watts": {typ: "REAL", notNull: true},
	"energy_wh":   {typ: "REAL"},
	"raw_payload": {typ: "BLOB"},
}

// VerifySchema checks that the readings table has the columns this binary
// reads and writes. Extra columns are tolerated.
func (r *repositoryImpl) VerifySchema(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, getTableInfoSQL)
	if err != nil {
		return fmt.Errorf("table info: %w", classify(err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Error("close table info rows", "error", err)
		}
	}()

	found := make(map[string]column)
	for rows.Next() {
		var (
			name, typ string
			notNull   int
		)
		if err := rows.Scan(&name, &typ, &notNull); err != nil {
			return fmt.Errorf("scan table info: %w", err)
		}
		found[name] = column{typ: strings.ToUpper(typ), notNull: notNull != 0}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("table info: %w", classify(err))
	}

	if len(found) == 0 {
		return fmt.Errorf("%w: readings table is missing", ErrSchemaMismatch)
	}
	for name, want := range expectedColumns {
		got, ok := found[name]
		if !ok {
			return fmt.Errorf("%w: column %s is missing", ErrSchemaMismatch, name)
		}
		if got != want {
			return fmt.Errorf("%w: column %s is %s (not null %v), want %s (not null %v)",
				ErrSchemaMismatch, name, got.typ, got.notNull, want.typ, want.notNull)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(s scanner) (types.Reading, error) {
	var (
		rec    types.Reading
		ts     int64
		energy sql.NullFloat64
		raw    []byte
	)
	if err := s.Scan(&rec.DeviceID, &ts, &rec.PowerWatts, &energy, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Reading{}, err
		}
		return types.Reading{}, fmt.Errorf("scan reading: %w", classify(err))
	}
	rec.Timestamp = fromMillis(ts)
	if energy.Valid {
		rec.EnergyWh = types.Float64(energy.Float64)
	}
	if len(raw) > 0 {
		rec.RawPayload = raw
	}
	return rec, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// classify maps driver errors onto the store's sentinels. The original error
// stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen,
			sqlite3.ErrFull, sqlite3.ErrProtocol, sqlite3.ErrNotADB, sqlite3.ErrReadonly:
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) ||
		strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return err
}
