package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

var ErrNotFound = errors.New("not found")

const selectDevices = `
	SELECT address, status, last_accessed, last_update,
		cam1_position, cam1_status, cam1_last_captured,
		cam2_position, cam2_status, cam2_last_captured
	FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (fleet.Record, error) {
	var (
		record                         fleet.Record
		status, lastAccessed           string
		lastUpdate                     sql.NullString
		cam1Pos, cam1Status, cam1Taken sql.NullString
		cam2Pos, cam2Status, cam2Taken sql.NullString
	)
	if err := row.Scan(&record.Address, &status, &lastAccessed, &lastUpdate,
		&cam1Pos, &cam1Status, &cam1Taken,
		&cam2Pos, &cam2Status, &cam2Taken); err != nil {
		return fleet.Record{}, err
	}
	record.Status = fleet.ParseStatus(status)
	if ts, err := time.Parse(time.RFC3339Nano, lastAccessed); err == nil {
		record.LastAccessed = ts
	}
	record.LastUpdate = str(lastUpdate)
	record.Camera1 = fleet.Camera{
		Position:     str(cam1Pos),
		Status:       fleet.CameraStatus(str(cam1Status)),
		LastCaptured: toTimePtr(cam1Taken),
	}
	record.Camera2 = fleet.Camera{
		Position:     str(cam2Pos),
		Status:       fleet.CameraStatus(str(cam2Status)),
		LastCaptured: toTimePtr(cam2Taken),
	}
	return record, nil
}

func (r *Repository) LoadDevice(ctx context.Context, address string) (fleet.Record, error) {
	return loadDevice(ctx, r.db, address)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadDevice(ctx context.Context, q queryer, address string) (fleet.Record, error) {
	record, err := scanDevice(q.QueryRowContext(ctx, selectDevices+` WHERE address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Record{}, ErrNotFound
	}
	return record, err
}

func (r *Repository) LoadAllDevices(ctx context.Context) (map[string]fleet.Record, error) {
	rows, err := r.db.QueryContext(ctx, selectDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]fleet.Record{}
	for rows.Next() {
		record, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result[record.Address] = record
	}
	return result, rows.Err()
}

func (r *Repository) LoadDevices(ctx context.Context, addresses []string) (map[string]fleet.Record, error) {
	result := map[string]fleet.Record{}
	if len(addresses) == 0 {
		return result, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addresses)), ",")
	args := make([]any, 0, len(addresses))
	for _, address := range addresses {
		args = append(args, address)
	}
	rows, err := r.db.QueryContext(ctx, selectDevices+` WHERE address IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result[record.Address] = record
	}
	return result, rows.Err()
}

// MergeDevice reads the current row, applies merge and writes the result in
// one transaction.
func (r *Repository) MergeDevice(ctx context.Context, address string, merge func(fleet.Record, bool) fleet.Record) (fleet.Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fleet.Record{}, err
	}
	defer tx.Rollback()

	current, err := loadDevice(ctx, tx, address)
	found := true
	if errors.Is(err, ErrNotFound) {
		current = fleet.Record{Address: address}
		found = false
	} else if err != nil {
		return fleet.Record{}, err
	}

	next := merge(current, found)
	next.Address = address
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (address, status, last_accessed, last_update,
			cam1_position, cam1_status, cam1_last_captured,
			cam2_position, cam2_status, cam2_last_captured)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			status=excluded.status,
			last_accessed=excluded.last_accessed,
			last_update=excluded.last_update,
			cam1_position=excluded.cam1_position,
			cam1_status=excluded.cam1_status,
			cam1_last_captured=excluded.cam1_last_captured,
			cam2_position=excluded.cam2_position,
			cam2_status=excluded.cam2_status,
			cam2_last_captured=excluded.cam2_last_captured`,
		next.Address,
		next.Status.String(),
		next.LastAccessed.Format(time.RFC3339Nano),
		nullable(next.LastUpdate),
		nullable(next.Camera1.Position),
		nullable(string(next.Camera1.Status)),
		fromTimePtr(next.Camera1.LastCaptured),
		nullable(next.Camera2.Position),
		nullable(string(next.Camera2.Status)),
		fromTimePtr(next.Camera2.LastCaptured),
	); err != nil {
		return fleet.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return fleet.Record{}, err
	}
	return next, nil
}
