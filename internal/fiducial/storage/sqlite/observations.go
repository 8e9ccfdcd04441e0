package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Observation is one marker sighting in one frame.
type Observation struct {
	SessionID       string     `json:"session_id"`
	Tick            uint64     `json:"tick"`
	CapturedAt      time.Time  `json:"captured_at"`
	DeviceTimestamp int64      `json:"device_ts"`
	MarkerID        int        `json:"marker_id"`
	Translation     mgl64.Vec3 `json:"translation"`
	Rodrigues       mgl64.Vec3 `json:"rodrigues"`
	WorldPosition   mgl64.Vec3 `json:"world_position"`
	// WorldRotation is stored as w, x, y, z.
	WorldRotation mgl64.Quat `json:"-"`
	LowConfidence bool       `json:"low_confidence"`
}

// InsertObservations writes a batch in one transaction.
func (s *Store) InsertObservations(ctx context.Context, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin observation batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO marker_observations (
			session_id, tick, captured_at_ns, device_ts, marker_id,
			cam_x, cam_y, cam_z, rvec_x, rvec_y, rvec_z,
			world_x, world_y, world_z, quat_w, quat_x, quat_y, quat_z,
			low_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare observation insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		t, r, w, q := o.Translation, o.Rodrigues, o.WorldPosition, o.WorldRotation
		_, err := stmt.ExecContext(ctx,
			o.SessionID, int64(o.Tick), o.CapturedAt.UnixNano(), o.DeviceTimestamp, o.MarkerID,
			t[0], t[1], t[2], r[0], r[1], r[2],
			w[0], w[1], w[2], q.W, q.V[0], q.V[1], q.V[2],
			o.LowConfidence,
		)
		if err != nil {
			return fmt.Errorf("insert observation of marker %d: %w", o.MarkerID, err)
		}
	}
	return tx.Commit()
}

// ObservationFilter narrows ListObservations. Zero values match everything.
type ObservationFilter struct {
	SessionID string
	// MarkerID filters by marker when HasMarker is set.
	MarkerID  int
	HasMarker bool
	// Limit caps the result to the most recent rows.
	Limit int
}

// ListObservations returns matching observations in tick order.
func (s *Store) ListObservations(ctx context.Context, f ObservationFilter) ([]Observation, error) {
	query := `SELECT session_id, tick, captured_at_ns, device_ts, marker_id,
		cam_x, cam_y, cam_z, rvec_x, rvec_y, rvec_z,
		world_x, world_y, world_z, quat_w, quat_x, quat_y, quat_z, low_confidence
		FROM marker_observations WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.HasMarker {
		query += ` AND marker_id = ?`
		args = append(args, f.MarkerID)
	}
	query += ` ORDER BY observation_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			o        Observation
			tick, ns int64
		)
		t, r, w := &o.Translation, &o.Rodrigues, &o.WorldPosition
		q := &o.WorldRotation
		if err := rows.Scan(&o.SessionID, &tick, &ns, &o.DeviceTimestamp, &o.MarkerID,
			&t[0], &t[1], &t[2], &r[0], &r[1], &r[2],
			&w[0], &w[1], &w[2], &q.W, &q.V[0], &q.V[1], &q.V[2], &o.LowConfidence); err != nil {
			return nil, err
		}
		o.Tick = uint64(tick)
		o.CapturedAt = time.Unix(0, ns)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows were read newest first so LIMIT keeps the most recent.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TrailPoint is a world position at a tick.
type TrailPoint struct {
	Tick     uint64
	Position mgl64.Vec3
}

// MarkerTrail returns the recent world positions of one marker in a session.
func (s *Store) MarkerTrail(ctx context.Context, sessionID string, markerID, limit int) ([]TrailPoint, error) {
	obs, err := s.ListObservations(ctx, ObservationFilter{
		SessionID: sessionID, MarkerID: markerID, HasMarker: true, Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	trail := make([]TrailPoint, len(obs))
	for i, o := range obs {
		trail[i] = TrailPoint{Tick: o.Tick, Position: o.WorldPosition}
	}
	return trail, nil
}

// CountObservations returns the number of stored observations in a session.
func (s *Store) CountObservations(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM marker_observations WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
