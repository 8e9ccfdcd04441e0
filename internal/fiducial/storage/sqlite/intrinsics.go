package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
)

// SaveIntrinsics stores the calibration for cam, replacing any previous one.
func (s *Store) SaveIntrinsics(ctx context.Context, cam intrinsics.Camera, c intrinsics.CameraIntrinsics) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO camera_intrinsics (camera, intrinsics_json, updated_at_ns) VALUES (?, ?, ?)
		ON CONFLICT (camera) DO UPDATE SET intrinsics_json = excluded.intrinsics_json, updated_at_ns = excluded.updated_at_ns`,
		cam.String(), string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save intrinsics for %s: %w", cam, err)
	}
	return nil
}

// LoadIntrinsics returns every stored calibration. Rows for unknown cameras
// are skipped.
func (s *Store) LoadIntrinsics(ctx context.Context) (map[intrinsics.Camera]intrinsics.CameraIntrinsics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT camera, intrinsics_json FROM camera_intrinsics`)
	if err != nil {
		return nil, fmt.Errorf("load intrinsics: %w", err)
	}
	defer rows.Close()

	out := make(map[intrinsics.Camera]intrinsics.CameraIntrinsics)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		cam, err := intrinsics.ParseCamera(name)
		if err != nil {
			continue
		}
		var c intrinsics.CameraIntrinsics
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode intrinsics for %s: %w", name, err)
		}
		out[cam] = c
	}
	return out, rows.Err()
}

// RestoreIntrinsics loads stored calibrations into store.
func (s *Store) RestoreIntrinsics(ctx context.Context, store *intrinsics.Store) (int, error) {
	all, err := s.LoadIntrinsics(ctx)
	if err != nil {
		return 0, err
	}
	for cam, c := range all {
		if err := store.Set(cam, c); err != nil {
			return 0, err
		}
	}
	return len(all), nil
}
