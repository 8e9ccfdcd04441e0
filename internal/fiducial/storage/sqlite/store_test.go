package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/capture"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/transform"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Reopening is a no-op migration.
	require.NoError(t, s.MigrateUp())

	require.NoError(t, s.MigrateDown())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
	require.NoError(t, s.MigrateUp())
}

func TestSessions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.StartSession(ctx, Session{
		StartedAt:  time.Unix(100, 0),
		Camera:     "photo_video",
		Dictionary: "DICT_6X6_250",
		MarkerSize: 0.08,
		Profile:    "HL2_896x504",
	})
	require.NoError(t, err)
	assert.Len(t, first.ID, 36)

	second, err := s.StartSession(ctx, Session{StartedAt: time.Unix(200, 0), Camera: "left_front", Dictionary: "DICT_4X4_50", MarkerSize: 0.1})
	require.NoError(t, err)

	require.NoError(t, s.EndSession(ctx, first.ID, time.Unix(150, 0)))
	assert.ErrorIs(t, s.EndSession(ctx, "missing", time.Now()), ErrSessionNotFound)

	got, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, time.Unix(150, 0), *got.EndedAt)
	assert.Equal(t, first.StartedAt, got.StartedAt)
	assert.Equal(t, "HL2_896x504", got.Profile)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")
	assert.Nil(t, all[0].EndedAt)
}

func sampleObservation(session string, tick uint64, id int, x float64) Observation {
	return Observation{
		SessionID:     session,
		Tick:          tick,
		CapturedAt:    time.Unix(0, int64(tick)*33_000_000),
		MarkerID:      id,
		Translation:   mgl64.Vec3{x, 0, 0.5},
		Rodrigues:     mgl64.Vec3{3.14, 0, 0},
		WorldPosition: mgl64.Vec3{x, 1, -0.5},
		WorldRotation: mgl64.QuatRotate(0.3, mgl64.Vec3{0, 1, 0}),
		LowConfidence: tick%2 == 0,
	}
}

func TestObservations(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, Session{Camera: "photo_video", Dictionary: "DICT_4X4_50", MarkerSize: 0.1})
	require.NoError(t, err)

	var batch []Observation
	for tick := uint64(1); tick <= 5; tick++ {
		batch = append(batch, sampleObservation(sess.ID, tick, 7, float64(tick)/10))
		batch = append(batch, sampleObservation(sess.ID, tick, 9, -float64(tick)/10))
	}
	require.NoError(t, s.InsertObservations(ctx, batch))
	require.NoError(t, s.InsertObservations(ctx, nil))

	n, err := s.CountObservations(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	all, err := s.ListObservations(ctx, ObservationFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, all, 10)
	assert.Equal(t, batch[0], all[0])

	trail, err := s.MarkerTrail(ctx, sess.ID, 7, 3)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{trail[0].Tick, trail[1].Tick, trail[2].Tick})
	assert.InDelta(t, 0.5, trail[2].Position.X(), 1e-12)
}

func TestObservations_UnknownSessionRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	err := s.InsertObservations(context.Background(), []Observation{sampleObservation("nope", 1, 1, 0)})
	assert.Error(t, err, "foreign key enforced")
}

func TestIntrinsicsPersistence(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	c := intrinsics.CameraIntrinsics{
		FocalLength:          [2]float64{1000, 1001},
		PrincipalPoint:       [2]float64{448, 252},
		RadialDistortion:     [3]float64{0.1, -0.05, 0.001},
		TangentialDistortion: [2]float64{0.001, -0.002},
	}
	require.NoError(t, s.SaveIntrinsics(ctx, intrinsics.CameraPhotoVideo, c))
	c.FocalLength[0] = 990
	require.NoError(t, s.SaveIntrinsics(ctx, intrinsics.CameraPhotoVideo, c))
	assert.Error(t, s.SaveIntrinsics(ctx, intrinsics.CameraLeftFront, intrinsics.CameraIntrinsics{}))

	got, err := s.LoadIntrinsics(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[intrinsics.Camera]intrinsics.CameraIntrinsics{intrinsics.CameraPhotoVideo: c}, got)

	store := intrinsics.NewStore()
	n, err := s.RestoreIntrinsics(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restored, err := store.Get(intrinsics.CameraPhotoVideo)
	require.NoError(t, err)
	assert.Equal(t, c, restored)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, Session{Camera: "photo_video", Dictionary: "DICT_4X4_50", MarkerSize: 0.1})
	require.NoError(t, err)

	rec := NewRecorder(s, sess.ID, 8)
	res := pipeline.FrameResult{
		Tick:  4,
		Frame: capture.Frame{Timestamp: time.Unix(10, 0), DeviceTimestamp: 1234},
		Detections: []detect.DetectedMarker{
			{ID: 2, Translation: mgl64.Vec3{0.1, 0.2, 0.9}, Rodrigues: mgl64.Vec3{3, 0, 0}},
		},
		World: []pipeline.WorldMarker{{
			ID:      2,
			Pose:    geom.Pose{Position: mgl64.Vec3{0.1, -0.2, -0.9}, Rotation: mgl64.QuatIdent(), Space: geom.SpaceWorld},
			Quality: transform.QualityLowConfidence,
		}},
	}
	rec.ObserveFrame(ctx, res)
	rec.ObserveFrame(ctx, pipeline.FrameResult{Tick: 5})
	rec.Close()
	rec.Close()
	rec.ObserveFrame(ctx, res)

	assert.Equal(t, uint64(1), rec.Written())
	assert.Equal(t, uint64(1), rec.Dropped())

	obs, err := s.ListObservations(ctx, ObservationFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, int64(1234), obs[0].DeviceTimestamp)
	assert.Equal(t, mgl64.Vec3{0.1, 0.2, 0.9}, obs[0].Translation)
	assert.True(t, obs[0].LowConfidence)
	assert.Equal(t, uint64(4), obs[0].Tick)
}
