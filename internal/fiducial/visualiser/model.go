package visualiser

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/registry"
)

// MarkerFrame is one registry snapshot as streamed to clients.
type MarkerFrame struct {
	Seq            uint64
	Tick           uint64
	TimestampNanos int64
	// Version is the registry version the frame was built from.
	Version uint64
	Markers []MarkerState
	Evicted []int
}

// MarkerState is the smoothed world pose of one marker.
type MarkerState struct {
	ID              int
	Position        mgl64.Vec3
	Rotation        mgl64.Quat
	Observations    int
	LowConfidence   bool
	FirstSeenTick   uint64
	LastUpdatedTick uint64
}

// FrameFromSnapshot converts a registry snapshot.
func FrameFromSnapshot(tick uint64, tsNanos int64, snap registry.Snapshot, evicted []int) *MarkerFrame {
	f := &MarkerFrame{
		Tick:           tick,
		TimestampNanos: tsNanos,
		Version:        snap.Version,
		Markers:        make([]MarkerState, 0, snap.Len()),
		Evicted:        evicted,
	}
	for e := range snap.All() {
		f.Markers = append(f.Markers, MarkerState{
			ID:              e.ID,
			Position:        e.WorldPose.Position,
			Rotation:        e.WorldPose.Rotation,
			Observations:    e.Observations,
			LowConfidence:   e.LowConfidence,
			FirstSeenTick:   e.FirstSeenTick,
			LastUpdatedTick: e.LastUpdatedTick,
		})
	}
	return f
}

// filter returns a copy of f restricted to ids. An empty set keeps all.
func (f *MarkerFrame) filter(ids map[int]bool) *MarkerFrame {
	if len(ids) == 0 {
		return f
	}
	out := *f
	out.Markers = nil
	for _, m := range f.Markers {
		if ids[m.ID] {
			out.Markers = append(out.Markers, m)
		}
	}
	return &out
}

// ToStruct encodes the frame as a protobuf Struct. Integers travel as
// numbers, so values above 2^53 lose precision.
func (f *MarkerFrame) ToStruct() (*structpb.Struct, error) {
	markers := make([]any, 0, len(f.Markers))
	for _, m := range f.Markers {
		markers = append(markers, map[string]any{
			"id":                m.ID,
			"position":          []any{m.Position[0], m.Position[1], m.Position[2]},
			"rotation":          []any{m.Rotation.W, m.Rotation.V[0], m.Rotation.V[1], m.Rotation.V[2]},
			"observations":      m.Observations,
			"low_confidence":    m.LowConfidence,
			"first_seen_tick":   float64(m.FirstSeenTick),
			"last_updated_tick": float64(m.LastUpdatedTick),
		})
	}
	evicted := make([]any, 0, len(f.Evicted))
	for _, id := range f.Evicted {
		evicted = append(evicted, id)
	}
	return structpb.NewStruct(map[string]any{
		"seq":       float64(f.Seq),
		"tick":      float64(f.Tick),
		"timestamp": float64(f.TimestampNanos),
		"version":   float64(f.Version),
		"markers":   markers,
		"evicted":   evicted,
	})
}

// FrameFromStruct decodes a frame produced by ToStruct.
func FrameFromStruct(s *structpb.Struct) (*MarkerFrame, error) {
	if s == nil {
		return nil, fmt.Errorf("nil frame")
	}
	fields := s.GetFields()
	f := &MarkerFrame{
		Seq:            uint64(fields["seq"].GetNumberValue()),
		Tick:           uint64(fields["tick"].GetNumberValue()),
		TimestampNanos: int64(fields["timestamp"].GetNumberValue()),
		Version:        uint64(fields["version"].GetNumberValue()),
	}
	for i, v := range fields["markers"].GetListValue().GetValues() {
		mf := v.GetStructValue().GetFields()
		pos := mf["position"].GetListValue().GetValues()
		rot := mf["rotation"].GetListValue().GetValues()
		if len(pos) != 3 || len(rot) != 4 {
			return nil, fmt.Errorf("marker %d: malformed pose", i)
		}
		f.Markers = append(f.Markers, MarkerState{
			ID:       int(mf["id"].GetNumberValue()),
			Position: mgl64.Vec3{pos[0].GetNumberValue(), pos[1].GetNumberValue(), pos[2].GetNumberValue()},
			Rotation: mgl64.Quat{
				W: rot[0].GetNumberValue(),
				V: mgl64.Vec3{rot[1].GetNumberValue(), rot[2].GetNumberValue(), rot[3].GetNumberValue()},
			},
			Observations:    int(mf["observations"].GetNumberValue()),
			LowConfidence:   mf["low_confidence"].GetBoolValue(),
			FirstSeenTick:   uint64(mf["first_seen_tick"].GetNumberValue()),
			LastUpdatedTick: uint64(mf["last_updated_tick"].GetNumberValue()),
		})
	}
	for _, v := range fields["evicted"].GetListValue().GetValues() {
		f.Evicted = append(f.Evicted, int(v.GetNumberValue()))
	}
	return f, nil
}
