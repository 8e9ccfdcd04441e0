// Package sink connects the tracker to an external wire sink: forwarders
// observe processed frames and send them out, and Saver is the receiving
// end that writes what arrives to disk.
package sink

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/pipeline"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/wire"
)

// MessageSender is satisfied by *wire.Sender.
type MessageSender interface {
	SendAsync(m wire.Message) bool
	Busy() bool
}

// MarkerForwarder sends one 'm' message per detection. With a single
// outstanding send allowed, markers after the first in a frame are usually
// dropped by the sender unless the link is fast.
type MarkerForwarder struct {
	Sender MessageSender
	sent   atomic.Uint64
}

func (f *MarkerForwarder) ObserveFrame(_ context.Context, res pipeline.FrameResult) {
	for _, d := range res.Detections {
		if f.Sender.SendAsync(wire.MarkerFromDetection(d)) {
			f.sent.Add(1)
		}
	}
}

// Sent returns the number of marker messages accepted by the sender.
func (f *MarkerForwarder) Sent() uint64 { return f.sent.Load() }

// ImageForwarder sends the raw frame buffer of every Every-th frame: 'f' for
// stereo frames, 'p' otherwise.
type ImageForwarder struct {
	Sender MessageSender
	// Every forwards one frame in N. Values below 1 forward every frame.
	Every uint64
	sent  atomic.Uint64
}

func (f *ImageForwarder) ObserveFrame(_ context.Context, res pipeline.FrameResult) {
	if f.Every > 1 && res.Tick%f.Every != 0 {
		return
	}
	// Skip the copy into a wire buffer when it would be dropped anyway.
	if f.Sender.Busy() {
		return
	}
	fr := res.Frame
	if fr.Image.Validate() != nil {
		return
	}
	var msg wire.Message
	if fr.Secondary != nil {
		msg = wire.StereoMessage{
			LeftTimestamp:  fr.DeviceTimestamp,
			RightTimestamp: fr.SecondaryDeviceTimestamp,
			Left:           fr.Image.Pix,
			Right:          fr.Secondary.Pix,
		}
	} else {
		msg = wire.ImageMessage{Timestamp: fr.DeviceTimestamp, Data: fr.Image.Pix}
	}
	if f.Sender.SendAsync(msg) {
		f.sent.Add(1)
	}
}

// Sent returns the number of image messages accepted by the sender.
func (f *ImageForwarder) Sent() uint64 { return f.sent.Load() }
