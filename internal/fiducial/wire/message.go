// Package wire implements the byte protocol used to stream marker data and
// camera frames to an external sink.
//
// Every message starts with a one-byte kind tag:
//
//	'm'  UTF-8 marker text (unframed)
//	'p'  int32 length, int64 timestamp, payload
//	'f'  int32 combined length, int64 left ts, int64 right ts, left||right
//
// Integers are big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
)

// Kind is the leading tag byte of a message.
type Kind byte

const (
	KindMarker Kind = 'm'
	KindImage  Kind = 'p'
	KindStereo Kind = 'f'
)

func (k Kind) String() string {
	switch k {
	case KindMarker, KindImage, KindStereo:
		return string(rune(k))
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

var (
	// ErrPayloadTooLarge is returned when a payload does not fit the int32
	// length field or exceeds a decoder's limit.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	// ErrStereoMismatch is returned when the two halves of a stereo message
	// differ in length.
	ErrStereoMismatch = errors.New("wire: stereo halves differ in length")
)

// Message is one of MarkerMessage, ImageMessage or StereoMessage.
type Message interface {
	Kind() Kind
	appendTo(dst []byte) ([]byte, error)
}

// MarkerMessage carries one detection in the text form expected by sinks.
type MarkerMessage struct {
	ID          int
	Translation mgl64.Vec3
	Rodrigues   mgl64.Vec3
}

// MarkerFromDetection builds the wire form of a camera-space detection.
func MarkerFromDetection(m detect.DetectedMarker) MarkerMessage {
	return MarkerMessage{ID: m.ID, Translation: m.Translation, Rodrigues: m.Rodrigues}
}

func (MarkerMessage) Kind() Kind { return KindMarker }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Text renders the message body without the kind tag.
func (m MarkerMessage) Text() string {
	var b strings.Builder
	b.WriteString("Marker [")
	b.WriteString(strconv.Itoa(m.ID))
	b.WriteString("] \ntranslation (XYZ): ")
	for _, v := range m.Translation {
		b.WriteString(formatFloat(v))
		b.WriteByte(' ')
	}
	b.WriteString("\nrotation (Rodrigues XYZ): ")
	for i, v := range m.Rodrigues {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(formatFloat(v))
	}
	return b.String()
}

func (m MarkerMessage) appendTo(dst []byte) ([]byte, error) {
	for _, v := range append(m.Translation[:], m.Rodrigues[:]...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return dst, fmt.Errorf("wire: marker %d has non-finite component", m.ID)
		}
	}
	dst = append(dst, byte(KindMarker))
	return append(dst, m.Text()...), nil
}

// ImageMessage carries one raw frame buffer.
type ImageMessage struct {
	Timestamp int64
	Data      []byte
}

func (ImageMessage) Kind() Kind { return KindImage }

func (m ImageMessage) appendTo(dst []byte) ([]byte, error) {
	if len(m.Data) > math.MaxInt32 {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, byte(KindImage))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Data)))
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.Timestamp))
	return append(dst, m.Data...), nil
}

// StereoMessage carries a left/right pair of equally sized frame buffers.
type StereoMessage struct {
	LeftTimestamp  int64
	RightTimestamp int64
	Left           []byte
	Right          []byte
}

func (StereoMessage) Kind() Kind { return KindStereo }

func (m StereoMessage) appendTo(dst []byte) ([]byte, error) {
	if len(m.Left) != len(m.Right) {
		return dst, ErrStereoMismatch
	}
	if len(m.Left)+len(m.Right) > math.MaxInt32 {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, byte(KindStereo))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Left)+len(m.Right)))
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.LeftTimestamp))
	dst = binary.BigEndian.AppendUint64(dst, uint64(m.RightTimestamp))
	dst = append(dst, m.Left...)
	return append(dst, m.Right...), nil
}

// Append appends the encoded message to dst.
func Append(dst []byte, m Message) ([]byte, error) {
	if m == nil {
		return dst, errors.New("wire: nil message")
	}
	return m.appendTo(dst)
}

// Encode writes one message to w in a single Write call.
func Encode(w io.Writer, m Message) error {
	buf, err := Append(nil, m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
