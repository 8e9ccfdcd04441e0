package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultMaxPayload bounds a single image payload. It fits two full
// resolution BGRA photo/video frames.
const DefaultMaxPayload = 2 * 2272 * 1278 * 4

// ErrMalformed is returned when the stream does not follow the protocol.
var ErrMalformed = errors.New("wire: malformed message")

// Decoder reads messages from a byte stream.
type Decoder struct {
	r *bufio.Reader
	// MaxPayload limits image payloads. Zero means DefaultMaxPayload.
	MaxPayload int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next message, or io.EOF at a clean end of stream.
//
// Marker text carries no length, so its last number ends at the next tag
// byte or at end of stream. A marker message is therefore only returned once
// the following byte has arrived.
func (d *Decoder) Next() (Message, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch Kind(tag) {
	case KindMarker:
		return d.readMarker()
	case KindImage:
		return d.readImage()
	case KindStereo:
		return d.readStereo()
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformed, tag)
	}
}

func (d *Decoder) limit() int {
	if d.MaxPayload > 0 {
		return d.MaxPayload
	}
	return DefaultMaxPayload
}

func (d *Decoder) readLength() (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, unexpected(err)
	}
	n := int32(binary.BigEndian.Uint32(b[:]))
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrMalformed, n)
	}
	if int(n) > d.limit() {
		return 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, n, d.limit())
	}
	return int(n), nil
}

func (d *Decoder) readInt64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, unexpected(err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (d *Decoder) readPayload(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

func (d *Decoder) readImage() (Message, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	ts, err := d.readInt64()
	if err != nil {
		return nil, err
	}
	data, err := d.readPayload(n)
	if err != nil {
		return nil, err
	}
	return ImageMessage{Timestamp: ts, Data: data}, nil
}

func (d *Decoder) readStereo() (Message, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	if n%2 != 0 {
		return nil, fmt.Errorf("%w: odd stereo length %d", ErrMalformed, n)
	}
	left, err := d.readInt64()
	if err != nil {
		return nil, err
	}
	right, err := d.readInt64()
	if err != nil {
		return nil, err
	}
	data, err := d.readPayload(n)
	if err != nil {
		return nil, err
	}
	return StereoMessage{
		LeftTimestamp:  left,
		RightTimestamp: right,
		Left:           data[:n/2:n/2],
		Right:          data[n/2:],
	}, nil
}

func (d *Decoder) expect(lit string) error {
	buf := make([]byte, len(lit))
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return unexpected(err)
	}
	if string(buf) != lit {
		return fmt.Errorf("%w: want %q, got %q", ErrMalformed, lit, buf)
	}
	return nil
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E'
}

// readToken reads number bytes. When last is false the token must be
// followed by a single space, which is consumed.
func (d *Decoder) readToken(last bool) (string, error) {
	var b strings.Builder
	for {
		c, err := d.r.ReadByte()
		if err == io.EOF && last && b.Len() > 0 {
			return b.String(), nil
		}
		if err != nil {
			return "", unexpected(err)
		}
		if isNumberByte(c) {
			b.WriteByte(c)
			continue
		}
		if b.Len() == 0 {
			return "", fmt.Errorf("%w: expected number, got %q", ErrMalformed, c)
		}
		if last {
			return b.String(), d.r.UnreadByte()
		}
		if c != ' ' {
			return "", fmt.Errorf("%w: expected space after %q, got %q", ErrMalformed, b.String(), c)
		}
		return b.String(), nil
	}
}

func (d *Decoder) readFloat(last bool) (float64, error) {
	tok, err := d.readToken(last)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func (d *Decoder) readMarker() (Message, error) {
	if err := d.expect("Marker ["); err != nil {
		return nil, err
	}
	idText, err := d.r.ReadString(']')
	if err != nil {
		return nil, unexpected(err)
	}
	id, err := strconv.Atoi(strings.TrimSuffix(idText, "]"))
	if err != nil {
		return nil, fmt.Errorf("%w: marker id %q", ErrMalformed, idText)
	}
	m := MarkerMessage{ID: id}
	if err := d.expect(" \ntranslation (XYZ): "); err != nil {
		return nil, err
	}
	for i := range 3 {
		if m.Translation[i], err = d.readFloat(false); err != nil {
			return nil, err
		}
	}
	if err := d.expect("\nrotation (Rodrigues XYZ): "); err != nil {
		return nil, err
	}
	for i := range 3 {
		if m.Rodrigues[i], err = d.readFloat(i == 2); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
