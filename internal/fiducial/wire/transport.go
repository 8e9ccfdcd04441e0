package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultPort is the sink's usual TCP port.
const DefaultPort = 9090

// DialTimeout bounds TCP connection setup.
var DialTimeout = 5 * time.Second

// DialTCP connects to a sink listening on addr. A missing port defaults to
// DefaultPort.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial sink %s: %w", addr, err)
	}
	return conn, nil
}

// PortOptions describes the serial line used for a serial sink.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in defaults (115200 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.TrimSpace(strings.ToUpper(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits, StopBits: serial.OneStopBit}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// openPort is replaced in tests.
var openPort = func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(path, mode)
}

// OpenSerial opens a serial sink.
func OpenSerial(path string, opts PortOptions) (io.ReadWriteCloser, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial sink %s: %w", path, err)
	}
	return port, nil
}

// Dial opens a sink from a target string:
//
//	tcp://host:port
//	host:port
//	serial:///dev/ttyUSB0?baud=115200&parity=N
func Dial(ctx context.Context, target string) (io.WriteCloser, error) {
	if !strings.Contains(target, "://") {
		return DialTCP(ctx, target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse sink target %q: %w", target, err)
	}
	switch u.Scheme {
	case "tcp":
		return DialTCP(ctx, u.Host)
	case "serial":
		opts, err := portOptionsFromQuery(u.Query())
		if err != nil {
			return nil, err
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("serial sink target %q has no device path", target)
		}
		return OpenSerial(path, opts)
	default:
		return nil, fmt.Errorf("unsupported sink scheme %q", u.Scheme)
	}
}

func portOptionsFromQuery(q url.Values) (PortOptions, error) {
	var opts PortOptions
	ints := []struct {
		key string
		dst *int
	}{
		{"baud", &opts.BaudRate},
		{"data_bits", &opts.DataBits},
		{"stop_bits", &opts.StopBits},
	}
	for _, f := range ints {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q: %w", f.key, v, err)
		}
		*f.dst = n
	}
	opts.Parity = q.Get("parity")
	return opts.Normalize()
}
