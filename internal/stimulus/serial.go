package stimulus

import (
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/rjboer/tracecap/internal/logging"
)

// Defaults for the microcontroller line.
const (
	DefaultDevice = "/dev/ttyACM0"
	DefaultBaud   = 9600
)

// WriterTarget writes payloads verbatim to an io.Writer, normally a serial
// port. Nothing is read back.
type WriterTarget struct {
	w   io.Writer
	log logging.Logger
}

// NewWriterTarget wraps w.
func NewWriterTarget(w io.Writer, log logging.Logger) *WriterTarget {
	if log == nil {
		log = logging.Default()
	}
	return &WriterTarget{w: w, log: log.With(logging.Field{Key: "subsystem", Value: "stimulus"})}
}

// Send writes the whole payload.
func (t *WriterTarget) Send(payload string) error {
	n, err := io.WriteString(t.w, payload)
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if n != len(payload) {
		return fmt.Errorf("write payload: short write %d of %d bytes", n, len(payload))
	}
	t.log.Debug("payload sent", logging.Field{Key: "payload", Value: payload})
	return nil
}

// SerialTarget owns an open serial port.
type SerialTarget struct {
	*WriterTarget
	port serial.Port
}

// OpenSerial opens device at baud, 8N1, for writing payloads.
func OpenSerial(device string, baud int, log logging.Logger) (*SerialTarget, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	if log == nil {
		log = logging.Default()
	}
	log.Info("serial target open",
		logging.Field{Key: "device", Value: device},
		logging.Field{Key: "baud", Value: baud},
	)
	return &SerialTarget{WriterTarget: NewWriterTarget(port, log), port: port}, nil
}

// Close drains pending output and closes the port.
func (s *SerialTarget) Close() error {
	if err := s.port.Drain(); err != nil {
		s.port.Close()
		return fmt.Errorf("drain serial: %w", err)
	}
	return s.port.Close()
}
