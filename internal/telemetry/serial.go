package telemetry

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"
)

type SerialConfig struct {
	Port     string
	BaudRate uint
	Sections Sections
}

var openSerialFn = serial.Open

// SerialSink writes the text report to a UART.
type SerialSink struct {
	port     io.WriteCloser
	name     string
	sections Sections
	buf      []byte
}

func OpenSerial(cfg SerialConfig) (*SerialSink, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("telemetry: serial port is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	port, err := openSerialFn(serial.OpenOptions{
		PortName:        cfg.Port,
		BaudRate:        cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	return &SerialSink{port: port, name: "serial:" + cfg.Port, sections: cfg.Sections}, nil
}

func (s *SerialSink) Name() string { return s.name }

func (s *SerialSink) Send(r Readings) error {
	s.buf = AppendText(s.buf[:0], r, s.sections)
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.port.Write(s.buf)
	return err
}

func (s *SerialSink) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
