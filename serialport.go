package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// Port is the minimal surface the link needs from a serial device
type Port interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens (or reopens) the actuator port
type PortOpener func() (Port, error)

// PortOptions describes the UART parameters of the actuator controller
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Normalize validates the options and applies defaults for any unset values
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate < 0 {
		return opts, fmt.Errorf("invalid baud rate %d: must be positive", opts.BaudRate)
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 9600
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

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the serial.Mode used to open a port
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}

	switch opts.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}

// SerialOpener returns a PortOpener for a real serial device
func SerialOpener(path string, opts PortOptions) PortOpener {
	return func() (Port, error) {
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
		}
		return port, nil
	}
}

// ListSerialPorts returns the serial devices visible to the host
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// dryRunPort logs every command instead of writing to hardware. Reads
// block until the port is closed.
type dryRunPort struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// DryRunOpener returns a PortOpener whose port only logs what it is sent
func DryRunOpener() PortOpener {
	return func() (Port, error) {
		return &dryRunPort{done: make(chan struct{})}, nil
	}
}

func (p *dryRunPort) Read(b []byte) (int, error) {
	<-p.done
	return 0, io.EOF
}

func (p *dryRunPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrLinkClosed
	}
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		logDebugf("[DRY-RUN] TX %q", line)
	}
	return len(b), nil
}

func (p *dryRunPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}
