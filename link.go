package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

var (
	ErrWriteFailed   = errors.New("short write to actuator link")
	ErrWriteTimeout  = errors.New("actuator link write timed out")
	ErrLinkClosed    = errors.New("actuator link is not open")
	ErrLinkQueueFull = errors.New("actuator link queue is full")
)

// Link transmits encoded step commands to the actuator controller on its own
// goroutine. Writes are bounded by a timeout; failures are reported on the
// Failures channel and latch the link until Reopen. Lines the firmware sends
// back are logged as they arrive.
type Link struct {
	open    PortOpener
	encoder Encoder
	timeout time.Duration

	queue    chan StepCommand
	failures chan error

	reopenMu sync.Mutex

	mu        sync.Mutex
	port      Port
	broken    bool
	lastSent  time.Time
	sent      uint64
	received  uint64
	lastReply string
}

// NewLink opens the port and prepares the transmit queue
func NewLink(open PortOpener, encoder Encoder, timeout time.Duration, queueSize int) (*Link, error) {
	if queueSize <= 0 {
		queueSize = 32
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	l := &Link{
		open:     open,
		encoder:  encoder,
		timeout:  timeout,
		queue:    make(chan StepCommand, queueSize),
		failures: make(chan error, 4),
	}
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open actuator link: %w", err)
	}
	l.port = port
	go l.receive(port)
	return l, nil
}

// Enqueue hands a command to the transmitter without blocking. The state
// check and the send share one critical section so Reopen cannot miss a
// command bound for the old port.
func (l *Link) Enqueue(cmd StepCommand) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken || l.port == nil {
		return ErrLinkClosed
	}

	select {
	case l.queue <- cmd:
		return nil
	default:
		return ErrLinkQueueFull
	}
}

// Failures delivers asynchronous transmit errors
func (l *Link) Failures() <-chan error {
	return l.failures
}

// LastSent returns the time of the last successful write
func (l *Link) LastSent() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSent
}

// Sent returns the number of commands written successfully
func (l *Link) Sent() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Received returns the number of reply lines read from the firmware
func (l *Link) Received() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}

// LastReply returns the most recent reply line from the firmware
func (l *Link) LastReply() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReply
}

// Run drains the queue until ctx is cancelled
func (l *Link) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.queue:
			l.transmit(cmd)
		}
	}
}

func (l *Link) transmit(cmd StepCommand) {
	data := l.encoder.Encode(cmd)
	if len(data) == 0 {
		return
	}

	l.mu.Lock()
	port, broken := l.port, l.broken
	l.mu.Unlock()
	if broken || port == nil {
		// Discard until reopened; the failure was already reported
		return
	}

	if err := l.writeWithTimeout(port, data); err != nil {
		l.fail(port, err)
		return
	}

	l.mu.Lock()
	l.lastSent = time.Now()
	l.sent++
	l.mu.Unlock()
}

func (l *Link) writeWithTimeout(port Port, data []byte) error {
	done := make(chan error, 1)
	go func() {
		n, err := port.Write(data)
		if err == nil && n != len(data) {
			err = ErrWriteFailed
		}
		done <- err
	}()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrWriteTimeout, l.timeout)
	}
}

// fail latches the link unless port was already replaced by Reopen
func (l *Link) fail(port Port, err error) {
	l.mu.Lock()
	if l.port != port {
		l.mu.Unlock()
		return
	}
	l.broken = true
	l.mu.Unlock()

	log.Printf("[LINK] Transmit failed: %v", err)
	select {
	case l.failures <- err:
	default:
		// Already latched, a pending failure is enough
	}
}

// receive logs reply lines from port until it is closed or replaced
func (l *Link) receive(port Port) {
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}

		l.mu.Lock()
		current := l.port == port
		if current {
			l.received++
			l.lastReply = line
		}
		l.mu.Unlock()
		if !current {
			return
		}
		log.Printf("[LINK] RX %q", line)
	}
	if err := scan.Err(); err != nil {
		logDebugf("[LINK] Receive stopped: %v", err)
	}
}

// Reopen closes the current port, opens a fresh one and discards queued
// commands. It blocks on device I/O and must not run on the control loop.
// Concurrent calls are serialized.
func (l *Link) Reopen() error {
	l.reopenMu.Lock()
	defer l.reopenMu.Unlock()

	l.mu.Lock()
	old := l.port
	l.port = nil
	l.broken = true
	l.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Printf("[LINK] Warning: failed to close port before reopen: %v", err)
		}
	}

	port, err := l.open()
	if err != nil {
		return fmt.Errorf("failed to reopen actuator link: %w", err)
	}

	// Enqueue refuses new commands while broken, so the drain terminates
	for drained := false; !drained; {
		select {
		case <-l.queue:
		case <-l.failures:
		default:
			drained = true
		}
	}

	l.mu.Lock()
	l.port = port
	l.broken = false
	l.mu.Unlock()
	go l.receive(port)

	log.Printf("[LINK] Actuator link reopened")
	return nil
}

// Close closes the underlying port
func (l *Link) Close() error {
	l.reopenMu.Lock()
	defer l.reopenMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken = true
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}

// WriteDirect encodes and writes a command synchronously, bypassing the
// queue. Used by the startup self-test only.
func (l *Link) WriteDirect(cmd StepCommand) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return ErrLinkClosed
	}
	data := l.encoder.Encode(cmd)
	if len(data) == 0 {
		return nil
	}
	return l.writeWithTimeout(port, data)
}
