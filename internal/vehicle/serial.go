// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	serial "github.com/jacobsa/go-serial/serial"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/relabs-tech/mocap_pilot/internal/logging"
)

const queueSize = 64

// SerialConfig describes the serial line to the radio bridge.
type SerialConfig struct {
	PortName string
	BaudRate int
}

// OpenSerial opens the bridge serial port and starts the link's reader and
// writer goroutines.
func OpenSerial(cfg SerialConfig) (Link, error) {
	opts := serial.OpenOptions{
		PortName:              cfg.PortName,
		BaudRate:              uint(cfg.BaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open vehicle serial port %s: %w", cfg.PortName, err)
	}
	log := logging.Named("vehicle")
	log.Infof("vehicle serial port opened on %s at %d baud", cfg.PortName, cfg.BaudRate)
	return newStreamLink(port, log), nil
}

// streamLink speaks the bridge framing over any byte stream. Sends only
// enqueue; a writer goroutine owns the stream's write side.
type streamLink struct {
	rw       io.ReadWriteCloser
	log      logging.Logger
	queue    chan []byte
	variance chan Variance
	done     chan struct{}
	writerWG sync.WaitGroup
	readerWG sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
	writeErr  atomic.Pointer[error]
	dropped   atomic.Uint64
}

func newStreamLink(rw io.ReadWriteCloser, log logging.Logger) *streamLink {
	l := &streamLink{
		rw:       rw,
		log:      log,
		queue:    make(chan []byte, queueSize),
		variance: make(chan Variance, 16),
		done:     make(chan struct{}),
	}
	l.writerWG.Add(1)
	go l.writeLoop()
	l.readerWG.Add(1)
	go l.readLoop()
	return l
}

func (l *streamLink) writeLoop() {
	defer l.writerWG.Done()
	for {
		select {
		case frame := <-l.queue:
			l.write(frame)
		case <-l.done:
			// flush whatever was queued before Close, e.g. the final stop
			for {
				select {
				case frame := <-l.queue:
					l.write(frame)
				default:
					return
				}
			}
		}
	}
}

func (l *streamLink) write(frame []byte) {
	if _, err := l.rw.Write(frame); err != nil {
		if l.writeErr.Load() == nil {
			l.log.Errorf("vehicle write error: %v", err)
		}
		err = fmt.Errorf("vehicle write: %w", err)
		l.writeErr.Store(&err)
	}
}

func (l *streamLink) readLoop() {
	defer l.readerWG.Done()
	defer close(l.variance)
	r := bufio.NewReader(l.rw)
	for {
		p, err := readPacket(r)
		if errors.Is(err, errChecksum) {
			l.log.Debugf("dropping corrupt frame from vehicle")
			continue
		}
		if err != nil {
			select {
			case <-l.done:
			default:
				if !errors.Is(err, io.EOF) {
					l.log.Warnf("vehicle read error: %v", err)
				}
			}
			return
		}
		if v, ok := decodeVariance(p); ok {
			select {
			case l.variance <- v:
			default:
			}
		}
	}
}

func (l *streamLink) send(p Packet, mayDrop bool) error {
	if errp := l.writeErr.Load(); errp != nil {
		return *errp
	}
	frame, err := p.Encode()
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if mayDrop {
		select {
		case l.queue <- frame:
			return nil
		default:
			l.dropped.Add(1)
			return ErrQueueFull
		}
	}
	select {
	case l.queue <- frame:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

func (l *streamLink) SetParameter(name, value string) error {
	p, err := paramPacket(name, value)
	if err != nil {
		return err
	}
	return l.send(p, false)
}

// SendPoseEstimate is fed from the tracking feed at its native rate and is
// dropped rather than queued behind a full buffer.
func (l *streamLink) SendPoseEstimate(pos r3.Vec, q quat.Number) error {
	return l.send(extPosePacket(pos.X, pos.Y, pos.Z, q.Imag, q.Jmag, q.Kmag, q.Real), true)
}

func (l *streamLink) SendPositionSetpoint(x, y, z, yaw float64) error {
	return l.send(positionPacket(x, y, z, yaw), false)
}

func (l *streamLink) SendHoverSetpoint(vx, vy, yawRate, z float64) error {
	return l.send(hoverPacket(vx, vy, yawRate, z), false)
}

func (l *streamLink) SendStop() error {
	return l.send(stopPacket(), false)
}

func (l *streamLink) Variance() <-chan Variance {
	return l.variance
}

func (l *streamLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.writerWG.Wait()
		l.closeErr = l.rw.Close()
		l.readerWG.Wait()
		if n := l.dropped.Load(); n > 0 {
			l.log.Infof("vehicle link closed, %d pose estimates dropped", n)
		}
	})
	return l.closeErr
}
