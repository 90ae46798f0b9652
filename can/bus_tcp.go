package can

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// wireFrame is the Multibus-TCP binary encoding of one Frame: a bus index
// byte, the 29-bit arbitration id as a uint32, a data length byte, and up to
// 8 data bytes. All multi-byte fields are little-endian, matching the
// firmware's own wire convention (spec.md §6).
const wireFrameHeaderLen = 1 + 4 + 1

func writeWireFrame(w io.Writer, busIndex int, frame Frame) error {
	var hdr [wireFrameHeaderLen]byte
	hdr[0] = byte(busIndex)
	binary.LittleEndian.PutUint32(hdr[1:5], frame.ArbitrationID)
	hdr[5] = byte(len(frame.Data))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(frame.Data) > 0 {
		if _, err := w.Write(frame.Data); err != nil {
			return err
		}
	}
	return nil
}

func readWireFrame(r io.Reader) (busIndex int, frame Frame, err error) {
	var hdr [wireFrameHeaderLen]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, Frame{}, err
	}
	busIndex = int(hdr[0])
	arbID := binary.LittleEndian.Uint32(hdr[1:5])
	dlc := int(hdr[5])
	data := make([]byte, dlc)
	if dlc > 0 {
		if _, err = io.ReadFull(r, data); err != nil {
			return 0, Frame{}, err
		}
	}
	return busIndex, Frame{ArbitrationID: arbID, Data: data}, nil
}

// TCPBus is the Multibus-TCP BusInterface variant: a single TCP connection
// to a CAN-to-Ethernet bridge that multiplexes several physical buses over
// one socket, tagging each frame with a bus index byte. Both the initial
// dial and every reconnect after a dropped connection use the same
// exponential-backoff shape as the teacher's comm.RemoteDevice.Open.
type TCPBus struct {
	index int
	buses []int
	addr  string

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	closed bool // Close was called; stop reconnecting for good

	recv   chan Frame
	events chan InterfaceEvent
}

// NewTCPBus constructs a Multibus-TCP interface. It does not dial until
// Open is called.
func NewTCPBus(index int, buses []int, addr string) *TCPBus {
	return &TCPBus{
		index:  index,
		buses:  append([]int(nil), buses...),
		addr:   addr,
		recv:   make(chan Frame, 1024),
		events: make(chan InterfaceEvent, 16),
	}
}

func (b *TCPBus) Index() int   { return b.index }
func (b *TCPBus) Buses() []int { return b.buses }

// Open dials the bridge with an exponential backoff capped to ctx's
// deadline, then starts the single reader goroutine that demultiplexes
// incoming wire frames onto Recv. After Open returns, a dropped connection
// is redialed automatically (reconnectLoop) until Close is called.
func (b *TCPBus) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return nil
	}
	b.closed = false
	b.mu.Unlock()

	conn, err := b.dial(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.writer = bufio.NewWriter(conn)
	b.mu.Unlock()

	go b.readLoop(conn)
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
	return nil
}

// dial performs one backoff-retried connection attempt, bounded by ctx.
//
// cenkalti/backoff v2 has no context-aware variant (that landed in v3+), so
// the retry loop runs in its own goroutine and races against ctx.Done(),
// the same shape as the teacher's comm.RemoteDevice.Open.
func (b *TCPBus) dial(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	dialDone := make(chan error, 1)
	go func() {
		op := func() error {
			var err error
			conn, err = net.DialTimeout("tcp", b.addr, 3*time.Second)
			return err
		}
		dialDone <- backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.5,
			Multiplier:          2,
			MaxInterval:         2 * time.Second,
			MaxElapsedTime:      0,
			Clock:               backoff.SystemClock,
		})
	}()
	select {
	case err := <-dialDone:
		if err != nil {
			return nil, fmt.Errorf("can: dialing multibus-tcp %s: %w", b.addr, err)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *TCPBus) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		busIndex, frame, err := readWireFrame(r)
		if err != nil {
			b.mu.Lock()
			stopping := b.closed
			b.conn = nil
			conn.Close()
			b.mu.Unlock()
			if stopping {
				return
			}
			select {
			case b.events <- InterfaceEvent{Kind: EventTransportError, InterfaceIndex: b.index, Err: err}:
			default:
			}
			go b.reconnectLoop()
			return
		}
		frame.InterfaceIndex = b.index
		frame.BusIndex = busIndex
		b.recv <- frame
	}
}

// reconnectLoop redials the bridge with unbounded exponential backoff,
// retrying forever until a connection succeeds or Close stops it (spec.md
// §4.1: "must auto-reconnect on disconnection and emit a transport-reset
// event").
func (b *TCPBus) reconnectLoop() {
	op := func() error {
		b.mu.Lock()
		stopped := b.closed
		b.mu.Unlock()
		if stopped {
			return backoff.Permanent(ErrNotConnected)
		}
		conn, err := net.DialTimeout("tcp", b.addr, 3*time.Second)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.conn = conn
		b.writer = bufio.NewWriter(conn)
		b.mu.Unlock()
		go b.readLoop(conn)
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		// Close was called while reconnecting; give up quietly.
		return
	}
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
}

func (b *TCPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func (b *TCPBus) Send(busIndex int, frame Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil {
		return ErrNotConnected
	}
	b.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := writeWireFrame(b.writer, busIndex, frame); err != nil {
		return &TransportError{InterfaceIndex: b.index, Err: err}
	}
	if err := b.writer.Flush(); err != nil {
		return &TransportError{InterfaceIndex: b.index, Err: err}
	}
	return nil
}

func (b *TCPBus) Recv() <-chan Frame            { return b.recv }
func (b *TCPBus) Events() <-chan InterfaceEvent { return b.events }
