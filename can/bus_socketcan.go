//go:build linux

package can

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// socketcanFrame matches struct can_frame's wire layout: a 32-bit id, a
// length byte, 3 padding bytes, and up to 8 data bytes (16 bytes total).
type socketcanFrame struct {
	id   uint32
	dlc  uint8
	pad  uint8
	res0 uint8
	res1 uint8
	data [8]uint8
}

const socketcanFrameSize = 16

// SocketCANBus is the Linux SocketCAN BusInterface variant: one raw CAN_RAW
// socket bound to a single network interface (the kernel, not this process,
// multiplexes frames onto the wire), so Buses() is always one element.
type SocketCANBus struct {
	index     int
	bus       int
	ifaceName string

	mu     sync.Mutex
	fd     int
	closed bool

	recv   chan Frame
	events chan InterfaceEvent
}

// NewSocketCANBus constructs a SocketCAN interface bound to the named
// kernel network interface (e.g. "can0"), carrying the single physical bus
// identified by busIndex.
func NewSocketCANBus(index, busIndex int, ifaceName string) *SocketCANBus {
	return &SocketCANBus{
		index:     index,
		bus:       busIndex,
		ifaceName: ifaceName,
		fd:        -1,
		recv:      make(chan Frame, 1024),
		events:    make(chan InterfaceEvent, 16),
	}
}

func (b *SocketCANBus) Index() int   { return b.index }
func (b *SocketCANBus) Buses() []int { return []int{b.bus} }

func (b *SocketCANBus) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.fd >= 0 {
		b.mu.Unlock()
		return nil
	}
	b.closed = false
	b.mu.Unlock()

	fd, err := openSocketCAN(b.ifaceName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.fd = fd
	b.mu.Unlock()

	go b.readLoop(fd)
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
	return nil
}

// openSocketCAN binds a fresh CAN_RAW socket to ifaceName, used both by
// Open and by reconnectLoop.
func openSocketCAN(ifaceName string) (int, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return -1, fmt.Errorf("can: socketcan interface %s: %w", ifaceName, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("can: opening CAN_RAW socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("can: binding to %s: %w", ifaceName, err)
	}
	return fd, nil
}

func (b *SocketCANBus) readLoop(fd int) {
	var raw socketcanFrame
	buf := (*(*[socketcanFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	for {
		n, err := unix.Read(fd, buf)
		if err != nil || n != socketcanFrameSize {
			b.mu.Lock()
			stopping := b.closed
			b.fd = -1
			unix.Close(fd)
			b.mu.Unlock()
			if stopping {
				return
			}
			if err == nil {
				err = fmt.Errorf("can: short read from socketcan socket: %d bytes", n)
			}
			select {
			case b.events <- InterfaceEvent{Kind: EventTransportError, InterfaceIndex: b.index, Err: err}:
			default:
			}
			go b.reconnectLoop()
			return
		}
		// CAN_EFF_FLAG marks a 29-bit extended id; mask it off since the
		// codec works purely with the 29-bit value (spec.md §2).
		arbID := raw.id &^ unix.CAN_EFF_FLAG
		data := append([]byte(nil), raw.data[:raw.dlc]...)
		b.recv <- Frame{
			ArbitrationID:  arbID,
			Data:           data,
			InterfaceIndex: b.index,
			BusIndex:       b.bus,
		}
	}
}

// reconnectLoop rebinds a CAN_RAW socket with unbounded exponential
// backoff: the interface may be down (ip link) until an operator or udev
// brings it back (spec.md §4.1: "must auto-reconnect on disconnection and
// emit a transport-reset event").
func (b *SocketCANBus) reconnectLoop() {
	op := func() error {
		b.mu.Lock()
		stopped := b.closed
		b.mu.Unlock()
		if stopped {
			return backoff.Permanent(ErrNotConnected)
		}
		fd, err := openSocketCAN(b.ifaceName)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.fd = fd
		b.mu.Unlock()
		go b.readLoop(fd)
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
		return
	}
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
}

func (b *SocketCANBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.fd >= 0 {
		err := unix.Close(b.fd)
		b.fd = -1
		return err
	}
	return nil
}

func (b *SocketCANBus) Send(busIndex int, frame Frame) error {
	if busIndex != b.bus {
		return fmt.Errorf("can: socketcan interface %d has no bus %d", b.index, busIndex)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.fd < 0 {
		return ErrNotConnected
	}
	var raw socketcanFrame
	raw.id = frame.ArbitrationID | unix.CAN_EFF_FLAG
	raw.dlc = uint8(len(frame.Data))
	copy(raw.data[:], frame.Data)
	buf := (*(*[socketcanFrameSize]byte)(unsafe.Pointer(&raw)))[:]
	n, err := unix.Write(b.fd, buf)
	if err != nil || n != socketcanFrameSize {
		if err == nil {
			err = fmt.Errorf("can: short write to socketcan socket: %d bytes", n)
		}
		return &TransportError{InterfaceIndex: b.index, Err: err}
	}
	return nil
}

func (b *SocketCANBus) Recv() <-chan Frame           { return b.recv }
func (b *SocketCANBus) Events() <-chan InterfaceEvent { return b.events }
