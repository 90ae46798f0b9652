package can

import (
	"context"
	"sync"
)

// segmentKey identifies one physical CAN wire: an (interface, bus) pair.
// Every subscriber on a segment sees every frame published to it except its
// own, mirroring a real multi-drop CAN bus.
type segmentKey struct {
	Interface int
	Bus       int
}

// VirtualNetwork is an in-process stand-in for one or more physical CAN
// segments, used by the scheduler and fps tests instead of real hardware.
// Delivery happens on the publishing goroutine: publish copies the
// subscriber list under the mutex, releases it, and then makes buffered
// channel sends, so the frames one sender publishes reach each subscriber
// in the order they were sent.
type VirtualNetwork struct {
	mu   sync.Mutex
	subs map[segmentKey][]*virtualSub
}

type virtualSub struct {
	ch chan Frame
}

// NewVirtualNetwork returns an empty network; segments and subscribers are
// created on demand by VirtualBus and simulated positioners.
func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{subs: make(map[segmentKey][]*virtualSub)}
}

func (n *VirtualNetwork) subscribe(seg segmentKey) *virtualSub {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub := &virtualSub{ch: make(chan Frame, 256)}
	n.subs[seg] = append(n.subs[seg], sub)
	return sub
}

func (n *VirtualNetwork) unsubscribe(seg segmentKey, sub *virtualSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[seg]
	for i, s := range subs {
		if s == sub {
			n.subs[seg] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// publish delivers frame to every subscriber on seg other than origin.
func (n *VirtualNetwork) publish(seg segmentKey, origin *virtualSub, frame Frame) {
	n.mu.Lock()
	subs := append([]*virtualSub(nil), n.subs[seg]...)
	n.mu.Unlock()
	for _, s := range subs {
		if s == origin {
			continue
		}
		s.ch <- frame
	}
}

// VirtualBus is the Virtual BusInterface variant: an in-process loopback
// spanning one or more bus indices on a shared VirtualNetwork.
type VirtualBus struct {
	index int
	buses []int

	network *VirtualNetwork
	subs    map[int]*virtualSub // busIndex -> our subscription on that segment

	recv   chan Frame
	events chan InterfaceEvent

	mu     sync.Mutex
	closed bool
}

// NewVirtualBus attaches a new virtual interface to network at the given
// interface index, spanning the given bus indices.
func NewVirtualBus(network *VirtualNetwork, index int, buses []int) *VirtualBus {
	b := &VirtualBus{
		index:   index,
		buses:   append([]int(nil), buses...),
		network: network,
		subs:    make(map[int]*virtualSub),
		recv:    make(chan Frame, 1024),
		events:  make(chan InterfaceEvent, 16),
	}
	for _, bus := range buses {
		seg := segmentKey{Interface: index, Bus: bus}
		sub := network.subscribe(seg)
		b.subs[bus] = sub
		go b.pump(bus, sub)
	}
	return b
}

func (b *VirtualBus) pump(busIndex int, sub *virtualSub) {
	for frame := range sub.ch {
		frame.InterfaceIndex = b.index
		frame.BusIndex = busIndex
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		b.recv <- frame
	}
}

func (b *VirtualBus) Index() int    { return b.index }
func (b *VirtualBus) Buses() []int  { return b.buses }

// Open is a no-op for the virtual bus: the network connection exists from
// construction. It emits a transport-reset event for symmetry with the
// real variants' reconnect-on-open behavior.
func (b *VirtualBus) Open(ctx context.Context) error {
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
	return nil
}

func (b *VirtualBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	for bus, sub := range b.subs {
		b.network.unsubscribe(segmentKey{Interface: b.index, Bus: bus}, sub)
	}
	close(b.recv)
	close(b.events)
	return nil
}

func (b *VirtualBus) Send(busIndex int, frame Frame) error {
	b.mu.Lock()
	closed := b.closed
	sub, ok := b.subs[busIndex]
	b.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if !ok {
		return ErrNotConnected
	}
	frame.InterfaceIndex = b.index
	frame.BusIndex = busIndex
	b.network.publish(segmentKey{Interface: b.index, Bus: busIndex}, sub, frame)
	return nil
}

func (b *VirtualBus) Recv() <-chan Frame                { return b.recv }
func (b *VirtualBus) Events() <-chan InterfaceEvent      { return b.events }

// Disconnect simulates a transport failure for testing scenario S5: it
// drops the bus's subscriptions without going through Close, and emits an
// EventTransportError so the scheduler reacts the way it would to a real
// unplugged interface.
func (b *VirtualBus) Disconnect() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	for bus, sub := range b.subs {
		b.network.unsubscribe(segmentKey{Interface: b.index, Bus: bus}, sub)
	}
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportError, InterfaceIndex: b.index, Err: ErrNotConnected}:
	default:
	}
}

// Reconnect re-attaches a disconnected virtual bus to its network, as if
// the interface had come back up.
func (b *VirtualBus) Reconnect() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	b.subs = make(map[int]*virtualSub)
	for _, bus := range b.buses {
		seg := segmentKey{Interface: b.index, Bus: bus}
		sub := b.network.subscribe(seg)
		b.subs[bus] = sub
		go b.pump(bus, sub)
	}
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
}

// VirtualPositioner returns the network subscription that a test-side
// firmware simulator should use to listen for and answer frames for the
// given bus. It shares the same segment semantics as VirtualBus so replies
// are delivered back to the correct interface.
type VirtualPositioner struct {
	seg     segmentKey
	network *VirtualNetwork
	sub     *virtualSub
}

// NewVirtualPositioner subscribes a simulated positioner to the segment
// behind (interfaceIndex, busIndex).
func NewVirtualPositioner(network *VirtualNetwork, interfaceIndex, busIndex int) *VirtualPositioner {
	seg := segmentKey{Interface: interfaceIndex, Bus: busIndex}
	return &VirtualPositioner{seg: seg, network: network, sub: network.subscribe(seg)}
}

// Frames returns the channel of frames the controller has sent on this bus.
func (v *VirtualPositioner) Frames() <-chan Frame { return v.sub.ch }

// Reply publishes a frame as if it came from the positioner's firmware.
func (v *VirtualPositioner) Reply(frame Frame) {
	frame.InterfaceIndex = v.seg.Interface
	frame.BusIndex = v.seg.Bus
	v.network.publish(v.seg, v.sub, frame)
}

// Close detaches the simulated positioner from the network.
func (v *VirtualPositioner) Close() {
	v.network.unsubscribe(v.seg, v.sub)
}
