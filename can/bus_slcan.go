package can

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/snksoft/crc"
	"github.com/tarm/serial"
)

// SLCAN is the Lawicel ASCII protocol spoken by USB-CAN dongles: each frame
// is a line starting with 'T' (29-bit extended id) followed by the 8-digit
// hex id, a 1-digit length, and up to 8 hex byte pairs, terminated by '\r'.
// A 2-byte CRC-16/CCITT checksum (snksoft/crc) is appended as 4 more hex
// digits so a corrupted line is detected rather than silently mis-decoded.
var slcanTable = crc.NewTable(crc.CCITT)

func slcanChecksum(body []byte) uint16 {
	sum := slcanTable.InitCrc()
	sum = slcanTable.UpdateCrc(sum, body)
	return slcanTable.CRC16(sum)
}

func makeSLCANSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Minute,
	}
}

func encodeSLCANLine(frame Frame) string {
	var hexData [16]byte
	n := hex.Encode(hexData[:], frame.Data)
	body := fmt.Sprintf("T%08X%d%s", frame.ArbitrationID, len(frame.Data), hexData[:n])
	sum := slcanChecksum([]byte(body))
	return fmt.Sprintf("%s%04X\r", body, sum)
}

func decodeSLCANLine(line string) (Frame, error) {
	if len(line) < 10 || line[0] != 'T' {
		return Frame{}, fmt.Errorf("can: malformed slcan line %q", line)
	}
	if len(line) < 14 {
		return Frame{}, fmt.Errorf("can: slcan line %q too short for checksum", line)
	}
	body, gotSumHex := line[:len(line)-4], line[len(line)-4:]
	wantSum := slcanChecksum([]byte(body))
	gotSum, err := strconv.ParseUint(gotSumHex, 16, 16)
	if err != nil || uint16(gotSum) != wantSum {
		return Frame{}, fmt.Errorf("can: slcan checksum mismatch on line %q", line)
	}

	arbID, err := strconv.ParseUint(body[1:9], 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("can: slcan bad arbitration id in %q: %w", line, err)
	}
	dlc, err := strconv.Atoi(body[9:10])
	if err != nil || dlc < 0 || dlc > 8 {
		return Frame{}, fmt.Errorf("can: slcan bad dlc in %q", line)
	}
	dataHex := body[10:]
	if len(dataHex) != dlc*2 {
		return Frame{}, fmt.Errorf("can: slcan data length mismatch in %q", line)
	}
	data := make([]byte, dlc)
	if _, err := hex.Decode(data, []byte(dataHex)); err != nil {
		return Frame{}, fmt.Errorf("can: slcan bad data bytes in %q: %w", line, err)
	}
	return Frame{ArbitrationID: uint32(arbID), Data: data}, nil
}

// SLCANBus is the SLCAN BusInterface variant: one physical bus per serial
// port, so Buses() is always a single-element slice.
type SLCANBus struct {
	index int
	bus   int
	addr  string

	mu     sync.Mutex
	port   *serial.Port
	writer *bufio.Writer
	closed bool

	recv   chan Frame
	events chan InterfaceEvent
}

// NewSLCANBus constructs an SLCAN interface over the serial device at addr,
// carrying the single physical bus identified by busIndex.
func NewSLCANBus(index, busIndex int, addr string) *SLCANBus {
	return &SLCANBus{
		index:  index,
		bus:    busIndex,
		addr:   addr,
		recv:   make(chan Frame, 1024),
		events: make(chan InterfaceEvent, 16),
	}
}

func (b *SLCANBus) Index() int   { return b.index }
func (b *SLCANBus) Buses() []int { return []int{b.bus} }

func (b *SLCANBus) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.port != nil {
		b.mu.Unlock()
		return nil
	}
	b.closed = false
	b.mu.Unlock()

	port, err := serial.OpenPort(makeSLCANSerConf(b.addr))
	if err != nil {
		return fmt.Errorf("can: opening slcan port %s: %w", b.addr, err)
	}

	b.mu.Lock()
	b.port = port
	b.writer = bufio.NewWriter(port)
	b.mu.Unlock()

	go b.readLoop(port)
	select {
	case b.events <- InterfaceEvent{Kind: EventTransportReset, InterfaceIndex: b.index}:
	default:
	}
	return nil
}

func (b *SLCANBus) readLoop(port *serial.Port) {
	r := bufio.NewReader(port)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			b.mu.Lock()
			stopping := b.closed
			b.port = nil
			port.Close()
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
		line = line[:len(line)-1] // strip trailing '\r'
		if line == "" {
			continue
		}
		frame, err := decodeSLCANLine(line)
		if err != nil {
			// a corrupt line is dropped, not fatal to the connection.
			continue
		}
		frame.InterfaceIndex = b.index
		frame.BusIndex = b.bus
		b.recv <- frame
	}
}

// reconnectLoop reopens the serial port with unbounded exponential backoff,
// since a USB-CAN dongle may be unplugged and replugged minutes later
// (spec.md §4.1: "must auto-reconnect on disconnection and emit a
// transport-reset event").
func (b *SLCANBus) reconnectLoop() {
	op := func() error {
		b.mu.Lock()
		stopped := b.closed
		b.mu.Unlock()
		if stopped {
			return backoff.Permanent(ErrNotConnected)
		}
		port, err := serial.OpenPort(makeSLCANSerConf(b.addr))
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.port = port
		b.writer = bufio.NewWriter(port)
		b.mu.Unlock()
		go b.readLoop(port)
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

func (b *SLCANBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.port != nil {
		err := b.port.Close()
		b.port = nil
		return err
	}
	return nil
}

func (b *SLCANBus) Send(busIndex int, frame Frame) error {
	if busIndex != b.bus {
		return fmt.Errorf("can: slcan interface %d has no bus %d", b.index, busIndex)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.port == nil {
		return ErrNotConnected
	}
	if _, err := b.writer.WriteString(encodeSLCANLine(frame)); err != nil {
		return &TransportError{InterfaceIndex: b.index, Err: err}
	}
	if err := b.writer.Flush(); err != nil {
		return &TransportError{InterfaceIndex: b.index, Err: err}
	}
	return nil
}

func (b *SLCANBus) Recv() <-chan Frame           { return b.recv }
func (b *SLCANBus) Events() <-chan InterfaceEvent { return b.events }
