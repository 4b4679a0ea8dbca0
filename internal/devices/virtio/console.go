package virtio

import (
	"fmt"
	"io"
	"sync"
)

// virtio-console identifiers, virtio 1.x §5.3. Grounded on the teacher's
// internal/devices/virtio/console.go constants, trimmed to the two-queue
// (no multiport) console this spec requires.
const (
	ConsoleDeviceID    = 3
	consoleQueueCount  = 2
	consoleQueueNumMax = 256

	queueReceive  = 0
	queueTransmit = 1
)

// Console is a virtio-console device: queue 0 carries bytes from the host
// into the guest (RX), queue 1 carries bytes the guest writes out (TX).
// Grounded on the teacher's console.go, rewritten around this package's
// MMIODevice/VirtQueue instead of the teacher's deviceHandler/queue types,
// and without the multiport and resize-event config-space fields nothing in
// this spec negotiates.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	// pendingRX holds bytes injected before the RX queue had any available
	// buffer to put them in; drained into the ring as soon as one appears.
	pendingRX []byte

	mmio *MMIODevice
}

// NewConsole creates a console writing guest TX output to out. Call
// AttachTransport once its MMIODevice has been constructed, since the two
// are mutually referential (the console needs to poke the transport for
// interrupts; the transport needs the console as its DeviceHandler).
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{out: out}
}

// AttachTransport completes the wiring described in NewConsole's doc comment.
func (c *Console) AttachTransport(mmio *MMIODevice) { c.mmio = mmio }

func (c *Console) DeviceID() uint32        { return ConsoleDeviceID }
func (c *Console) DeviceFeatures() uint64  { return 0 }
func (c *Console) NumQueues() int          { return consoleQueueCount }
func (c *Console) QueueMaxSize(int) uint16 { return consoleQueueNumMax }

func (c *Console) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func (c *Console) WriteConfig(offset uint64, data []byte) {}

func (c *Console) OnReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRX = nil
}

// OnQueueNotify drains the transmit queue to out when the guest kicks queue
// 1; a kick on queue 0 (receive) means the driver posted fresh empty
// buffers, so it retries delivering any bytes that arrived before a buffer
// was available.
func (c *Console) OnQueueNotify(dev *MMIODevice, idx int) error {
	switch idx {
	case queueTransmit:
		return c.drainTransmit(dev)
	case queueReceive:
		return c.deliverPendingRX(dev)
	default:
		return fmt.Errorf("virtio-console: unknown queue %d", idx)
	}
}

func (c *Console) drainTransmit(dev *MMIODevice) error {
	q := dev.Queue(queueTransmit)
	processed := false
	for {
		head, hasBuffer, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !hasBuffer {
			break
		}

		payloads, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}

		for _, p := range payloads {
			if p.IsWrite {
				continue // TX buffers are driver-to-device only
			}
			buf, err := q.ReadGuest(p.Addr, p.Length)
			if err != nil {
				return err
			}
			c.mu.Lock()
			_, werr := c.out.Write(buf)
			c.mu.Unlock()
			if werr != nil {
				return fmt.Errorf("virtio-console: write output: %w", werr)
			}
		}

		// The device writes nothing into TX buffers, so the used length is 0.
		if err := q.PutUsedBuffer(head, 0); err != nil {
			return err
		}
		processed = true
	}
	if processed {
		dev.NotifyUsed()
	}
	return nil
}

// InjectInput queues data for delivery to the guest's receive queue. If the
// driver hasn't posted any buffers yet, the bytes wait in pendingRX until it
// does (mirroring the PL011's RX FIFO, but sized to the driver's own
// buffers rather than a fixed small queue).
func (c *Console) InjectInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.mu.Lock()
	c.pendingRX = append(c.pendingRX, data...)
	c.mu.Unlock()

	if c.mmio == nil {
		return nil
	}
	return c.deliverPendingRX(c.mmio)
}

func (c *Console) deliverPendingRX(dev *MMIODevice) error {
	q := dev.Queue(queueReceive)
	delivered := false

	for {
		c.mu.Lock()
		if len(c.pendingRX) == 0 {
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		head, hasBuffer, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !hasBuffer {
			break
		}

		payloads, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}

		var total uint32
		for _, p := range payloads {
			if !p.IsWrite {
				continue // RX buffers are device-to-driver only
			}
			c.mu.Lock()
			n := len(c.pendingRX)
			if uint32(n) > p.Length {
				n = int(p.Length)
			}
			chunk := append([]byte(nil), c.pendingRX[:n]...)
			c.pendingRX = c.pendingRX[n:]
			c.mu.Unlock()

			if len(chunk) == 0 {
				continue
			}
			if err := q.WriteGuest(p.Addr, chunk); err != nil {
				return err
			}
			total += uint32(len(chunk))
		}

		if err := q.PutUsedBuffer(head, total); err != nil {
			return err
		}
		delivered = true
	}

	if delivered {
		dev.NotifyUsed()
	}
	return nil
}

var _ DeviceHandler = (*Console)(nil)
