package gattsrv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/runloop"
)

// subscription is an open CCCD subscription of a peer on one characteristic.
type subscription struct {
	notifier ble.Notifier
	indicate bool
}

type outbound struct {
	ch       ras.Characteristic
	data     []byte
	indicate bool
}

// peerHistory is what the server remembers about an address across connections.
type peerHistory struct {
	connects atomic.Int64
}

// peer is one connected central, bound to a registry slot.
type peer struct {
	id       ras.DeviceID
	addr     string
	conn     ble.Conn
	mtu      atomic.Uint32
	detached atomic.Bool
	out      chan outbound
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logrus.Entry

	mu   sync.Mutex
	subs map[ras.Characteristic]subscription
}

func newPeer(parent context.Context, conn ble.Conn, id ras.DeviceID, queueDepth int, logger *logrus.Logger) *peer {
	ctx, cancel := context.WithCancel(parent)
	addr := conn.RemoteAddr().String()
	return &peer{
		id:     id,
		addr:   addr,
		conn:   conn,
		out:    make(chan outbound, queueDepth),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithFields(logrus.Fields{"peer": addr, "device_id": id}),
		subs:   make(map[ras.Characteristic]subscription),
	}
}

func (p *peer) subscribe(ch ras.Characteristic, n ble.Notifier, indicate bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[ch] = subscription{notifier: n, indicate: indicate}
}

// unsubscribe drops the subscription on ch if n still owns it.
func (p *peer) unsubscribe(ch ras.Characteristic, n ble.Notifier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[ch]; ok && sub.notifier == n {
		delete(p.subs, ch)
		return true
	}
	return false
}

func (p *peer) subscription(ch ras.Characteristic) (subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[ch]
	return sub, ok
}

// enqueue hands a PDU to the peer's sender goroutine without blocking.
func (p *peer) enqueue(ch ras.Characteristic, data []byte, indicate bool) error {
	if _, ok := p.subscription(ch); !ok {
		return fmt.Errorf("%w: device %d on %s", ras.ErrNotSubscribed, p.id, ch)
	}
	select {
	case p.out <- outbound{ch: ch, data: append([]byte(nil), data...), indicate: indicate}:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("%w: device %d", ErrUnknownPeer, p.id)
	default:
		return fmt.Errorf("%w: device %d", ErrQueueFull, p.id)
	}
}

// pump writes queued PDUs in order. A write on an indication subscription
// returns once the central confirmed it. Every PDU the service sent as an
// indication is reported exactly once: through confirmed after its write
// completes, or through failed when the write errors or the subscription is
// gone.
func (p *peer) pump(ctx context.Context, confirmed func(ras.Characteristic), failed func(ras.Characteristic, error)) {
	p.logger.WithField("goroutine", runloop.GoroutineName(ctx)).Debug("Peer sender started")
	for {
		select {
		case <-ctx.Done():
			return
		case pdu := <-p.out:
			entry := p.logger.WithField("characteristic", pdu.ch)
			sub, ok := p.subscription(pdu.ch)
			if !ok {
				entry.Debug("PDU dropped, peer unsubscribed")
				if pdu.indicate {
					failed(pdu.ch, fmt.Errorf("%w: device %d on %s", ras.ErrNotSubscribed, p.id, pdu.ch))
				}
				continue
			}
			if _, err := sub.notifier.Write(pdu.data); err != nil {
				entry.WithError(err).Warn("Failed to write PDU")
				if pdu.indicate {
					failed(pdu.ch, err)
				}
				continue
			}
			if pdu.indicate {
				confirmed(pdu.ch)
			}
		}
	}
}
