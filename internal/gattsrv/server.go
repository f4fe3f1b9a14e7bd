// Package gattsrv binds the ranging service to a go-ble GATT server.
//
// The server owns the peer table (connection → registry slot), turns CCCD
// subscriptions, control-point writes, MTU changes and disconnects into
// calls on the service, and implements ras.Transport and ras.MTUReporter
// over the peers' notifiers. Every call into the service is posted through a
// Dispatcher so the service itself stays single-threaded.
package gattsrv

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/rasd/internal/ras"
	"github.com/srg/rasd/internal/runloop"
)

// Ranging Service and characteristic UUIDs.
var (
	ServiceUUID         = ble.UUID16(0x185B)
	FeaturesUUID        = ble.UUID16(0x2C14)
	RealTimeDataUUID    = ble.UUID16(0x2C15)
	OnDemandDataUUID    = ble.UUID16(0x2C16)
	ControlPointUUID    = ble.UUID16(0x2C17)
	DataReadyUUID       = ble.UUID16(0x2C18)
	DataOverwrittenUUID = ble.UUID16(0x2C19)
)

// controlHeadroom is the queue room kept for Data Ready, Data Overwritten
// and control-point PDUs next to a full body of segments.
const controlHeadroom = 16

// maxKnownPeers bounds the reconnect directory.
const maxKnownPeers = 256

// QueueDepthFor returns a per-peer queue deep enough to hold every segment of
// a maxBodySize body at the default ATT MTU, the smallest a peer can use.
// The notification path queues a whole body in one pass.
func QueueDepthFor(maxBodySize int) int {
	perSegment := ras.MaxPayload(ras.DefaultATTMTU) - ras.SegmentHeaderSize
	return (maxBodySize+perSegment-1)/perSegment + controlHeadroom
}

var (
	ErrNoSlot      = errors.New("no free connection slot")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrQueueFull   = errors.New("peer send queue full")
	ErrNotBound    = errors.New("server not bound to a service")
)

// Core is the part of ras.Service driven by GATT events.
type Core interface {
	Subscribe(dev ras.DeviceID, realTime bool) error
	Unsubscribe(dev ras.DeviceID, isDisconnect bool)
	Disconnect(dev ras.DeviceID)
	SetMTU(dev ras.DeviceID, mtu uint16) error
	SetPreference(dev ras.DeviceID, bits ras.Preference) error
	HandleControlPoint(dev ras.DeviceID, data []byte)
	OnIndicationConfirmed(dev ras.DeviceID, ch ras.Characteristic)
	OnIndicationFailed(dev ras.DeviceID, ch ras.Characteristic, cause error)
	OnDataUnsubscribed(dev ras.DeviceID, ch ras.Characteristic)
}

// Dispatcher runs closures on the goroutine that owns the Core.
type Dispatcher interface {
	Post(fn func()) error
}

// ConnectionObserver is told about peers coming and going.
type ConnectionObserver interface {
	PeerConnected()
	PeerDisconnected()
}

type nopConnectionObserver struct{}

func (nopConnectionObserver) PeerConnected()    {}
func (nopConnectionObserver) PeerDisconnected() {}

// Options configures a Server.
type Options struct {
	MaxPeers int
	Features uint32
	// QueueDepth defaults to QueueDepthFor(ras.DefaultMaxBodySize).
	QueueDepth int
	Observer   ConnectionObserver
	Logger     *logrus.Logger
}

// Server is the RAS GATT server. It is safe for concurrent use by go-ble
// handler goroutines.
type Server struct {
	core   Core
	loop   Dispatcher
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex
	slots  []*peer
	byAddr map[string]*peer
	// known counts connections per address. It is insert-only and replaced
	// wholesale once it holds maxKnownPeers addresses.
	known *hashmap.Map[string, *peerHistory]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server posting service calls through loop.
func NewServer(loop Dispatcher, opts Options) *Server {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = ras.DefaultCapacity
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = QueueDepthFor(ras.DefaultMaxBodySize)
	}
	if opts.Observer == nil {
		opts.Observer = nopConnectionObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		loop:   loop,
		opts:   opts,
		logger: opts.Logger,
		slots:  make([]*peer, opts.MaxPeers),
		byAddr: make(map[string]*peer),
		known:  hashmap.New[string, *peerHistory](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind sets the service the server drives. It must be called before the
// GATT service is registered with a device.
func (s *Server) Bind(core Core) {
	s.core = core
}

// Service builds the GATT service definition.
func (s *Server) Service() *ble.Service {
	svc := ble.NewService(ServiceUUID)

	features := svc.NewCharacteristic(FeaturesUUID)
	features.HandleRead(ble.ReadHandlerFunc(s.serveFeatures))

	s.dataCharacteristic(svc, RealTimeDataUUID, ras.CharRealTimeData)
	s.dataCharacteristic(svc, OnDemandDataUUID, ras.CharOnDemandData)

	cp := svc.NewCharacteristic(ControlPointUUID)
	cp.HandleWrite(ble.WriteHandlerFunc(s.serveControlPoint))
	cp.HandleNotify(s.serveNotify(ras.CharControlPoint, false))
	cp.HandleIndicate(s.serveNotify(ras.CharControlPoint, true))

	s.dataCharacteristic(svc, DataReadyUUID, ras.CharDataReady)
	s.dataCharacteristic(svc, DataOverwrittenUUID, ras.CharDataOverwritten)

	return svc
}

func (s *Server) dataCharacteristic(svc *ble.Service, u ble.UUID, ch ras.Characteristic) {
	c := svc.NewCharacteristic(u)
	c.HandleNotify(s.serveNotify(ch, false))
	c.HandleIndicate(s.serveNotify(ch, true))
}

// Close detaches every peer and stops their sender goroutines.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	var peers []*peer
	for _, p := range s.slots {
		if p != nil {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.detach(p)
	}
}

// Peers returns the number of attached peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddr)
}

// Connects returns how many times addr attached since the reconnect
// directory was last reset.
func (s *Server) Connects(addr string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.known.Get(addr); ok {
		return h.connects.Load()
	}
	return 0
}

// peer returns the peer in slot dev.
func (s *Server) peer(dev ras.DeviceID) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(dev) >= len(s.slots) || s.slots[dev] == nil {
		return nil, false
	}
	return s.slots[dev], true
}

// ATTMTU implements ras.MTUReporter with the MTU go-ble negotiated for dev.
func (s *Server) ATTMTU(dev ras.DeviceID) (uint16, bool) {
	p, ok := s.peer(dev)
	if !ok {
		return 0, false
	}
	mtu := p.conn.TxMTU()
	if mtu <= 0 {
		return 0, false
	}
	p.mtu.Store(uint32(mtu))
	return uint16(mtu), true
}

// SendNotification implements ras.Transport
func (s *Server) SendNotification(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	return s.send(dev, ch, data, false)
}

// SendIndication implements ras.Transport
func (s *Server) SendIndication(dev ras.DeviceID, ch ras.Characteristic, data []byte) error {
	return s.send(dev, ch, data, true)
}

func (s *Server) send(dev ras.DeviceID, ch ras.Characteristic, data []byte, indicate bool) error {
	p, ok := s.peer(dev)
	if !ok {
		return fmt.Errorf("%w: device %d", ErrUnknownPeer, dev)
	}
	if p.logger.Logger.IsLevelEnabled(logrus.TraceLevel) {
		p.logger.WithFields(logrus.Fields{
			"char":     ch.String(),
			"indicate": indicate,
			"pdu":      hex.EncodeToString(data),
		}).Trace("PDU queued")
	}
	return p.enqueue(ch, data, indicate)
}

// attach returns the peer of conn, allocating a registry slot for a new one.
func (s *Server) attach(conn ble.Conn) (*peer, error) {
	addr := conn.RemoteAddr().String()

	s.mu.Lock()
	if p, ok := s.byAddr[addr]; ok {
		s.mu.Unlock()
		s.refreshMTU(p)
		return p, nil
	}
	slot := -1
	for i, taken := range s.slots {
		if taken == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		s.mu.Unlock()
		s.logger.WithField("peer", addr).Warn("Connection rejected, no free slot")
		return nil, fmt.Errorf("%w: %d peers attached", ErrNoSlot, s.opts.MaxPeers)
	}
	p := newPeer(s.ctx, conn, ras.DeviceID(slot), s.opts.QueueDepth, s.logger)
	s.slots[slot] = p
	s.byAddr[addr] = p
	connects := s.remember(addr)
	s.mu.Unlock()

	s.opts.Observer.PeerConnected()
	p.logger.WithField("connects", connects).Info("Peer attached")

	id := p.id
	slotLabel := strconv.Itoa(slot)
	runloop.Go(p.ctx, fmt.Sprintf("gatt-peer-%d", slot), func(ctx context.Context) {
		p.pump(ctx,
			func(ch ras.Characteristic) {
				s.post(func(c Core) { c.OnIndicationConfirmed(id, ch) })
			},
			func(ch ras.Characteristic, cause error) {
				s.post(func(c Core) { c.OnIndicationFailed(id, ch, cause) })
			})
	}, "slot", slotLabel)
	runloop.Go(p.ctx, fmt.Sprintf("gatt-peer-%d-watch", slot), func(ctx context.Context) {
		select {
		case <-disconnected(conn):
			s.detach(p)
		case <-ctx.Done():
		}
	}, "slot", slotLabel)

	s.refreshMTU(p)
	return p, nil
}

// remember counts a connection of addr. s.mu must be held.
func (s *Server) remember(addr string) int64 {
	if _, ok := s.known.Get(addr); !ok && s.known.Len() >= maxKnownPeers {
		s.known = hashmap.New[string, *peerHistory]()
	}
	h, _ := s.known.GetOrInsert(addr, &peerHistory{})
	return h.connects.Add(1)
}

// disconnected returns a channel closed when conn goes away. Connections
// without a Disconnected channel fall back to their context.
func disconnected(conn ble.Conn) <-chan struct{} {
	if dc, ok := conn.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	return conn.Context().Done()
}

// detach forgets p and tears down its session.
func (s *Server) detach(p *peer) {
	if !p.detached.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.slots[p.id] == p {
		s.slots[p.id] = nil
	}
	if s.byAddr[p.addr] == p {
		delete(s.byAddr, p.addr)
	}
	s.mu.Unlock()
	p.cancel()

	s.opts.Observer.PeerDisconnected()
	p.logger.Info("Peer detached")

	id := p.id
	s.post(func(c Core) { c.Disconnect(id) })
}

// refreshMTU forwards the ATT MTU of p when it changed.
func (s *Server) refreshMTU(p *peer) {
	mtu := uint32(p.conn.TxMTU())
	if mtu == 0 || p.mtu.Swap(mtu) == mtu {
		return
	}
	id := p.id
	s.post(func(c Core) {
		if err := c.SetMTU(id, uint16(mtu)); err != nil {
			p.logger.WithError(err).Warn("Failed to record ATT MTU")
		}
	})
}

// post runs fn against the bound core on the dispatcher.
func (s *Server) post(fn func(Core)) {
	core := s.core
	if core == nil {
		s.logger.WithError(ErrNotBound).Error("GATT event dropped")
		return
	}
	if err := s.loop.Post(func() { fn(core) }); err != nil {
		s.logger.WithError(err).Warn("GATT event dropped")
	}
}

func (s *Server) serveFeatures(_ ble.Request, rsp ble.ResponseWriter) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], s.opts.Features)
	if _, err := rsp.Write(buf[:]); err != nil {
		rsp.SetStatus(ble.ErrUnlikely)
	}
}

func (s *Server) serveControlPoint(req ble.Request, rsp ble.ResponseWriter) {
	p, err := s.attach(req.Conn())
	if err != nil {
		rsp.SetStatus(ble.ErrInsuffResources)
		return
	}
	if s.core == nil {
		rsp.SetStatus(ble.ErrUnlikely)
		return
	}

	data := append([]byte(nil), req.Data()...)
	id := p.id
	p.logger.WithField("data", fmt.Sprintf("%x", data)).Debug("Control-point write")
	if err := s.loop.Post(func() { s.core.HandleControlPoint(id, data) }); err != nil {
		p.logger.WithError(err).Warn("Control-point write dropped")
		rsp.SetStatus(ble.ErrUnlikely)
	}
}

// serveNotify returns the CCCD handler of ch. go-ble runs it for the lifetime
// of the subscription.
func (s *Server) serveNotify(ch ras.Characteristic, indicate bool) ble.NotifyHandlerFunc {
	return func(req ble.Request, n ble.Notifier) {
		p, err := s.attach(req.Conn())
		if err != nil {
			return
		}
		entry := p.logger.WithFields(logrus.Fields{"characteristic": ch, "indicate": indicate})

		p.subscribe(ch, n, indicate)
		s.onSubscribed(p, ch, indicate)
		entry.Debug("Subscribed")

		select {
		case <-n.Context().Done():
		case <-p.ctx.Done():
		}

		if p.unsubscribe(ch, n) && p.ctx.Err() == nil {
			s.onUnsubscribed(p, ch)
			entry.Debug("Unsubscribed")
		}
	}
}

func (s *Server) onSubscribed(p *peer, ch ras.Characteristic, indicate bool) {
	id := p.id
	s.post(func(c Core) {
		if indicate {
			if err := c.SetPreference(id, ras.IndicationPreference(ch)); err != nil {
				p.logger.WithError(err).Warn("Failed to record indication preference")
			}
		}
		if ch == ras.CharOnDemandData || ch == ras.CharRealTimeData {
			if err := c.Subscribe(id, ch == ras.CharRealTimeData); err != nil {
				p.logger.WithError(err).Warn("Subscription rejected")
			}
		}
	})
}

// onUnsubscribed cancels what the closed data subscription carried and
// clears it. A peer still subscribed on the other data characteristic falls
// back to it.
func (s *Server) onUnsubscribed(p *peer, ch ras.Characteristic) {
	if ch != ras.CharOnDemandData && ch != ras.CharRealTimeData {
		return
	}
	other := ras.CharOnDemandData
	if ch == ras.CharOnDemandData {
		other = ras.CharRealTimeData
	}
	_, fallback := p.subscription(other)

	id := p.id
	s.post(func(c Core) {
		c.OnDataUnsubscribed(id, ch)
		c.Unsubscribe(id, false)
		if fallback {
			if err := c.Subscribe(id, other == ras.CharRealTimeData); err != nil {
				p.logger.WithError(err).Warn("Subscription rejected")
			}
		}
	})
}
