package net

import (
	"bytes"
	"crypto/ecdsa"
	"sync"

	"github.com/mosaicnetworks/ebft/src/common"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/mosaicnetworks/ebft/src/peers"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// NonValidator is the sender index of messages signed by a key that is not
// in the validator set.
const NonValidator = -1

// DefaultQueueSize is the number of outgoing payloads buffered per peer.
const DefaultQueueSize = 256

// Inbound is a verified message received from a peer.
type Inbound struct {
	// From is the validator index of the signer, or NonValidator.
	From int
	// Addr is the address the packet came from. Replies to non-validators
	// are routed to it.
	Addr    string
	PubKey  []byte
	Message message.Message
}

// CommunicationManager sends signed messages to validators and delivers the
// verified messages they send us. Sends never block on the network and
// failures are only logged.
type CommunicationManager interface {
	Broadcast(m message.Message)
	SendTo(index int, m message.Message)
	Reply(in Inbound, m message.Message)
	Inbound() <-chan Inbound
	Shutdown()
}

// CommManager implements CommunicationManager on top of a Transport.
type CommManager struct {
	key    *ecdsa.PrivateKey
	pubKey []byte

	peerSet *peers.PeerSet
	myIndex int
	trans   Transport

	queueSize  int
	queues     map[string]chan []byte
	queuesLock sync.Mutex

	inboundCh chan Inbound

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup

	sent     metrics.Counter
	received metrics.Counter
	dropped  metrics.Counter
	rejected metrics.Counter

	logger *logrus.Entry
}

// NewCommManager creates a CommManager and starts consuming packets from
// trans. The transport is closed by Shutdown.
func NewCommManager(
	key *ecdsa.PrivateKey,
	peerSet *peers.PeerSet,
	trans Transport,
	queueSize int,
	registry metrics.Registry,
	logger *logrus.Entry,
) *CommManager {

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	if registry == nil {
		registry = metrics.NewRegistry()
	}

	pub := keys.FromPublicKey(&key.PublicKey)

	cm := &CommManager{
		key:        key,
		pubKey:     pub,
		peerSet:    peerSet,
		myIndex:    peerSet.IndexOfPubKey(pub),
		trans:      trans,
		queueSize:  queueSize,
		queues:     make(map[string]chan []byte),
		inboundCh:  make(chan Inbound, 1024),
		shutdownCh: make(chan struct{}),
		sent:       metrics.GetOrRegisterCounter("net.sent", registry),
		received:   metrics.GetOrRegisterCounter("net.received", registry),
		dropped:    metrics.GetOrRegisterCounter("net.dropped", registry),
		rejected:   metrics.GetOrRegisterCounter("net.rejected", registry),
		logger: logger.WithFields(logrus.Fields{
			"component": "comm",
			"this_id":   peerSet.IndexOfPubKey(pub),
		}),
	}

	cm.wg.Add(1)
	go cm.consume()

	return cm
}

// MyIndex returns our validator index, or NonValidator.
func (cm *CommManager) MyIndex() int {
	return cm.myIndex
}

// Inbound implements CommunicationManager.
func (cm *CommManager) Inbound() <-chan Inbound {
	return cm.inboundCh
}

// Broadcast implements CommunicationManager. The message is signed once and
// queued for every validator but us.
func (cm *CommManager) Broadcast(m message.Message) {
	payload, ok := cm.seal(m)
	if !ok {
		return
	}

	for i, p := range cm.peerSet.Peers {
		if i == cm.myIndex {
			continue
		}
		cm.enqueue(p.NetAddr, payload)
	}
}

// SendTo implements CommunicationManager.
func (cm *CommManager) SendTo(index int, m message.Message) {
	if index == cm.myIndex {
		return
	}

	p, err := cm.peerSet.Peer(index)
	if err != nil {
		cm.logger.WithError(err).WithField("to", index).Debug("SendTo unknown validator")
		return
	}

	payload, ok := cm.seal(m)
	if !ok {
		return
	}

	cm.enqueue(p.NetAddr, payload)
}

// Reply implements CommunicationManager. Validators are addressed by index,
// anyone else by the address their packet came from.
func (cm *CommManager) Reply(in Inbound, m message.Message) {
	if in.From != NonValidator {
		cm.SendTo(in.From, m)
		return
	}

	if in.Addr == "" {
		return
	}

	payload, ok := cm.seal(m)
	if !ok {
		return
	}

	cm.enqueue(in.Addr, payload)
}

// Shutdown stops every goroutine and closes the transport.
func (cm *CommManager) Shutdown() {
	cm.shutdownLock.Lock()
	if cm.shutdown {
		cm.shutdownLock.Unlock()
		return
	}
	cm.shutdown = true
	close(cm.shutdownCh)
	cm.shutdownLock.Unlock()

	cm.wg.Wait()

	if err := cm.trans.Close(); err != nil {
		cm.logger.WithError(err).Warn("Closing transport")
	}
}

func (cm *CommManager) isShutdown() bool {
	select {
	case <-cm.shutdownCh:
		return true
	default:
		return false
	}
}

func (cm *CommManager) seal(m message.Message) ([]byte, bool) {
	sm, err := message.Sign(m, cm.key)
	if err != nil {
		cm.logger.WithError(err).Error("Signing message")
		return nil, false
	}

	payload, err := sm.Encode()
	if err != nil {
		cm.logger.WithError(err).Error("Encoding signed message")
		return nil, false
	}

	return payload, true
}

// enqueue hands payload to the sender goroutine of addr, creating it on first
// use. A full queue drops the payload.
func (cm *CommManager) enqueue(addr string, payload []byte) {
	cm.shutdownLock.Lock()
	defer cm.shutdownLock.Unlock()

	if cm.shutdown {
		return
	}

	cm.queuesLock.Lock()
	q, ok := cm.queues[addr]
	if !ok {
		q = make(chan []byte, cm.queueSize)
		cm.queues[addr] = q
		cm.wg.Add(1)
		go cm.sendLoop(addr, q)
	}
	cm.queuesLock.Unlock()

	select {
	case q <- payload:
	default:
		cm.dropped.Inc(1)
		cm.logger.WithField("to", addr).Debug("Outgoing queue full, dropping message")
	}
}

func (cm *CommManager) sendLoop(addr string, q chan []byte) {
	defer cm.wg.Done()

	for {
		select {
		case payload := <-q:
			if err := cm.trans.Send(addr, payload); err != nil {
				if cm.isShutdown() {
					return
				}
				cm.logger.WithError(err).WithField("to", addr).Debug("Send failed")
				continue
			}
			cm.sent.Inc(1)
		case <-cm.shutdownCh:
			return
		}
	}
}

func (cm *CommManager) consume() {
	defer cm.wg.Done()

	consumer := cm.trans.Consumer()

	for {
		select {
		case p := <-consumer:
			in, err := cm.open(p)
			if err != nil {
				cm.rejected.Inc(1)
				cm.logger.WithError(err).WithField("from", p.From).Debug("Rejected packet")
				continue
			}
			if in == nil {
				continue
			}

			select {
			case cm.inboundCh <- *in:
				cm.received.Inc(1)
			default:
				cm.dropped.Inc(1)
				cm.logger.WithField("from", in.From).Warn("Inbound queue full, dropping message")
			}
		case <-cm.shutdownCh:
			return
		}
	}
}

// open verifies and decodes a packet. It returns nil for our own messages.
func (cm *CommManager) open(p Packet) (*Inbound, error) {
	sm, err := message.DecodeSigned(p.Payload)
	if err != nil {
		return nil, err
	}

	if bytes.Equal(sm.PubKey, cm.pubKey) {
		return nil, nil
	}

	m, err := sm.Open()
	if err != nil {
		return nil, err
	}

	from := cm.peerSet.IndexOfPubKey(sm.PubKey)
	if from < 0 {
		from = NonValidator
	}

	cm.logger.WithFields(logrus.Fields{
		"from":   from,
		"pubkey": common.ShortHex(sm.PubKey, 8),
		"type":   m.Type(),
	}).Debug("Received")

	return &Inbound{
		From:    from,
		Addr:    p.From,
		PubKey:  sm.PubKey,
		Message: m,
	}, nil
}
