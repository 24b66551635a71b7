package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/swapsig-core/pkg/logging"
)

// Config controls the libp2p host and its discovery mechanisms.
type Config struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	DHTPrefix          string        `yaml:"dht_prefix"` // e.g. "/swapsig" or "/swapsig-testnet"
	DiscoveryNamespace string        `yaml:"discovery_namespace"`
	ConnMgrLowWater    int           `yaml:"conn_mgr_low_water"`
	ConnMgrHighWater   int           `yaml:"conn_mgr_high_water"`
	ConnMgrGrace       time.Duration `yaml:"conn_mgr_grace"`
}

// DefaultConfig returns sane transport defaults for mainnet.
func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/4101",
			"/ip4/0.0.0.0/udp/4101/quic-v1",
		},
		BootstrapPeers:     []string{},
		EnableMDNS:         true,
		EnableDHT:          true,
		EnableRelay:        true,
		EnableNAT:          true,
		EnableHolePunching: true,
		DHTPrefix:          "/swapsig",
		DiscoveryNamespace: "swapsig-mainnet",
		ConnMgrLowWater:    100,
		ConnMgrHighWater:   400,
		ConnMgrGrace:       time.Minute,
	}
}

const directProtocol protocol.ID = "/swapsig/direct/1.0.0"

// maxStreamMessageSize bounds a single direct-stream frame, matching the
// wire layer's payload cap so a misbehaving peer can't force unbounded
// buffering on a direct stream.
const maxStreamMessageSize = 100*1024 + 4096

// LibP2PAdapter implements Adapter on top of a libp2p host, a Kademlia DHT
// for peer/record routing, and GossipSub for topic pub-sub.
type LibP2PAdapter struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	cfg    Config
	log    *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a libp2p-backed Adapter. privKey is the node's persistent
// libp2p identity key (see internal/keys).
func New(ctx context.Context, cfg Config, privKey crypto.PrivKey) (*LibP2PAdapter, error) {
	ctx, cancel := context.WithCancel(ctx)

	a := &LibP2PAdapter{
		cfg:    cfg,
		log:    logging.GetDefault().Component("transport"),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		events: make(chan Event, 256),
		ctx:    ctx,
		cancel: cancel,
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(cfg.ConnMgrLowWater, cfg.ConnMgrHighWater, connmgr.WithGracePeriod(cfg.ConnMgrGrace))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	a.host = h

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			a.emit(Event{Type: EventPeerConnected, PeerID: conn.RemotePeer().String(), Timestamp: time.Now()})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			a.emit(Event{Type: EventPeerDisconnected, PeerID: conn.RemotePeer().String(), Timestamp: time.Now()})
		},
	})

	h.SetStreamHandler(directProtocol, a.handleIncomingStream)

	if cfg.EnableDHT {
		if err := a.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithPeerExchange(true), pubsub.WithFloodPublish(true))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	a.pubsub = ps

	if cfg.EnableMDNS {
		if err := a.initMDNS(); err != nil {
			a.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return a, nil
}

func (a *LibP2PAdapter) initDHT(ctx context.Context) error {
	var err error
	a.dht, err = dht.New(ctx, a.host, dht.Mode(dht.ModeAutoServer), dht.ProtocolPrefix(protocol.ID(a.cfg.DHTPrefix)))
	if err != nil {
		return err
	}
	if err := a.dht.Bootstrap(ctx); err != nil {
		return err
	}
	a.routingDisc = drouting.NewRoutingDiscovery(a.dht)

	go dutil.Advertise(a.ctx, a.routingDisc, a.cfg.DiscoveryNamespace)
	go a.discoverPeersLoop()

	return nil
}

func (a *LibP2PAdapter) initMDNS() error {
	a.mdnsService = mdns.NewMdnsService(a.host, a.cfg.DiscoveryNamespace, a)
	return a.mdnsService.Start()
}

// HandlePeerFound implements mdns.Notifee.
func (a *LibP2PAdapter) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == a.host.ID() {
		return
	}
	a.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	addrs := make([]string, len(pi.Addrs))
	for i, addr := range pi.Addrs {
		addrs[i] = addr.String()
	}
	a.emit(Event{Type: EventPeerDiscovered, PeerID: pi.ID.String(), Addrs: addrs, Timestamp: time.Now()})

	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		if err := a.host.Connect(ctx, pi); err != nil {
			a.log.Debug("failed to connect to discovered peer", "peer", pi.ID, "error", err)
		}
	}()
}

func (a *LibP2PAdapter) discoverPeersLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(a.ctx, a.routingDisc, a.cfg.DiscoveryNamespace)
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == a.host.ID() || a.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
					defer cancel()
					a.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

func (a *LibP2PAdapter) emit(e Event) {
	select {
	case a.events <- e:
	default:
		a.log.Warn("event channel full, dropping event", "type", e.Type)
	}
}

// PeerID implements Adapter.
func (a *LibP2PAdapter) PeerID() string { return a.host.ID().String() }

// Dial implements Adapter.
func (a *LibP2PAdapter) Dial(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("invalid peer addr info: %w", err)
	}
	if err := a.host.Connect(ctx, *pi); err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return nil
}

// Disconnect implements Adapter.
func (a *LibP2PAdapter) Disconnect(peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("invalid peer id: %w", err)
	}
	return a.host.Network().ClosePeer(pid)
}

type libp2pStream struct {
	s network.Stream
}

func (st *libp2pStream) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		st.s.SetWriteDeadline(deadline)
	}
	return writeLengthPrefixed(st.s, data)
}

func (st *libp2pStream) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		st.s.SetReadDeadline(deadline)
	}
	return readLengthPrefixed(bufio.NewReader(st.s))
}

func (st *libp2pStream) Close() error { return st.s.Close() }

func (st *libp2pStream) RemotePeer() string { return st.s.Conn().RemotePeer().String() }

// OpenStream implements Adapter. protocolID is accepted for interface
// symmetry but this adapter always speaks the single swapsig direct
// protocol; multiplexing by message type happens above this layer.
func (a *LibP2PAdapter) OpenStream(ctx context.Context, peerID string, protocolID string) (Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}
	s, err := a.host.NewStream(ctx, pid, directProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return &libp2pStream{s: s}, nil
}

func (a *LibP2PAdapter) handleIncomingStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()

	s.SetReadDeadline(time.Now().Add(60 * time.Second))
	data, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		a.log.Debug("failed to read direct stream", "peer", remote, "error", err)
		return
	}
	a.emit(Event{Type: EventMessage, PeerID: remote.String(), Payload: data, Timestamp: time.Now()})
}

// Broadcast implements Adapter by opening a direct stream to every
// currently connected peer. Used for control traffic that must reach the
// present peer set without waiting on a topic subscription round-trip.
func (a *LibP2PAdapter) Broadcast(ctx context.Context, data []byte) error {
	var firstErr error
	for _, p := range a.host.Network().Peers() {
		s, err := a.host.NewStream(ctx, p, directProtocol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := writeLengthPrefixed(s, data); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Close()
	}
	return firstErr
}

// Subscribe implements Adapter.
func (a *LibP2PAdapter) Subscribe(ctx context.Context, topicName string) error {
	a.topicsMu.Lock()
	defer a.topicsMu.Unlock()

	if _, ok := a.subs[topicName]; ok {
		return nil
	}

	topic, err := a.pubsub.Join(topicName)
	if err != nil {
		return fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}

	a.topics[topicName] = topic
	a.subs[topicName] = sub

	go a.readTopicLoop(topicName, sub)
	return nil
}

func (a *LibP2PAdapter) readTopicLoop(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(a.ctx)
		if err != nil {
			return
		}
		a.emit(Event{
			Type:      EventMessage,
			PeerID:    msg.ReceivedFrom.String(),
			Topic:     topicName,
			Payload:   msg.Data,
			Timestamp: time.Now(),
		})
	}
}

// Unsubscribe implements Adapter.
func (a *LibP2PAdapter) Unsubscribe(topicName string) error {
	a.topicsMu.Lock()
	defer a.topicsMu.Unlock()

	if sub, ok := a.subs[topicName]; ok {
		sub.Cancel()
		delete(a.subs, topicName)
	}
	if topic, ok := a.topics[topicName]; ok {
		topic.Close()
		delete(a.topics, topicName)
	}
	return nil
}

// Publish implements Adapter.
func (a *LibP2PAdapter) Publish(ctx context.Context, topicName string, data []byte) error {
	a.topicsMu.Lock()
	topic, ok := a.topics[topicName]
	a.topicsMu.Unlock()
	if !ok {
		return ErrTopicNotJoined
	}
	return topic.Publish(ctx, data)
}

// DHTPut implements Adapter.
func (a *LibP2PAdapter) DHTPut(ctx context.Context, key string, value []byte) error {
	if a.dht == nil {
		return ErrDHTUnavailable
	}
	return a.dht.PutValue(ctx, key, value)
}

// DHTGet implements Adapter.
func (a *LibP2PAdapter) DHTGet(ctx context.Context, key string) ([]byte, error) {
	if a.dht == nil {
		return nil, ErrDHTUnavailable
	}
	return a.dht.GetValue(ctx, key)
}

// Events implements Adapter.
func (a *LibP2PAdapter) Events() <-chan Event { return a.events }

// Close implements Adapter.
func (a *LibP2PAdapter) Close() error {
	a.cancel()
	if a.mdnsService != nil {
		a.mdnsService.Close()
	}
	if a.dht != nil {
		a.dht.Close()
	}
	return a.host.Close()
}

// GenerateIdentity creates a fresh libp2p Ed25519 identity key.
func GenerateIdentity() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	return priv, err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if length > maxStreamMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxStreamMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxStreamMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxStreamMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	_, err := w.Write(data)
	return err
}

var _ Adapter = (*LibP2PAdapter)(nil)
