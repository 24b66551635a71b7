// Package transport defines the adapter boundary between the protocol
// layers (directory, discovery, swap pool) and the underlying peer-to-peer
// network, and provides a libp2p-backed implementation of it.
package transport

import (
	"context"
	"errors"
	"time"
)

// Transport errors.
var (
	ErrNotConnected   = errors.New("transport: not connected to peer")
	ErrDialFailed     = errors.New("transport: dial failed")
	ErrStreamClosed   = errors.New("transport: stream closed")
	ErrTopicNotJoined = errors.New("transport: topic not joined")
	ErrDHTUnavailable = errors.New("transport: dht not available")
)

// EventType enumerates the kinds of asynchronous events an Adapter emits.
type EventType string

// Event types emitted on the Adapter's Events channel.
const (
	EventPeerConnected          EventType = "PEER_CONNECTED"
	EventPeerDisconnected       EventType = "PEER_DISCONNECTED"
	EventPeerDiscovered         EventType = "PEER_DISCOVERED"
	EventRelayAddressesAvailable EventType = "RELAY_ADDRESSES_AVAILABLE"
	EventMessage                EventType = "MESSAGE"
)

// Event is a single asynchronous occurrence surfaced by an Adapter.
type Event struct {
	Type      EventType
	PeerID    string
	Topic     string    // set for EventMessage when delivered via pub-sub
	Payload   []byte    // set for EventMessage
	Addrs     []string  // set for EventPeerDiscovered / EventRelayAddressesAvailable
	Timestamp time.Time
}

// Stream is a single direct, ordered, peer-to-peer byte stream.
type Stream interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	RemotePeer() string
}

// Adapter is the transport-layer contract every protocol component above it
// depends on. It deliberately exposes nothing libp2p-specific in its
// signatures so that the protocol layers (directory, discovery, swap pool)
// never import libp2p packages directly.
type Adapter interface {
	// PeerID returns this node's own peer identifier.
	PeerID() string

	// Dial establishes a connection to addr (a transport-specific peer
	// address, e.g. a multiaddr string).
	Dial(ctx context.Context, addr string) error

	// Disconnect closes any open connection to peerID.
	Disconnect(peerID string) error

	// OpenStream opens a direct stream to peerID for protocol id.
	OpenStream(ctx context.Context, peerID string, protocolID string) (Stream, error)

	// Broadcast publishes data to every connected peer's control channel,
	// bypassing topic subscription (used for urgent control traffic).
	Broadcast(ctx context.Context, data []byte) error

	// Subscribe joins topic and begins delivering EventMessage events for
	// it, including messages this node itself publishes (self-delivery is
	// native to the underlying pub-sub and is relied upon by callers that
	// want to observe their own announcements going out).
	Subscribe(ctx context.Context, topic string) error

	// Unsubscribe leaves topic.
	Unsubscribe(topic string) error

	// Publish sends data to topic's subscribers.
	Publish(ctx context.Context, topic string, data []byte) error

	// DHTPut stores value under key in the distributed hash table.
	DHTPut(ctx context.Context, key string, value []byte) error

	// DHTGet retrieves the value stored under key.
	DHTGet(ctx context.Context, key string) ([]byte, error)

	// Events returns the channel of asynchronous transport events. Callers
	// must keep draining it; events that arrive while it is full are dropped.
	Events() <-chan Event

	// Close shuts the adapter and its underlying network stack down.
	Close() error
}
