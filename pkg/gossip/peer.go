package gossip

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/simplexbft/node/pkg/types"
)

// maxFrameSize bounds a single decompressed message, guarding against a
// malformed or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 32 << 20

// Peer is a single outbound connection to another validator, addressed
// by raw TCP endpoint. ID is a connection-local diagnostic identifier;
// Endpoint (not ID) is what addresses this peer for Network.SendBlock,
// since that is the value a remote Handler sees announced via the hello
// handshake.
type Peer struct {
	ID       string
	Endpoint string
	selfAddr string

	mu       sync.Mutex
	conn     net.Conn
	IsActive bool
	LastSeen time.Time
}

func newPeer(endpoint, selfAddr string) *Peer {
	return &Peer{ID: uuid.NewString(), Endpoint: endpoint, selfAddr: selfAddr, IsActive: true}
}

// send writes one length-prefixed, snappy-compressed frame, dialing
// lazily (and redialing after a prior failure) on first use. A fresh
// dial announces selfAddr via a hello frame before the payload, so the
// remote side can identify replies back to this peer by address
// instead of by ephemeral source port.
func (p *Peer) send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := p.conn == nil
	if fresh {
		conn, err := net.DialTimeout("tcp", p.Endpoint, 5*time.Second)
		if err != nil {
			p.IsActive = false
			return fmt.Errorf("gossip: dial %s: %w", p.Endpoint, err)
		}
		p.conn = conn
	}

	if fresh {
		hello, err := encodeMessage(helloMessage(p.selfAddr))
		if err != nil {
			return fmt.Errorf("gossip: encode hello for %s: %w", p.Endpoint, err)
		}
		if err := writeFrame(p.conn, hello); err != nil {
			p.conn.Close()
			p.conn = nil
			p.IsActive = false
			return fmt.Errorf("gossip: hello to %s: %w", p.Endpoint, err)
		}
	}

	if err := writeFrame(p.conn, b); err != nil {
		p.conn.Close()
		p.conn = nil
		p.IsActive = false
		return fmt.Errorf("gossip: send to %s: %w", p.Endpoint, err)
	}
	p.IsActive = true
	p.LastSeen = time.Now()
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	compressed := snappy.Encode(nil, payload)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(compressed)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("gossip: frame size %d exceeds limit", size)
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

// Network is the length-prefixed TCP Transport: every Broadcast* call
// fans out to all registered peers, tolerating individual dial/send
// failures (marking that peer inactive rather than aborting the whole
// broadcast): a single unreachable peer must never fail the caller's
// whole operation.
type Network struct {
	// selfAddr is this node's own reachable gossip address, announced
	// to every peer it dials. Empty until Bind assigns it from the
	// listener, unless the caller supplied a fixed one up front (the
	// normal case for a permissioned committee with predictable ports).
	selfAddr string

	mu          sync.RWMutex
	peers       []*Peer
	peersByAddr map[string]*Peer

	listener net.Listener
	handler  Handler
	logger   *log.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewNetwork constructs a Network that announces itself as selfAddr
// (its own dialable gossip address) to every peer it connects to. An
// empty selfAddr is filled in from the listener's actual address on
// Bind — useful for tests that bind an ephemeral port.
func NewNetwork(selfAddr string, logger *log.Logger) *Network {
	if logger == nil {
		logger = log.New(log.Writer(), "[gossip] ", log.LstdFlags)
	}
	return &Network{
		selfAddr:    selfAddr,
		peersByAddr: make(map[string]*Peer),
		conns:       make(map[net.Conn]struct{}),
		logger:      logger,
	}
}

// AddPeer registers an outbound endpoint, returning that same endpoint
// as the handle Transport.SendBlock addresses replies to.
func (n *Network) AddPeer(endpoint string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := newPeer(endpoint, n.selfAddr)
	n.peers = append(n.peers, p)
	n.peersByAddr[endpoint] = p
	n.logger.Printf("added peer %s (id=%s)", endpoint, p.ID)
	return endpoint
}

// Peers returns a defensive copy of the known peer list.
func (n *Network) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, len(n.peers))
	copy(out, n.peers)
	return out
}

func (n *Network) broadcast(m *message) error {
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range n.Peers() {
		if err := p.send(b); err != nil {
			n.logger.Printf("broadcast to %s failed: %v", p.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BroadcastBlock implements Transport.
func (n *Network) BroadcastBlock(block *types.Block) error {
	return n.broadcast(blockMessage(block))
}

// BroadcastVote implements Transport.
func (n *Network) BroadcastVote(vote *types.Vote) error {
	return n.broadcast(voteMessage(vote))
}

// BroadcastEvidence implements Transport.
func (n *Network) BroadcastEvidence(ev *types.EquivocationEvidence) error {
	return n.broadcast(evidenceMessage(ev))
}

// BroadcastRequest implements Transport.
func (n *Network) BroadcastRequest(hash types.Hash) error {
	return n.broadcast(requestBlockMessage(hash))
}

// BroadcastTransaction is not part of Transport (consensus never emits
// it) but is how a local send_transaction RPC call propagates the
// transaction to peers ahead of its inclusion in a proposal.
func (n *Network) BroadcastTransaction(tx *types.Transaction) error {
	return n.broadcast(transactionMessage(tx))
}

// SendBlock implements Transport: a direct reply to a single peer
// rather than a fan-out, used to answer a sync RequestBlock. peer is
// the address a Handler received for an inbound message (via the hello
// handshake), which only resolves here if this Network has also
// registered that address as a peer — true for every committee member
// in a full-mesh deployment.
func (n *Network) SendBlock(block *types.Block, peer string) error {
	n.mu.RLock()
	p, ok := n.peersByAddr[peer]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gossip: unknown peer %q", peer)
	}
	b, err := encodeMessage(responseBlockMessage(block))
	if err != nil {
		return err
	}
	return p.send(b)
}

// Bind opens a TCP listener at addr without yet serving connections,
// so callers (and tests) can read back the actual bound address before
// starting Serve — useful when addr uses an ephemeral port ("host:0").
func (n *Network) Bind(addr string, handler Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gossip: listen on %s: %w", addr, err)
	}
	n.mu.Lock()
	n.listener = ln
	n.handler = handler
	if n.selfAddr == "" {
		n.selfAddr = ln.Addr().String()
	}
	n.mu.Unlock()
	return nil
}

// Addr returns the bound listener's address, or nil if Bind has not
// been called yet.
func (n *Network) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Serve accepts inbound connections until Close is called. Call Bind
// first; Serve blocks until the listener closes.
func (n *Network) Serve() error {
	n.mu.RLock()
	ln := n.listener
	n.mu.RUnlock()
	if ln == nil {
		return fmt.Errorf("gossip: Serve called before Bind")
	}

	n.mu.RLock()
	selfAddr := n.selfAddr
	n.mu.RUnlock()
	n.logger.Printf("listening on %s (self=%s)", ln.Addr(), selfAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Accept's error after an intentional Close looks the same as
			// any other accept failure from here; both simply stop the loop.
			n.logger.Printf("accept failed, stopping listener: %v", err)
			return nil
		}
		n.connsMu.Lock()
		n.conns[conn] = struct{}{}
		n.connsMu.Unlock()
		n.wg.Add(1)
		go n.serveConn(conn)
	}
}

func (n *Network) serveConn(conn net.Conn) {
	defer n.wg.Done()
	defer conn.Close()
	defer func() {
		n.connsMu.Lock()
		delete(n.conns, conn)
		n.connsMu.Unlock()
	}()
	// peerAddr starts as the connection's ephemeral source address and
	// is replaced by the dialer's announced gossip address once its
	// hello frame arrives (always the first frame on a fresh dial).
	peerAddr := conn.RemoteAddr().String()

	for {
		raw, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				n.logger.Printf("frame read from %s failed: %v", peerAddr, err)
			}
			return
		}
		m, err := decodeMessage(raw)
		if err != nil {
			n.logger.Printf("message decode from %s failed: %v", peerAddr, err)
			continue
		}
		if m.Kind == kindHello {
			peerAddr = m.HelloAddr
			n.logger.Printf("peer at %s identified as %s", conn.RemoteAddr(), peerAddr)
			continue
		}
		if err := n.dispatch(m, peerAddr); err != nil {
			n.logger.Printf("message dispatch from %s failed: %v", peerAddr, err)
		}
	}
}

func (n *Network) dispatch(m *message, peer string) error {
	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("gossip: no handler registered")
	}

	switch m.Kind {
	case kindBlock:
		return handler.HandleBlock(m.Block, peer)
	case kindVote:
		if m.Vote == nil {
			return fmt.Errorf("gossip: vote message missing payload")
		}
		return handler.HandleVote(*m.Vote, peer)
	case kindTransaction:
		if m.Transaction == nil {
			return fmt.Errorf("gossip: transaction message missing payload")
		}
		return handler.HandleTransaction(*m.Transaction, peer)
	case kindRequestBlock:
		return handler.HandleBlockRequest(m.RequestHash, peer)
	case kindResponseBlock:
		return handler.HandleBlockResponse(m.Block, peer)
	case kindEvidence:
		if m.Evidence == nil {
			return fmt.Errorf("gossip: evidence message missing payload")
		}
		return handler.HandleEvidence(*m.Evidence, peer)
	default:
		return fmt.Errorf("gossip: unknown message kind %d", m.Kind)
	}
}

// Close stops accepting new connections, closes every inbound
// connection currently being served, and waits for their handler
// goroutines to finish.
func (n *Network) Close() error {
	n.mu.Lock()
	ln := n.listener
	n.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()

	n.connsMu.Lock()
	for conn := range n.conns {
		conn.Close()
	}
	n.connsMu.Unlock()

	n.wg.Wait()
	return err
}
