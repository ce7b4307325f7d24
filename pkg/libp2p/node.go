package libp2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"

	"github.com/baderanaas/firestbreak/pkg/crypto"
	"github.com/baderanaas/firestbreak/pkg/session"
)

var logger = logging.Logger("firestbreak/p2p")

func init() {
	// Dial failures and backoff errors are expected on a LAN mesh.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("mdns", "warn")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("dht", "warn")
}

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("p2p: node closed")

// Options configure a Node.
type Options struct {
	DataDir    string
	Port       int
	ListenHost string
	Service    string
	Passphrase string
	// Bootstrap multiaddrs enable Kademlia rendezvous discovery.
	Bootstrap      []string
	AdvertInterval time.Duration
	AdvertTTL      time.Duration
	DisableMDNS    bool
}

// Node is the libp2p endpoint of a firestbreak session. It implements both
// session.Transport and session.Discovery.
type Node struct {
	host    host.Host
	ctx     context.Context
	cancel  context.CancelFunc
	opts    Options
	dataDir string
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	topic   *pubsub.Topic
	connMgr *connmgr.BasicConnMgr
	sealer  *crypto.Sealer

	sinkMux sync.RWMutex
	sink    session.Sink

	mdnsMux sync.Mutex
	mdns    mdns.Service

	membersMux sync.Mutex
	members    map[peer.ID]*member

	advMux    sync.Mutex
	advCancel context.CancelFunc
	advMeta   map[string]string

	browseMux    sync.Mutex
	browseCancel context.CancelFunc
	sub          *pubsub.Subscription
	seen         map[peer.ID]*advertEntry
	lastSeq      map[peer.ID]int64
}

var (
	_ session.Transport = (*Node)(nil)
	_ session.Discovery = (*Node)(nil)
)

// NewNode creates the libp2p host, joins the advertisement topic and starts
// LAN (mDNS) and, when bootstrap peers are given, DHT connectivity.
func NewNode(opts Options) (*Node, error) {
	if opts.Service == "" {
		return nil, errors.New("p2p: service name required")
	}
	if opts.ListenHost == "" {
		opts.ListenHost = "0.0.0.0"
	}
	if opts.AdvertInterval <= 0 {
		opts.AdvertInterval = 5 * time.Second
	}
	if opts.AdvertTTL <= 0 {
		opts.AdvertTTL = 4 * opts.AdvertInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	dataDir, err := getDataDir(opts.DataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}

	privKey, err := LoadIdentity(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load or generate identity: %w", err)
	}

	sealer, err := crypto.NewSealer(crypto.KeyFromService(opts.Service, opts.Passphrase))
	if err != nil {
		cancel()
		return nil, err
	}

	cm, err := connmgr.NewConnManager(20, 100, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.Port),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", opts.ListenHost, opts.Port),
		),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	topic, err := ps.Join(AdvertTopic(opts.Service))
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("failed to join advert topic: %w", err)
	}

	n := &Node{
		host:    h,
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		dataDir: dataDir,
		pubsub:  ps,
		topic:   topic,
		connMgr: cm,
		sealer:  sealer,
		members: make(map[peer.ID]*member),
		seen:    make(map[peer.ID]*advertEntry),
		lastSeq: make(map[peer.ID]int64),
	}

	h.SetStreamHandler(InviteProtocol, n.handleInviteStream)
	h.SetStreamHandler(ProfileProtocol, n.handleProfileStream)
	h.Network().Notify(&network.NotifyBundle{DisconnectedF: n.onDisconnected})

	if len(opts.Bootstrap) > 0 {
		if err := n.setupDHT(); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	if !opts.DisableMDNS {
		if err := n.startMDNS(); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	logger.Infof("node %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

// Start connects the node to the session manager's event sink. It is
// safe to call more than once.
func (n *Node) Start(_ context.Context, sink session.Sink) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	n.sinkMux.Lock()
	n.sink = sink
	n.sinkMux.Unlock()
	return nil
}

func (n *Node) emit(ev session.Event) {
	n.sinkMux.RLock()
	sink := n.sink
	n.sinkMux.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Close shuts down the node.
func (n *Node) Close() error {
	n.StopAdvertising()
	n.StopBrowsing()
	n.stopMDNS()
	n.cancel()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	return n.host.Close()
}
