package libp2p

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/baderanaas/firestbreak/pkg/session"
)

// mdnsNotifee dials every host found on the LAN so GossipSub can reach it.
type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.node.ctx, connectTimeout)
	defer cancel()
	if err := m.node.host.Connect(ctx, pi); err != nil {
		logger.Debugf("mdns: connect to %s failed: %v", pi.ID, err)
	}
}

func (n *Node) startMDNS() error {
	n.mdnsMux.Lock()
	defer n.mdnsMux.Unlock()
	svc := mdns.NewMdnsService(n.host, n.opts.Service, &mdnsNotifee{node: n})
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS discovery: %w", err)
	}
	n.mdns = svc
	return nil
}

func (n *Node) stopMDNS() {
	n.mdnsMux.Lock()
	defer n.mdnsMux.Unlock()
	if n.mdns != nil {
		_ = n.mdns.Close()
		n.mdns = nil
	}
}

// setupDHT joins the Kademlia DHT through the configured bootstrap peers
// and keeps a rendezvous record for the service.
func (n *Node) setupDHT() error {
	var infos []peer.AddrInfo
	for _, addr := range n.opts.Bootstrap {
		pi, err := parseAddr(addr)
		if err != nil {
			return fmt.Errorf("bootstrap peer %q: %w", addr, err)
		}
		infos = append(infos, *pi)
	}

	kad, err := dht.New(n.ctx, n.host, dht.Mode(dht.ModeAuto), dht.BootstrapPeers(infos...))
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.dht = kad

	for _, pi := range infos {
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				logger.Warnf("bootstrap peer %s unreachable: %v", pi.ID, err)
			}
		}(pi)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		logger.Warnf("DHT bootstrap: %v", err)
	}

	go n.rendezvousLoop()
	return nil
}

// rendezvousLoop advertises the service namespace and periodically dials
// the peers registered under it.
func (n *Node) rendezvousLoop() {
	ns := rendezvousPrefix + n.opts.Service
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, ns)

	ticker := time.NewTicker(rendezvousPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := rd.FindPeers(n.ctx, ns)
			if err != nil {
				logger.Debugf("rendezvous lookup: %v", err)
				continue
			}
			n.processPeerDiscovery(peerChan)
		}
	}
}

// processPeerDiscovery dials peers found through the DHT.
func (n *Node) processPeerDiscovery(peerChan <-chan peer.AddrInfo) {
	for p := range peerChan {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.host.Network().Connectedness(p.ID) == network.Connected {
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err == nil {
				logger.Debugf("connected to %s via rendezvous", pi.ID)
			}
		}(p)
	}
}

// StartAdvertising publishes metadata on the advertisement topic now and
// every advert interval. Calling it again with different metadata replaces
// the running advertisement.
func (n *Node) StartAdvertising(metadata map[string]string) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	n.advMux.Lock()
	defer n.advMux.Unlock()
	if n.advCancel != nil {
		if maps.Equal(n.advMeta, metadata) {
			return nil
		}
		n.advCancel()
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.advCancel = cancel
	n.advMeta = maps.Clone(metadata)
	go n.publishLoop(ctx, n.advMeta)
	return nil
}

// StopAdvertising stops the heartbeat and publishes a withdrawal.
func (n *Node) StopAdvertising() {
	n.advMux.Lock()
	defer n.advMux.Unlock()
	if n.advCancel == nil {
		return
	}
	n.advCancel()
	n.advCancel = nil
	n.advMeta = nil

	ctx, cancel := context.WithTimeout(n.ctx, withdrawTimeout)
	defer cancel()
	if err := n.publish(ctx, Advert{Withdrawn: true}); err != nil {
		logger.Debugf("publish withdrawal: %v", err)
	}
}

func (n *Node) publishLoop(ctx context.Context, metadata map[string]string) {
	if err := n.publish(ctx, Advert{Metadata: metadata}); err != nil {
		if ctx.Err() == nil {
			n.emit(session.AdvertiseFailed{Err: err})
		}
		return
	}

	ticker := time.NewTicker(n.opts.AdvertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.publish(ctx, Advert{Metadata: metadata}); err != nil && ctx.Err() == nil {
				logger.Warnf("publish advert: %v", err)
			}
		}
	}
}

func (n *Node) publish(ctx context.Context, adv Advert) error {
	adv.Seq = time.Now().UnixNano()
	data, err := json.Marshal(adv)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// StartBrowsing subscribes to the advertisement topic. Peers are reported
// as session.PeerFound on first sight or when their metadata changes, and
// as session.PeerLost on withdrawal or when their advert expires.
func (n *Node) StartBrowsing() error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	n.browseMux.Lock()
	defer n.browseMux.Unlock()
	if n.sub != nil {
		return nil
	}
	sub, err := n.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to advert topic: %w", err)
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.sub = sub
	n.browseCancel = cancel
	go n.browseLoop(ctx, sub)
	go n.expireLoop(ctx)
	return nil
}

// StopBrowsing cancels the subscription and forgets every advertiser, so
// the next StartBrowsing reports them again.
func (n *Node) StopBrowsing() {
	n.browseMux.Lock()
	defer n.browseMux.Unlock()
	if n.sub == nil {
		return
	}
	n.browseCancel()
	n.sub.Cancel()
	n.sub = nil
	n.browseCancel = nil
	clear(n.seen)
	clear(n.lastSeq)
}

func (n *Node) browseLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.emit(session.BrowseFailed{Err: err})
			}
			return
		}
		var adv Advert
		if err := json.Unmarshal(msg.Data, &adv); err != nil {
			logger.Debugf("ignoring malformed advert from %s: %v", msg.GetFrom(), err)
			continue
		}
		if ev := n.handleAdvert(msg.GetFrom(), adv, time.Now()); ev != nil {
			n.emit(ev)
		}
	}
}

// handleAdvert updates the advertiser table and returns the event to
// report, if any.
func (n *Node) handleAdvert(from peer.ID, adv Advert, now time.Time) session.Event {
	n.browseMux.Lock()
	defer n.browseMux.Unlock()
	if n.sub == nil {
		return nil
	}
	if last, ok := n.lastSeq[from]; ok && adv.Seq <= last {
		return nil
	}
	n.lastSeq[from] = adv.Seq

	prev, known := n.seen[from]
	if adv.Withdrawn {
		if !known {
			return nil
		}
		delete(n.seen, from)
		return session.PeerLost{PeerID: from.String()}
	}

	n.seen[from] = &advertEntry{ID: from, Metadata: adv.Metadata, LastSeen: now}
	if known && maps.Equal(prev.Metadata, adv.Metadata) {
		return nil
	}
	return session.PeerFound{PeerID: from.String(), Metadata: maps.Clone(adv.Metadata)}
}

func (n *Node) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(n.opts.AdvertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range n.expire(now) {
				n.emit(ev)
			}
		}
	}
}

func (n *Node) expire(now time.Time) []session.Event {
	n.browseMux.Lock()
	defer n.browseMux.Unlock()
	var lost []session.Event
	for id, e := range n.seen {
		if now.Sub(e.LastSeen) > n.opts.AdvertTTL {
			delete(n.seen, id)
			lost = append(lost, session.PeerLost{PeerID: id.String()})
		}
	}
	return lost
}
