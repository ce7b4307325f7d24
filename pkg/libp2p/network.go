package libp2p

import (
	"context"
	"fmt"
	"slices"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func parseAddr(addrStr string) (*peer.AddrInfo, error) {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(addr)
}

// ConnectAddr dials a peer given its full multiaddress
// (/ip4/.../tcp/.../p2p/<id>). It returns the peer's ID.
func (n *Node) ConnectAddr(ctx context.Context, addrStr string) (peer.ID, error) {
	pi, err := parseAddr(addrStr)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *pi); err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Addrs returns the node's dialable addresses including the /p2p suffix.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// PeerStatus describes a peer the host holds a connection to.
type PeerStatus struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Member  bool   `json:"member"`
	Advert  bool   `json:"advertising"`
	Streams int    `json:"streams"`
}

// NetworkPeers lists connected hosts, sorted by ID.
func (n *Node) NetworkPeers() []PeerStatus {
	n.browseMux.Lock()
	adverts := make(map[peer.ID]bool, len(n.seen))
	for id := range n.seen {
		adverts[id] = true
	}
	n.browseMux.Unlock()

	var out []PeerStatus
	for _, pid := range n.host.Network().Peers() {
		if n.host.Network().Connectedness(pid) != network.Connected {
			continue
		}
		st := PeerStatus{ID: pid.String(), Member: n.member(pid) != nil, Advert: adverts[pid]}
		for _, c := range n.host.Network().ConnsToPeer(pid) {
			if st.Addr == "" {
				st.Addr = c.RemoteMultiaddr().String()
			}
			st.Streams += len(c.GetStreams())
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
