package libp2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Advert is published on the advertisement topic. Metadata is the plain
// text key/value set built by profile.Metadata.
type Advert struct {
	Metadata  map[string]string `json:"metadata,omitempty"`
	Withdrawn bool              `json:"withdrawn,omitempty"`
	// Seq orders adverts from one publisher; stale ones are ignored.
	Seq int64 `json:"seq"`
}

// advertEntry is what a browsing node remembers about an advertiser.
type advertEntry struct {
	ID       peer.ID
	Metadata map[string]string
	LastSeen time.Time
}

// InviteRequest opens an invitation stream.
type InviteRequest struct {
	Service string `cbor:"service"`
	Context []byte `cbor:"context,omitempty"`
}

// InviteResponse answers an InviteRequest.
type InviteResponse struct {
	Accept bool `cbor:"accept"`
}
