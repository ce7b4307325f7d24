package libp2p

import "time"

const (
	// Stream protocols of a firestbreak session.
	InviteProtocol  = "/firestbreak/invite/1.0.0"
	ProfileProtocol = "/firestbreak/profile/1.0.0"

	// advertTopicPrefix is joined with the service name to form the
	// GossipSub topic carrying advertisements.
	advertTopicPrefix = "firestbreak.advert."

	// rendezvousPrefix is joined with the service name to form the DHT
	// namespace used when bootstrap peers are configured.
	rendezvousPrefix = "firestbreak-"

	// sessionTag protects session members from the connection manager.
	sessionTag = "firestbreak-session"
)

const (
	connectTimeout    = 15 * time.Second
	inviteAnswerLimit = 60 * time.Second
	writeTimeout      = 10 * time.Second
	withdrawTimeout   = 2 * time.Second
	rendezvousPeriod  = 30 * time.Second
)

// AdvertTopic returns the advertisement topic for service.
func AdvertTopic(service string) string {
	return advertTopicPrefix + service
}
