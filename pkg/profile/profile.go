package profile

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ConversationStatus tells nearby peers whether we want to be approached.
type ConversationStatus string

const (
	StatusAvailable   ConversationStatus = "Available"
	StatusBusy        ConversationStatus = "Busy"
	StatusUnavailable ConversationStatus = "Unavailable"
)

// ErrMissingID is returned when a profile without an identity is stored.
var ErrMissingID = errors.New("profile: missing id")

// ParseStatus converts an advertised status string into a ConversationStatus.
func ParseStatus(s string) (ConversationStatus, error) {
	st := ConversationStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown conversation status %q", s)
	}
	return st, nil
}

func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnavailable:
		return true
	}
	return false
}

// Next cycles Available -> Busy -> Unavailable -> Available.
func (s ConversationStatus) Next() ConversationStatus {
	switch s {
	case StatusAvailable:
		return StatusBusy
	case StatusBusy:
		return StatusUnavailable
	default:
		return StatusAvailable
	}
}

// Gestures holds the transient flags raised by the hand-tracking layer.
type Gestures struct {
	ThumbsUp bool `cbor:"thumbs_up" json:"thumbs_up"`
	Heart    bool `cbor:"heart" json:"heart"`
}

// GestureKind names one of the Gestures flags.
type GestureKind string

const (
	GestureThumbsUp GestureKind = "thumbs_up"
	GestureHeart    GestureKind = "heart"
)

func ParseGesture(s string) (GestureKind, error) {
	switch k := GestureKind(s); k {
	case GestureThumbsUp, GestureHeart:
		return k, nil
	}
	return "", fmt.Errorf("unknown gesture %q", s)
}

func (g Gestures) Has(k GestureKind) bool {
	switch k {
	case GestureThumbsUp:
		return g.ThumbsUp
	case GestureHeart:
		return g.Heart
	}
	return false
}

// With returns a copy of g with flag k set to on.
func (g Gestures) With(k GestureKind, on bool) Gestures {
	switch k {
	case GestureThumbsUp:
		g.ThumbsUp = on
	case GestureHeart:
		g.Heart = on
	}
	return g
}

// UserProfile is the data a user shares with nearby peers.
type UserProfile struct {
	ID        string             `cbor:"id" json:"id" yaml:"id"`
	Name      string             `cbor:"name" json:"name" yaml:"name"`
	Status    ConversationStatus `cbor:"status" json:"status" yaml:"status"`
	Interests []string           `cbor:"interests" json:"interests,omitempty" yaml:"interests"`
	Bio       string             `cbor:"bio,omitempty" json:"bio,omitempty" yaml:"bio"`
	Avatar    []byte             `cbor:"avatar" json:"avatar,omitempty" yaml:"-"`
	Gestures  Gestures           `cbor:"gestures" json:"gestures" yaml:"-"`
}

// Default returns the profile a fresh install starts with.
func Default(name string) UserProfile {
	return UserProfile{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusAvailable,
		Interests: []string{"Technology", "Anime", "Travel"},
		Bio:       "Looking for new encounters",
	}
}

// Clone returns a deep copy so callers never share slices with the store.
func (p UserProfile) Clone() UserProfile {
	cp := p
	if p.Interests != nil {
		cp.Interests = slices.Clone(p.Interests)
	}
	if p.Avatar != nil {
		cp.Avatar = slices.Clone(p.Avatar)
	}
	return cp
}

// CommonInterests returns the local interests the peer also lists, in local order.
func CommonInterests(local, peer []string) []string {
	var out []string
	for _, interest := range local {
		if slices.Contains(peer, interest) {
			out = append(out, interest)
		}
	}
	return out
}

// Store holds the local user's profile. Replace swaps it atomically.
type Store struct {
	mu      sync.RWMutex
	current UserProfile
}

func NewStore(initial UserProfile) *Store {
	return &Store{current: initial.Clone()}
}

func (s *Store) Get() UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace stores p and returns the profile it replaced.
func (s *Store) Replace(p UserProfile) (UserProfile, error) {
	if p.ID == "" {
		return UserProfile{}, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = p.Clone()
	return prev, nil
}
