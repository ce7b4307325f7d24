// Package cli is the interactive terminal front end of a running node.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/baderanaas/firestbreak/pkg/gesture"
	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/session"
)

// Session is the part of session.Manager the CLI drives.
type Session interface {
	Snapshot() session.Snapshot
	Profile() profile.UserProfile
	DiscoveredProfiles() map[string]profile.UserProfile
	FindCommonInterests(peerID string) []string
	DebugLog() []session.LogEntry
	CycleStatus() (profile.ConversationStatus, error)
	BroadcastProfile() error
	RespondToInvitation(peerID string, accept bool) error
	ToggleAutoAccept(on bool) error
	ConnectTo(peerID string) error
	ResetConnection() error
	Subscribe() chan session.Notification
	Unsubscribe(ch chan session.Notification)
}

type Gestures interface {
	Handle(ev gesture.Event) error
}

// Dialer connects to a full multiaddress and returns the remote peer ID.
type Dialer func(ctx context.Context, addr string) (string, error)

type CLI struct {
	session  Session
	gestures Gestures
	dial     Dialer
	addrs    []string

	mu  sync.Mutex
	out io.Writer
}

func New(s Session, g Gestures, dial Dialer, addrs []string, out io.Writer) *CLI {
	return &CLI{session: s, gestures: g, dial: dial, addrs: addrs, out: out}
}

func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) banner() {
	c.printf("\n✅ FirestBreak node started!\n")
	for _, a := range c.addrs {
		c.printf("   listening on %s\n", a)
	}
	c.printf("Commands:\n")
	c.printf("  /status                    - Show connection state and pending invitations\n")
	c.printf("  /peers                     - List connected peers and their profiles\n")
	c.printf("  /profile                   - Show your profile\n")
	c.printf("  /cycle                     - Cycle Available -> Busy -> Unavailable\n")
	c.printf("  /broadcast                 - Send your profile to every connected peer\n")
	c.printf("  /accept <peerID>           - Accept a pending invitation\n")
	c.printf("  /reject <peerID>           - Reject a pending invitation\n")
	c.printf("  /autoaccept on|off         - Accept invitations automatically\n")
	c.printf("  /connect <peerID|addr>     - Invite a peer (dials it first if given an address)\n")
	c.printf("  /reset                     - Drop every session and restart discovery\n")
	c.printf("  /thumbs, /heart            - Send a gesture\n")
	c.printf("  /log                       - Show the debug log\n")
	c.printf("  /quit                      - Exit\n")
	c.printf("> ")
}

// Run reads commands from in until /quit, EOF or ctx is done. Session
// notifications are printed as they arrive.
func (c *CLI) Run(ctx context.Context, in io.Reader) error {
	notes := c.session.Subscribe()
	defer c.session.Unsubscribe(notes)
	go c.watch(ctx, notes)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.banner()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.Exec(ctx, line); quit {
				c.printf("🔌 Shutting down...\n")
				return nil
			}
			c.printf("> ")
		}
	}
}

// Exec runs one command line and reports whether the user asked to quit.
func (c *CLI) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit":
		return true
	case "/status":
		c.status()
	case "/peers":
		c.peers()
	case "/profile":
		c.profile()
	case "/cycle":
		st, err := c.session.CycleStatus()
		if err != nil {
			c.printf("❌ Failed to change status: %v\n", err)
			break
		}
		c.printf("✅ Status is now %s\n", st)
	case "/broadcast":
		c.report(c.session.BroadcastProfile(), "Profile broadcast")
	case "/accept", "/reject":
		if arg == "" {
			c.printf("Usage: %s <peerID>\n", fields[0])
			break
		}
		accept := fields[0] == "/accept"
		c.report(c.session.RespondToInvitation(arg, accept), "Answered invitation from "+arg)
	case "/autoaccept":
		on, ok := map[string]bool{"on": true, "off": false}[arg]
		if !ok {
			c.printf("Usage: /autoaccept on|off\n")
			break
		}
		c.report(c.session.ToggleAutoAccept(on), "Auto-accept "+arg)
	case "/connect":
		c.connect(ctx, arg)
	case "/reset":
		c.report(c.session.ResetConnection(), "Connection reset")
	case "/thumbs":
		c.gesture(profile.GestureThumbsUp)
	case "/heart":
		c.gesture(profile.GestureHeart)
	case "/log":
		for _, e := range c.session.DebugLog() {
			c.printf("%s\n", e)
		}
	default:
		c.printf("Unknown command %q\n", fields[0])
	}
	return false
}

func (c *CLI) report(err error, done string) {
	if err != nil {
		c.printf("❌ %v\n", err)
		return
	}
	c.printf("✅ %s\n", done)
}

func (c *CLI) status() {
	snap := c.session.Snapshot()
	c.printf("State: %s (%d connected, %d connecting)\n", snap.State, len(snap.Connected), len(snap.Connecting))
	c.printf("Auto-accept: %t  Advertising: %t\n", snap.AutoAccept, snap.Advertising)
	if len(snap.Pending) == 0 {
		return
	}
	c.printf("Pending invitations:\n")
	for _, inv := range snap.Pending {
		c.printf("  - %s (since %s)\n", inv.PeerID, inv.Received.Format("15:04:05"))
	}
}

func (c *CLI) peers() {
	snap := c.session.Snapshot()
	if len(snap.Connected) == 0 {
		c.printf("No connected peers.\n")
		return
	}
	profiles := c.session.DiscoveredProfiles()
	c.printf("Connected peers:\n")
	for _, id := range snap.Connected {
		p, ok := profiles[id]
		if !ok {
			c.printf("  - %s (no profile yet)\n", id)
			continue
		}
		c.printf("  - %s: %s [%s]", id, p.Name, p.Status)
		if common := c.session.FindCommonInterests(id); len(common) > 0 {
			c.printf(" common: %s", strings.Join(common, ", "))
		}
		c.printf("\n")
	}
}

func (c *CLI) profile() {
	p := c.session.Profile()
	c.printf("%s [%s]\n", p.Name, p.Status)
	c.printf("  id:        %s\n", p.ID)
	c.printf("  interests: %s\n", strings.Join(p.Interests, ", "))
	if p.Bio != "" {
		c.printf("  bio:       %s\n", p.Bio)
	}
	if p.Gestures.ThumbsUp || p.Gestures.Heart {
		c.printf("  gestures:  thumbs_up=%t heart=%t\n", p.Gestures.ThumbsUp, p.Gestures.Heart)
	}
}

func (c *CLI) connect(ctx context.Context, target string) {
	if target == "" {
		c.printf("Usage: /connect <peerID|addr>\n")
		return
	}
	if strings.HasPrefix(target, "/") {
		if c.dial == nil {
			c.printf("❌ Dialing addresses is not supported\n")
			return
		}
		id, err := c.dial(ctx, target)
		if err != nil {
			c.printf("❌ Connection failed: %v\n", err)
			return
		}
		target = id
	}
	c.report(c.session.ConnectTo(target), "Invited "+target)
}

func (c *CLI) gesture(kind profile.GestureKind) {
	if c.gestures == nil {
		c.printf("❌ Gestures are not enabled\n")
		return
	}
	c.report(c.gestures.Handle(gesture.Event{Kind: kind, Asserted: true}), "Sent "+string(kind))
}

func (c *CLI) watch(ctx context.Context, notes <-chan session.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			switch note.Type {
			case session.NoteInvitationReceived:
				c.printf("\n📨 Invitation from %s (/accept or /reject)\n> ", note.PeerID)
			case session.NotePeerConnected:
				c.printf("\n🔗 Connected to %s\n> ", note.PeerID)
			case session.NotePeerDisconnected:
				c.printf("\n👋 %s disconnected\n> ", note.PeerID)
			case session.NoteProfileReceived:
				p := c.session.DiscoveredProfiles()[note.PeerID]
				c.printf("\n👤 %s is %s [%s]\n> ", note.PeerID, p.Name, p.Status)
			}
		}
	}
}
