package session

import (
	"sync"
	"time"
)

// Transport is the duplex byte stream under a connection. Implemented by
// the WebSocket layer in production and by in-memory fakes in tests.
type Transport interface {
	// Send writes one frame to the peer
	Send(data []byte) error

	// Terminate forcibly closes the transport
	Terminate()

	// RemoteAddr returns the peer address as reported by the socket
	RemoteAddr() string
}

// LivenessProbe is the per-connection probe loop handle. Kept as an
// interface so the session package does not depend on the liveness package.
type LivenessProbe interface {
	// Pong notes that the peer answered a probe
	Pong()

	// Stop cancels all probe timers
	Stop()
}

// Role classifies a connection. A connection starts unregistered and gains
// a role from its first identity-carrying frame.
type Role int

const (
	// RoleUnregistered is a connection that has not yet identified itself
	RoleUnregistered Role = iota

	// RoleDevice is a firmware board that sent a registration frame
	RoleDevice

	// RoleClient is an admin or user client that sent a discovery or
	// command frame
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleClient:
		return "client"
	default:
		return "unregistered"
	}
}

// Conn is one live transport session. Device and client connections share
// the type; the role and identity fields form the tagged union.
//
// Identity fields live in one namespace: a device's ID is its 64-hex-char
// board identity, a client's ID is the identity hash it presented. Lookups
// by ID intentionally search both.
type Conn struct {
	Transport

	// Session is a server-local identifier used in logs before the peer
	// presents an identity
	Session string

	// IP is the parsed dotted-quad remote address
	IP string

	mu       sync.Mutex
	role     Role
	id       string
	userName string
	subUsers []string
	nickname string

	liveness       LivenessProbe
	tokenChallenge *time.Timer
	tokenEvict     *time.Timer
	tokenIssued    bool
}

// NewConn wraps a transport. The session id comes from the caller so the
// server can mint it once and reuse it in access logs.
func NewConn(t Transport, session, ip string) *Conn {
	return &Conn{
		Transport: t,
		Session:   session,
		IP:        ip,
	}
}

// Role returns the connection's current role.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// ID returns the peer identity (device id or client id), empty when
// unregistered.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// UserName returns the owning admin identity of a device connection.
func (c *Conn) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

// SubUsers returns the additional user identities a device accepts
// commands from.
func (c *Conn) SubUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.subUsers))
	copy(out, c.subUsers)
	return out
}

// BecomeDevice transitions the connection to the device role with the
// given board identity, owner and sub-user set. Re-registration overwrites
// the previous identity.
func (c *Conn) BecomeDevice(id, owner string, subUsers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleDevice
	c.id = id
	c.userName = owner
	c.subUsers = subUsers
}

// BecomeClient records the client identity a discovery or command frame
// carried. A device connection keeps its role; only the id is refreshed,
// matching how boards can also issue commands.
func (c *Conn) BecomeClient(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RoleUnregistered {
		c.role = RoleClient
	}
	c.id = id
}

// SetClientIDIfEmpty records id only when the connection has none yet.
func (c *Conn) SetClientIDIfEmpty(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		return
	}
	if c.role == RoleUnregistered {
		c.role = RoleClient
	}
	c.id = id
}

// SetNickname stores the display name a board reported in its
// self-description. Diagnostic only.
func (c *Conn) SetNickname(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nickname = name
}

// Nickname returns the board's reported display name.
func (c *Conn) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// OwnedBy reports whether name is the connection's owner or one of its
// sub-users.
func (c *Conn) OwnedBy(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userName == name {
		return true
	}
	for _, u := range c.subUsers {
		if u == name {
			return true
		}
	}
	return false
}

// SetLiveness attaches the probe loop handle.
func (c *Conn) SetLiveness(p LivenessProbe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveness = p
}

// Liveness returns the probe loop handle, nil when probing is disabled.
func (c *Conn) Liveness() LivenessProbe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

// SetTokenChallengeTimer stores the delayed-challenge timer handle.
func (c *Conn) SetTokenChallengeTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenChallenge = t
}

// SetTokenEvictTimer stores the challenge-response eviction timer and marks
// the connection as challenged. The mark is sticky: once a challenge went
// out, further registration frames are treated as challenge responses.
func (c *Conn) SetTokenEvictTimer(t *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenEvict = t
	c.tokenIssued = true
}

// TokenChallengePending reports whether a token challenge has been issued
// on this connection.
func (c *Conn) TokenChallengePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenIssued
}

// ClearTokenEvict cancels the pending eviction after a valid challenge
// response.
func (c *Conn) ClearTokenEvict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenEvict != nil {
		c.tokenEvict.Stop()
	}
}

// CancelTimers synchronously stops every timer owned by the connection.
// Must be called on close; a timer surviving its connection can fire
// eviction logic against a dead transport.
func (c *Conn) CancelTimers() {
	c.mu.Lock()
	liveness := c.liveness
	challenge := c.tokenChallenge
	evict := c.tokenEvict
	c.mu.Unlock()

	if liveness != nil {
		liveness.Stop()
	}
	if challenge != nil {
		challenge.Stop()
	}
	if evict != nil {
		evict.Stop()
	}
}
