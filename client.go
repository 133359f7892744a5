// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle stage of a [Client].
type State int32

const (
	// StateConnecting is the stage before a transport exists. Clients returned by [NewClient] have
	// already left it.
	StateConnecting State = iota

	// StateAuthenticating means a connection is open but no authorization has succeeded yet.
	StateAuthenticating

	// StateReady means the server accepted the password and commands may be executed.
	StateReady

	// StateClosed is terminal. Every operation fails with [ErrClosed].
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// aLongTimeAgo is a deadline in the past, used to interrupt blocking I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Client is an RCON session over a single connection. [Dial] connects and authorizes in one step;
// [NewClient] wraps a caller-supplied [net.Conn], such as a [crypto/tls.Conn] or a Unix socket, and
// leaves the session in [StateAuthenticating] until [Client.Authorize] succeeds. Commands are only
// accepted in [StateReady], and a closed client stays in [StateClosed].
//
// Clients are safe for concurrent use. Exchanges are strictly serialized, since the protocol offers
// no multiplexing and responses are matched to requests by position.
//
// Any transport or framing failure during an exchange leaves the stream at an unknown position, so
// the client closes itself and the failure is returned. RCON does not specify any keep alive
// functionality, so a client may return an EOF or similar error when idle for an extended period.
type Client struct {
	// seq holds the next packet ID to send. It stays between 1 and [math.MaxInt32] inclusive.
	seq atomic.Int32

	// state holds a State. It is written under mu, except by Close.
	state atomic.Int32

	// mu serializes exchanges on the underlying connection.
	mu sync.Mutex

	// conn is the underlying connection RCON messages are sent and received over.
	conn net.Conn

	closeOnce sync.Once
	closeErr  error

	// timeout is a limit on the time allowed for a single request and response round trip. Zero
	// means no limit beyond the caller's context.
	timeout time.Duration

	maxRequestBody  int
	maxResponseBody int

	// logger receives any log output from a client.
	logger *slog.Logger

	// logOutboundAuthPackets enables debug logging of outbound authorization request packets,
	// exposing server passwords in plaintext. When false (the default value,) outbound
	// authorization packets are sanitized to hide both the password text and packet length.
	logOutboundAuthPackets bool
}

// Dial connects to the RCON server at address, sends password and returns a client that is ready
// to execute commands. A refused or unreachable address fails with a [*ConnError]; a rejected
// password fails with [ErrUnauthorized]. In both cases no connection is left open.
func Dial(ctx context.Context, address, password string, config ClientConfig) (*Client, error) {
	dial := config.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnError{Op: "dial", Err: err}
	}

	c := NewClient(conn, config)
	if err := c.Authorize(ctx, password); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// DialHostPort is [Dial] with the address given as separate host and port.
func DialHostPort(ctx context.Context, host string, port int, password string, config ClientConfig) (*Client, error) {
	return Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), password, config)
}

// NewClient creates and returns a [Client] that uses conn as its transport, configured by the
// provided config. The client starts in [StateAuthenticating]; call [Client.Authorize] before
// executing commands.
//
// Once a conn is provided to a NewClient call, the conn should not be used outside of the client
// in order to ensure reliable message delivery.
func NewClient(conn net.Conn, config ClientConfig) *Client {
	c := &Client{
		conn:                   conn,
		timeout:                config.Timeout,
		maxRequestBody:         config.MaxRequestBody,
		maxResponseBody:        config.MaxResponseBody,
		logger:                 config.Logger,
		logOutboundAuthPackets: config.LogOutboundAuthPackets,
	}
	seq := config.StartingSeq
	if seq < 1 {
		seq = 1
	}
	c.seq.Store(seq)
	c.state.Store(int32(StateAuthenticating))
	return c
}

// State returns the client's current lifecycle stage.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Close closes the receiving client's underlying connection. An exchange in progress on another
// goroutine fails with an error matching [ErrClosed]. Calling Close more than once returns the
// result of the first call.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Authorize sends the provided password to the RCON server to authorize the current session.
//
// The server echoes the request ID on success. A response of type [PacketTypeAuthResponse] with
// any other ID means the password was rejected: the client is closed and [ErrUnauthorized] is
// returned.
//
// Source servers send an empty RESPONSE_VALUE ahead of the auth response. Any empty RESPONSE_VALUE
// received while authorizing is skipped and the next packet is read, whatever its ID, so a server
// that answers only with an empty RESPONSE_VALUE leaves Authorize waiting until ctx or the timeout
// ends it.
func (c *Client) Authorize(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return ErrClosed
	}

	req := Packet{
		Type: PacketTypeAuth,
		Body: password,
	}
	if err := req.Validate(); err != nil {
		return err
	}
	req.ID = c.loadAndIncrementSeq()

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}

	switch {
	case resp.ID == req.ID:
		c.state.Store(int32(StateReady))
		return nil

	case resp.Type == PacketTypeAuthResponse:
		_ = c.Close()
		return ErrUnauthorized

	default:
		_ = c.Close()
		return &FramingError{Reason: fmt.Sprintf("unexpected %s packet with id %d in reply to authorization", resp.Type, resp.ID)}
	}
}

// ExecCommand sends cmd to the server for execution and returns the body of the single response
// packet. The client must be authorized.
func (c *Client) ExecCommand(ctx context.Context, cmd string) (string, error) {
	req := Packet{
		Type: PacketTypeExecCommand,
		Body: cmd,
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if c.maxRequestBody > 0 && len(cmd) > c.maxRequestBody {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrBodyTooLarge, len(cmd), c.maxRequestBody)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateClosed:
		return "", ErrClosed
	case StateReady:
	default:
		return "", ErrNotReady
	}

	req.ID = c.loadAndIncrementSeq()
	resp, err := c.request(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Request sends the provided [Packet] to the RCON server and returns the response [Packet]. The
// request ID is sent as given. When the client receives an authorization error packet in
// response, it is closed and the packet is returned alongside [ErrUnauthorized].
func (c *Client) Request(ctx context.Context, req Packet) (Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return Packet{}, ErrClosed
	}
	return c.request(ctx, req)
}

// request performs an exchange with mu held.
func (c *Client) request(ctx context.Context, req Packet) (Packet, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return Packet{}, err
	}

	// Check for an authorization error.
	if resp.Type == PacketTypeAuthResponse && resp.ID == -1 {
		_ = c.Close()
		return resp, ErrUnauthorized
	}
	return resp, nil
}

// roundTrip writes req and reads its response with mu held. Source servers answer an
// authorization request with an empty response value ahead of the authorization response; that
// packet is skipped.
func (c *Client) roundTrip(ctx context.Context, req Packet) (Packet, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	// Nothing has touched the stream yet, so the session is still usable.
	if err := ctx.Err(); err != nil {
		return Packet{}, err
	}

	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(interrupted)
		_ = c.conn.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		_ = c.conn.SetDeadline(time.Time{})
	}()

	c.logPacket(ctx, "sending packet", req, false)
	if _, err := req.WriteTo(c.conn); err != nil {
		return Packet{}, c.fail(ctx, "write", err)
	}

	resp, err := ReadPacket(c.conn, c.maxResponseBody)
	if err != nil {
		return Packet{}, c.fail(ctx, "read", err)
	}
	c.logPacket(ctx, "received packet", resp, true)

	if req.Type == PacketTypeAuth && resp.Type == PacketTypeResponseValue && resp.Body == "" {
		resp, err = ReadPacket(c.conn, c.maxResponseBody)
		if err != nil {
			return Packet{}, c.fail(ctx, "read", err)
		}
		c.logPacket(ctx, "received packet", resp, true)
	}

	return resp, nil
}

// fail closes the client after a broken exchange and returns err classified for the caller.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	closedByCaller := c.State() == StateClosed
	_ = c.Close()

	var fe *FramingError
	switch {
	case closedByCaller:
		return &ConnError{Op: op, Err: ErrClosed}
	case ctx.Err() != nil:
		return &ConnError{Op: op, Err: ctx.Err()}
	case errors.Is(err, os.ErrDeadlineExceeded):
		// Only ctx sets deadlines on conn, so its timer has fired but not yet been observed.
		return &ConnError{Op: op, Err: context.DeadlineExceeded}
	case errors.As(err, &fe):
		return err
	default:
		return &ConnError{Op: op, Err: err}
	}
}

// loadAndIncrementSeq returns and then increments the receiving client's seq, wrapping around to
// one when [math.MaxInt32] is reached. IDs of zero and below are never issued, so a legitimate
// response can not be mistaken for the -1 of a failed authorization.
func (c *Client) loadAndIncrementSeq() int32 {
	for {
		cur := c.seq.Load()
		seq, next := cur, cur+1
		switch {
		case cur < 1:
			seq, next = 1, 2
		case cur == math.MaxInt32:
			next = 1
		}
		if c.seq.CompareAndSwap(cur, next) {
			return seq
		}
	}
}

// logPacket writes a debug record for packet. Outbound authorization bodies are replaced unless
// LogOutboundAuthPackets is set. Type code 2 is named by direction, since it means EXECCOMMAND on
// the way out and AUTH_RESPONSE on the way in.
func (c *Client) logPacket(ctx context.Context, logMsg string, packet Packet, inbound bool) {
	if c.logger == nil || !c.logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}

	if packet.Type == PacketTypeAuth && !c.logOutboundAuthPackets {
		packet.Body = "xxxxx"
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, logMsg,
		slog.Int("id", int(packet.ID)),
		slog.String("type", typeName(packet.Type, inbound)),
		slog.String("packet", hex.EncodeToString(packet.Encode())),
	)
}

func typeName(t PacketType, inbound bool) string {
	if inbound && t == PacketTypeAuthResponse {
		return "AUTH_RESPONSE"
	}
	return t.String()
}

// ClientConfig contains settings to control [Client] instances.
type ClientConfig struct {
	// Timeout limits the amount of time a client can spend performing a single request and response
	// round trip. Zero leaves the limit to the context passed with each call. Expiry closes the
	// client.
	Timeout time.Duration

	// StartingSeq is the initial value for a client's packet ID sequence. Values below one are
	// treated as one, so the authorization packet is sent with ID 1 and the first command with ID 2
	// unless configured otherwise.
	StartingSeq int32

	// MaxRequestBody rejects commands longer than this many bytes before they are sent. Zero means
	// no limit. See [ConventionalMaxRequestBody].
	MaxRequestBody int

	// MaxResponseBody rejects response packets declaring a body longer than this many bytes. Zero
	// means no limit. See [ConventionalMaxResponseBody].
	MaxResponseBody int

	// Dial opens the transport for [Dial]. A nil Dial uses a zero [net.Dialer].
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger receives log entries from a client.
	Logger *slog.Logger

	// LogOutboundAuthPackets is a flag that must be explicitly enabled when the client is created.
	// This field enables debug logging to include outbound authorization request packets, exposing
	// server passwords in plaintext. When this field is false (the default value,) outbound
	// authorization packets will be sanitized to hide both the password text and packet length.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogOutboundAuthPackets bool
}
