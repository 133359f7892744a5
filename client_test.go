package rcon_test

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftkit/rcon"
	"github.com/craftkit/rcon/rcontest"
)

// countingConn records how often the client closes its transport.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// pipeDialer returns a ClientConfig.Dial that hands out cc, and the server end of the pipe.
func pipeDialer() (*countingConn, net.Conn, func(context.Context, string, string) (net.Conn, error)) {
	cc, sc := net.Pipe()
	conn := &countingConn{Conn: cc}
	return conn, sc, func(context.Context, string, string) (net.Conn, error) {
		return conn, nil
	}
}

// serveAuth reads one authorization request from sc and answers it with respID.
func serveAuth(t *testing.T, sc net.Conn, respID int32) <-chan rcon.Packet {
	t.Helper()
	got := make(chan rcon.Packet, 1)
	go func() {
		defer close(got)
		var req rcon.Packet
		if _, err := req.ReadFrom(sc); err != nil {
			t.Errorf("Failed to read auth request packet from client: %s", err)
			return
		}
		got <- req
		id := respID
		if id == 0 {
			id = req.ID
		}
		resp := rcon.Packet{ID: id, Type: rcon.PacketTypeAuthResponse}
		if _, err := resp.WriteTo(sc); err != nil {
			t.Errorf("Failed to send auth response packet to client: %s", err)
		}
	}()
	return got
}

// readyClient returns an authorized client over a pipe, and the server end of the pipe.
func readyClient(t *testing.T, config rcon.ClientConfig) (*rcon.Client, net.Conn) {
	t.Helper()
	cc, sc := net.Pipe()
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
	})

	c := rcon.NewClient(cc, config)
	served := serveAuth(t, sc, 0)
	if err := c.Authorize(context.Background(), "password"); err != nil {
		t.Fatalf("Client authorize failed: %s", err)
	}
	<-served
	return c, sc
}

func TestClient(t *testing.T) {
	t.Run(
		"successful auth",
		func(t *testing.T) {
			conn, sc, dial := pipeDialer()
			defer sc.Close()

			served := serveAuth(t, sc, 0)
			c, err := rcon.Dial(context.Background(), "mc.example:25575", "password goes here", rcon.ClientConfig{Dial: dial})
			if err != nil {
				t.Fatalf("Dial failed: %s", err)
			}
			defer c.Close()

			req := <-served
			if req.ID != 1 || req.Type != rcon.PacketTypeAuth || req.Body != "password goes here" {
				t.Fatalf("Unexpected auth request packet: %#v", req)
			}
			if c.State() != rcon.StateReady {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateReady)
			}
			if n := conn.closes.Load(); n != 0 {
				t.Fatalf("Transport closed %d times after successful auth", n)
			}
		},
	)

	t.Run(
		"failed auth closes the transport once",
		func(t *testing.T) {
			conn, sc, dial := pipeDialer()
			defer sc.Close()

			served := serveAuth(t, sc, -1)
			c, err := rcon.Dial(context.Background(), "mc.example:25575", "wrong", rcon.ClientConfig{Dial: dial})
			<-served
			if c != nil {
				t.Fatal("Dial returned a client despite failed auth")
			}
			if !errors.Is(err, rcon.ErrUnauthorized) {
				t.Fatalf("Dial error is %v, want %v", err, rcon.ErrUnauthorized)
			}
			var ce *rcon.ConnError
			if errors.As(err, &ce) {
				t.Fatalf("Auth failure reported as a connection error: %s", err)
			}
			if n := conn.closes.Load(); n != 1 {
				t.Fatalf("Transport closed %d times, want 1", n)
			}
		},
	)

	t.Run(
		"dial failure",
		func(t *testing.T) {
			refused := errors.New("connection refused")
			_, err := rcon.Dial(context.Background(), "mc.example:25575", "password", rcon.ClientConfig{
				Dial: func(context.Context, string, string) (net.Conn, error) { return nil, refused },
			})
			var ce *rcon.ConnError
			if !errors.As(err, &ce) || ce.Op != "dial" || !errors.Is(err, refused) {
				t.Fatalf("Dial error is %v, want a dial ConnError wrapping %v", err, refused)
			}
		},
	)

	t.Run(
		"successful exec command",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			want := "There are 0 of a max 20 players online:"
			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				if req.ID != 2 || req.Type != rcon.PacketTypeExecCommand || req.Body != "list" {
					t.Errorf("Unexpected exec command request packet: %#v", req)
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: want}
				if _, err := resp.WriteTo(sc); err != nil {
					t.Errorf("Failed to send exec command response packet to client: %s", err)
				}
			}()

			got, err := c.ExecCommand(context.Background(), "list")
			if err != nil {
				t.Fatalf("Client exec command failed: %s", err)
			}
			if got != want {
				t.Fatalf("Exec command response mismatch, got: %q, want: %q", got, want)
			}
		},
	)

	t.Run(
		"exec command before auth",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := rcon.NewClient(cc, rcon.ClientConfig{})
			if c.State() != rcon.StateAuthenticating {
				t.Fatalf("New client state is %s, want %s", c.State(), rcon.StateAuthenticating)
			}
			_, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrNotReady) {
				t.Fatalf("Unauthed exec command returned %v, want %v", err, rcon.ErrNotReady)
			}
		},
	)

	t.Run(
		"unauthorized response mid session",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read request packet from client: %s", err)
					return
				}
				resp := rcon.Packet{ID: -1, Type: rcon.PacketTypeAuthResponse}
				if _, err := resp.WriteTo(sc); err != nil {
					t.Errorf("Failed to send auth response packet to client: %s", err)
				}
			}()

			_, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrUnauthorized) {
				t.Fatalf("Exec command returned %v, want %v", err, rcon.ErrUnauthorized)
			}
			if c.State() != rcon.StateClosed {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateClosed)
			}
		},
	)

	t.Run(
		"write to a closed client",
		func(t *testing.T) {
			c, _ := readyClient(t, rcon.ClientConfig{})
			if err := c.Close(); err != nil {
				t.Fatalf("Problem closing client: %s", err)
			}

			_, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrClosed) {
				t.Fatalf("Exec command on a closed client returned %v, want %v", err, rcon.ErrClosed)
			}
			if err := c.Authorize(context.Background(), "password"); !errors.Is(err, rcon.ErrClosed) {
				t.Fatalf("Authorize on a closed client returned %v, want %v", err, rcon.ErrClosed)
			}
		},
	)

	t.Run(
		"read from a closed conn",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				_ = sc.Close()
			}()

			_, err := c.ExecCommand(context.Background(), "info")
			var ce *rcon.ConnError
			if !errors.As(err, &ce) || ce.Op != "read" || !errors.Is(err, io.EOF) {
				t.Fatalf("Read from a closed connection returned %v, want a read ConnError wrapping EOF", err)
			}
			if c.State() != rcon.StateClosed {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateClosed)
			}
		},
	)

	t.Run(
		"truncated response header",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: "cut short"}
				if _, err := sc.Write(resp.Encode()[:6]); err != nil {
					t.Errorf("Failed to write partial header: %s", err)
				}
				_ = sc.Close()
			}()

			got, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrMalformedFrame) {
				t.Fatalf("Truncated header returned %q, %v; want a framing error", got, err)
			}
			if got != "" {
				t.Fatalf("Truncated header returned partial output %q", got)
			}
		},
	)

	t.Run(
		"fragmented response",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			want := strings.Repeat("0123456789", 500)
			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				b := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: want}.Encode()
				for len(b) > 0 {
					n := min(len(b), 7)
					if _, err := sc.Write(b[:n]); err != nil {
						t.Errorf("Failed to write response fragment: %s", err)
						return
					}
					b = b[n:]
				}
			}()

			got, err := c.ExecCommand(context.Background(), strings.Repeat("c", 5000))
			if err != nil {
				t.Fatalf("Exec command failed: %s", err)
			}
			if got != want {
				t.Fatalf("Fragmented response reassembled to %d bytes, want %d", len(got), len(want))
			}
		},
	)

	t.Run(
		"request timeout",
		func(t *testing.T) {
			c, _ := readyClient(t, rcon.ClientConfig{Timeout: 10 * time.Millisecond})

			_, err := c.ExecCommand(context.Background(), "info")
			var ce *rcon.ConnError
			if !errors.As(err, &ce) || !ce.Timeout() {
				t.Fatalf("Exec command returned %v, want a timeout", err)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Exec command returned %v, want it to wrap %v", err, context.DeadlineExceeded)
			}
			if c.State() != rcon.StateClosed {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateClosed)
			}
		},
	)

	t.Run(
		"context cancellation interrupts a pending read",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				cancel()
			}()

			_, err := c.ExecCommand(ctx, "info")
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Exec command returned %v, want %v", err, context.Canceled)
			}
			if c.State() != rcon.StateClosed {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateClosed)
			}
		},
	)

	t.Run(
		"already cancelled context leaves the session usable",
		func(t *testing.T) {
			c, _ := readyClient(t, rcon.ClientConfig{})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := c.ExecCommand(ctx, "info"); !errors.Is(err, context.Canceled) {
				t.Fatalf("Exec command returned %v, want %v", err, context.Canceled)
			}
			if c.State() != rcon.StateReady {
				t.Fatalf("Client state is %s, want %s", c.State(), rcon.StateReady)
			}
		},
	)

	t.Run(
		"close interrupts a pending read",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				_ = c.Close()
			}()

			_, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrClosed) {
				t.Fatalf("Exec command returned %v, want %v", err, rcon.ErrClosed)
			}
		},
	)

	t.Run(
		"invalid and oversized command bodies",
		func(t *testing.T) {
			c, _ := readyClient(t, rcon.ClientConfig{MaxRequestBody: 16})

			if _, err := c.ExecCommand(context.Background(), "say \x00"); !errors.Is(err, rcon.ErrInvalidBody) {
				t.Fatalf("Exec command returned %v, want %v", err, rcon.ErrInvalidBody)
			}
			if _, err := c.ExecCommand(context.Background(), strings.Repeat("x", 17)); !errors.Is(err, rcon.ErrBodyTooLarge) {
				t.Fatalf("Exec command returned %v, want %v", err, rcon.ErrBodyTooLarge)
			}
			if c.State() != rcon.StateReady {
				t.Fatalf("Rejected commands changed client state to %s", c.State())
			}
		},
	)

	t.Run(
		"oversized response",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{MaxResponseBody: 8})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: "more than eight bytes"}
				_, _ = resp.WriteTo(sc)
			}()

			_, err := c.ExecCommand(context.Background(), "info")
			if !errors.Is(err, rcon.ErrMalformedFrame) {
				t.Fatalf("Exec command returned %v, want a framing error", err)
			}
		},
	)

	t.Run(
		"raw request",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read request packet from client: %s", err)
					return
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: "pong"}
				_, _ = resp.WriteTo(sc)
			}()

			resp, err := c.Request(context.Background(), rcon.Packet{ID: 42, Type: rcon.PacketTypeExecCommand, Body: "ping"})
			if err != nil {
				t.Fatalf("Request failed: %s", err)
			}
			want := rcon.Packet{ID: 42, Type: rcon.PacketTypeResponseValue, Body: "pong"}
			if !resp.Equal(want) {
				t.Fatalf("Request returned %#v, want %#v", resp, want)
			}
		},
	)

	t.Run(
		"negative starting seq set to 1",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := rcon.NewClient(cc, rcon.ClientConfig{StartingSeq: math.MinInt32})
			served := serveAuth(t, sc, 0)
			if err := c.Authorize(context.Background(), "password"); err != nil {
				t.Fatalf("Failed to authorize: %s", err)
			}
			if req := <-served; req.ID != 1 {
				t.Fatalf("Expected auth request packet to have ID of 1, got: %d", req.ID)
			}
		},
	)

	t.Run(
		"math.MaxInt32 seq wraps to 1",
		func(t *testing.T) {
			c, sc := readyClient(t, rcon.ClientConfig{StartingSeq: math.MaxInt32})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command request packet from client: %s", err)
					return
				}
				if req.ID != 1 {
					t.Errorf("Expected request packet to have ID of 1, got: %d", req.ID)
				}
				resp := rcon.Packet{ID: req.ID}
				if _, err := resp.WriteTo(sc); err != nil {
					t.Errorf("Failed to write exec command response packet to client: %s", err)
				}
			}()

			if _, err := c.ExecCommand(context.Background(), "info"); err != nil {
				t.Fatalf("Failed exec command: %s", err)
			}
		},
	)

	t.Run(
		"outbound auth packets are sanitized",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			password := "password"
			logger := &testLogger{t: t, password: password}
			c := rcon.NewClient(cc, rcon.ClientConfig{Logger: slog.New(logger)})

			served := serveAuth(t, sc, 0)
			if err := c.Authorize(context.Background(), password); err != nil {
				t.Fatalf("Failed to authorize: %s", err)
			}
			<-served
			if logger.records.Load() != 2 {
				t.Fatalf("Expected 2 packet log records, got %d", logger.records.Load())
			}
			if got := logger.loggedTypes(); len(got) != 2 || got[0] != "AUTH" || got[1] != "AUTH_RESPONSE" {
				t.Fatalf("Logged packet types %q, want [AUTH AUTH_RESPONSE]", got)
			}
		},
	)

	t.Run(
		"empty response value with matching id during auth is skipped",
		func(t *testing.T) {
			c, sc := net.Pipe()
			defer func() {
				_ = c.Close()
				_ = sc.Close()
			}()
			client := rcon.NewClient(c, rcon.ClientConfig{Timeout: time.Second})

			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read auth request packet from client: %s", err)
					return
				}
				prelude := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue}
				if _, err := prelude.WriteTo(sc); err != nil {
					t.Errorf("Failed to send prelude packet to client: %s", err)
					return
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeAuthResponse}
				if _, err := resp.WriteTo(sc); err != nil {
					t.Errorf("Failed to send auth response packet to client: %s", err)
				}
			}()

			if err := client.Authorize(context.Background(), "password"); err != nil {
				t.Fatalf("Authorize failed: %s", err)
			}
			if client.State() != rcon.StateReady {
				t.Fatalf("Client state is %s, want %s", client.State(), rcon.StateReady)
			}

			// The auth response was consumed along with the prelude, so the stream is aligned.
			go func() {
				var req rcon.Packet
				if _, err := req.ReadFrom(sc); err != nil {
					t.Errorf("Failed to read exec command packet from client: %s", err)
					return
				}
				resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: "pong"}
				if _, err := resp.WriteTo(sc); err != nil {
					t.Errorf("Failed to send response packet to client: %s", err)
				}
			}()
			got, err := client.ExecCommand(context.Background(), "ping")
			if err != nil || got != "pong" {
				t.Fatalf("Exec command returned %q, %v", got, err)
			}
		},
	)
}

func TestClientAgainstServer(t *testing.T) {
	t.Run(
		"source auth prelude is skipped",
		func(t *testing.T) {
			srv := rcontest.NewUnstartedServer("password", func(cmd string) string { return "echo: " + cmd })
			srv.SourceAuthPrelude = true
			srv.Start()
			defer srv.Close()

			c, err := rcon.Dial(context.Background(), srv.Addr(), "password", rcon.ClientConfig{})
			if err != nil {
				t.Fatalf("Dial failed: %s", err)
			}
			defer c.Close()

			for _, cmd := range []string{"list", "seed", "time query daytime"} {
				got, err := c.ExecCommand(context.Background(), cmd)
				if err != nil {
					t.Fatalf("Exec command %q failed: %s", cmd, err)
				}
				if got != "echo: "+cmd {
					t.Fatalf("Exec command %q returned %q", cmd, got)
				}
			}
		},
	)

	t.Run(
		"wrong password",
		func(t *testing.T) {
			srv := rcontest.NewServer("password", nil)
			defer srv.Close()

			host, port, err := net.SplitHostPort(srv.Addr())
			if err != nil {
				t.Fatal(err)
			}
			p, err := strconv.Atoi(port)
			if err != nil {
				t.Fatal(err)
			}

			_, err = rcon.DialHostPort(context.Background(), host, p, "hunter2", rcon.ClientConfig{})
			if !errors.Is(err, rcon.ErrUnauthorized) {
				t.Fatalf("Dial returned %v, want %v", err, rcon.ErrUnauthorized)
			}
		},
	)

	t.Run(
		"concurrent callers are serialized",
		func(t *testing.T) {
			srv := rcontest.NewServer("password", strings.ToUpper)
			defer srv.Close()

			c, err := rcon.Dial(context.Background(), srv.Addr(), "password", rcon.ClientConfig{})
			if err != nil {
				t.Fatalf("Dial failed: %s", err)
			}
			defer c.Close()

			cmds := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
			errs := make(chan error, len(cmds))
			for _, cmd := range cmds {
				go func(cmd string) {
					got, err := c.ExecCommand(context.Background(), cmd)
					if err == nil && got != strings.ToUpper(cmd) {
						err = errors.New("response " + got + " does not belong to " + cmd)
					}
					errs <- err
				}(cmd)
			}
			for range cmds {
				if err := <-errs; err != nil {
					t.Fatal(err)
				}
			}
		},
	)
}

func TestStateString(t *testing.T) {
	cases := map[rcon.State]string{
		rcon.StateConnecting:     "connecting",
		rcon.StateAuthenticating: "authenticating",
		rcon.StateReady:          "ready",
		rcon.StateClosed:         "closed",
		9:                        "State(9)",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}

type testLogger struct {
	t        *testing.T
	password string
	records  atomic.Int32

	mu    sync.Mutex
	types []string
}

func (l *testLogger) loggedTypes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.types...)
}

func (l *testLogger) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (l *testLogger) WithAttrs(_ []slog.Attr) slog.Handler         { return l }
func (l *testLogger) WithGroup(_ string) slog.Handler              { return l }

func (l *testLogger) Handle(_ context.Context, r slog.Record) error {
	l.records.Add(1)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "type" {
			l.mu.Lock()
			l.types = append(l.types, a.Value.String())
			l.mu.Unlock()
		}
		if strings.Contains(a.Value.String(), hex.EncodeToString([]byte(l.password))) {
			l.t.Error("Outbound authorization packet was not scrubbed from logs")
		}
		return true
	})
	return nil
}
