// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package rcontest provides an RCON server on a loopback address for exercising clients in tests.
package rcontest

import (
	"net"
	"sync"

	"github.com/craftkit/rcon"
)

// HandlerFunc returns the response body for a command received from an authorized client.
type HandlerFunc func(cmd string) string

// Server answers RCON authorization and command packets. Packets are encoded with
// [rcon.Packet.Encode], so a server built here speaks the same framing as the client.
type Server struct {
	// Password is the password clients must present.
	Password string

	// Handler produces command responses. A nil Handler echoes the command back.
	Handler HandlerFunc

	// SourceAuthPrelude sends an empty response value ahead of each authorization response, the way
	// Source engine servers do.
	SourceAuthPrelude bool

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	conns    map[net.Conn]struct{}
	commands []string
}

// NewServer starts and returns a server listening on 127.0.0.1 with an OS-assigned port. The
// caller should call Close when finished.
func NewServer(password string, handler HandlerFunc) *Server {
	s := NewUnstartedServer(password, handler)
	s.Start()
	return s
}

// NewUnstartedServer returns a server that is not yet listening, so fields may be changed before
// calling Start.
func NewUnstartedServer(password string, handler HandlerFunc) *Server {
	return &Server{
		Password: password,
		Handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections. It panics if the loopback listener can not be created.
func (s *Server) Start() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("rcontest: failed to listen: " + err.Error())
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
}

// Addr returns the host:port the server is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Commands returns every command received so far, in order of arrival.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops the listener, closes open connections and waits for their handlers to return.
func (s *Server) Close() {
	_ = s.ln.Close()

	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	authed := false
	for {
		req, err := rcon.ReadPacket(conn, 0)
		if err != nil {
			return
		}

		var resp rcon.Packet
		switch {
		case req.Type == rcon.PacketTypeAuth:
			if s.SourceAuthPrelude {
				prelude := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue}
				if _, err := prelude.WriteTo(conn); err != nil {
					return
				}
			}
			authed = req.Body == s.Password
			resp = rcon.Packet{ID: req.ID, Type: rcon.PacketTypeAuthResponse}
			if !authed {
				resp.ID = -1
			}

		case !authed:
			resp = rcon.Packet{ID: -1, Type: rcon.PacketTypeAuthResponse}

		default:
			s.mu.Lock()
			s.commands = append(s.commands, req.Body)
			s.mu.Unlock()

			body := req.Body
			if s.Handler != nil {
				body = s.Handler(req.Body)
			}
			resp = rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponseValue, Body: body}
		}

		if _, err := resp.WriteTo(conn); err != nil {
			return
		}
	}
}
