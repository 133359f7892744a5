// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon provides a client for the Source-style RCON protocol spoken by dedicated game servers
(Minecraft's rcon.port among them), as described by Valve Software at
https://developer.valvesoftware.com/wiki/Source_RCON_Protocol.

A [Client] owns a single connection. [Dial] opens the connection and performs the authorization
handshake, returning a client that is ready to execute commands:

	c, err := rcon.Dial(ctx, "localhost:25575", "password", rcon.ClientConfig{})
	if err != nil {
		return err
	}
	defer c.Close()

	out, err := c.ExecCommand(ctx, "list")

The protocol is strictly request/response. A client issues one packet and reads exactly one packet
back before the next exchange may begin; concurrent callers are queued behind a mutex.
*/
package rcon
