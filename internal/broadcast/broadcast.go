// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package broadcast sends one command to several servers at once.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craftkit/rcon"
	"github.com/craftkit/rcon/internal/config"
)

const DefaultConcurrency = 8

// Result statuses.
const (
	StatusOK           = "ok"
	StatusUnauthorized = "unauthorized"
	StatusTimeout      = "timeout"
	StatusError        = "error"
)

// Result is the outcome for one server. Output holds the response, or the error text when the
// command failed.
type Result struct {
	Server  string `json:"server" yaml:"server"`
	Address string `json:"address" yaml:"address"`
	Status  string `json:"status" yaml:"status" table:",status"`
	Elapsed string `json:"elapsed" yaml:"elapsed"`
	Output  string `json:"output" yaml:"output"`

	Err error `json:"-" yaml:"-" table:"-"`
}

// Options for Run.
type Options struct {
	// Concurrency caps the number of servers contacted at once. Zero means DefaultConcurrency.
	Concurrency int

	// Client is the base configuration for every connection. Each server's Timeout replaces
	// Client.Timeout.
	Client rcon.ClientConfig

	// Format is applied to successful responses.
	Format func(string) string
}

// Run sends command to every server and returns one Result per server, in the order given. A
// failure on one server does not stop the others.
func Run(ctx context.Context, servers []config.Server, command string, opts Options) []Result {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	results := make([]Result, len(servers))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, s := range servers {
		g.Go(func() error {
			results[i] = runOne(ctx, s, command, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func runOne(ctx context.Context, s config.Server, command string, opts Options) Result {
	res := Result{Server: s.Name, Address: s.Address()}

	cfg := opts.Client
	cfg.Timeout = s.Timeout
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("server", s.Name)
	}

	start := time.Now()
	resp, err := exec(ctx, s, command, cfg)
	res.Elapsed = time.Since(start).Round(time.Millisecond).String()

	if err != nil {
		res.Err = err
		res.Status = Status(err)
		res.Output = err.Error()
		return res
	}

	if opts.Format != nil {
		resp = opts.Format(resp)
	}
	res.Status = StatusOK
	res.Output = resp
	return res
}

func exec(ctx context.Context, s config.Server, command string, cfg rcon.ClientConfig) (string, error) {
	c, err := rcon.Dial(ctx, s.Address(), s.Password, cfg)
	if err != nil {
		return "", err
	}
	defer c.Close()

	resp, err := c.ExecCommand(ctx, command)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	return resp, nil
}

// Status classifies err into one of the Result statuses.
func Status(err error) string {
	var connErr *rcon.ConnError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, rcon.ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &connErr) && connErr.Timeout():
		return StatusTimeout
	default:
		return StatusError
	}
}

// Failed counts the results that did not succeed.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Status != StatusOK {
			n++
		}
	}
	return n
}
