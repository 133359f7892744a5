// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package shell implements the interactive rconctl console: every line is sent to the server as
// one command and the response is printed.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/craftkit/rcon"
)

const historyLimit = 500

// Executor runs one command and returns the server's response.
type Executor interface {
	ExecCommand(ctx context.Context, cmd string) (string, error)
}

// Config for a Shell. Zero values fall back to the process's standard streams.
type Config struct {
	Prompt      string
	HistoryFile string

	Stdin  io.ReadCloser
	Stdout io.Writer
	Stderr io.Writer

	// Format is applied to every response before it is printed.
	Format func(string) string

	Logger *slog.Logger
}

// Shell is a line-oriented console bound to one Executor.
type Shell struct {
	exec  Executor
	cfg   Config
	local map[string]func(*Shell) (bool, error)
	rl    *readline.Instance
}

// New returns a Shell sending commands to exec.
func New(exec Executor, cfg Config) *Shell {
	if cfg.Prompt == "" {
		cfg.Prompt = "\033[32m»\033[0m "
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Format == nil {
		cfg.Format = func(s string) string { return s }
	}

	return &Shell{
		exec: exec,
		cfg:  cfg,
		local: map[string]func(*Shell) (bool, error){
			"quit":           quit,
			"exit":           quit,
			":clear-history": clearHistory,
		},
	}
}

// Run reads lines until quit, end of input or ctx is done. It returns the error that ended the
// session when the connection is lost.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.cfg.Prompt,
		AutoComplete:    NewCompleter(),
		HistoryFile:     s.cfg.HistoryFile,
		HistoryLimit:    historyLimit,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           s.cfg.Stdin,
		Stdout:          s.cfg.Stdout,
		Stderr:          s.cfg.Stderr,
	})
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}
	s.rl = rl
	defer rl.Close()

	stop := context.AfterFunc(ctx, func() { rl.Close() })
	defer stop()

	fmt.Fprintln(s.cfg.Stdout, "Enter 'quit' to exit")

	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		done, err := s.Handle(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Handle processes one input line. It reports whether the shell should stop, and returns an error
// only when the session can no longer be used.
func (s *Shell) Handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if fn, ok := s.local[strings.ToLower(line)]; ok {
		return fn(s)
	}

	resp, err := s.exec.ExecCommand(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, rcon.ErrInvalidBody), errors.Is(err, rcon.ErrBodyTooLarge):
		fmt.Fprintf(s.cfg.Stderr, "Error: %s\n", err)
		return false, nil
	default:
		return true, err
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug("command complete", "command", line, "response_bytes", len(resp))
	}
	resp = s.cfg.Format(resp)
	if resp == "" {
		return false, nil
	}
	if !strings.HasSuffix(resp, "\n") {
		resp += "\n"
	}
	_, err = io.WriteString(s.cfg.Stdout, resp)
	return false, err
}

func quit(*Shell) (bool, error) { return true, nil }

func clearHistory(s *Shell) (bool, error) {
	if s.rl != nil {
		s.rl.ResetHistory()
	}
	if s.cfg.HistoryFile != "" {
		if err := os.Truncate(s.cfg.HistoryFile, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(s.cfg.Stderr, "Error: clear history: %s\n", err)
		}
	}
	return false, nil
}

// commands is the completion tree: each key completes to itself and its children.
var commands = map[string][]string{
	"ban":        nil,
	"ban-ip":     nil,
	"banlist":    {"ips", "players"},
	"deop":       nil,
	"difficulty": {"easy", "hard", "normal", "peaceful"},
	"gamemode":   {"adventure", "creative", "spectator", "survival"},
	"gamerule":   nil,
	"give":       nil,
	"help":       nil,
	"kick":       nil,
	"list":       {"uuids"},
	"op":         nil,
	"pardon":     nil,
	"pardon-ip":  nil,
	"save-all":   {"flush"},
	"save-off":   nil,
	"save-on":    nil,
	"say":        nil,
	"seed":       nil,
	"stop":       nil,
	"tell":       nil,
	"time":       {"add", "query", "set"},
	"tp":         nil,
	"weather":    {"clear", "rain", "thunder"},
	"whitelist":  {"add", "list", "off", "on", "reload", "remove"},

	"quit":           nil,
	"exit":           nil,
	":clear-history": nil,
}

// NewCompleter builds a prefix completer over common server commands and the shell's own.
func NewCompleter() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		children := make([]readline.PrefixCompleterInterface, 0, len(commands[name]))
		for _, child := range commands[name] {
			children = append(children, readline.PcItem(child))
		}
		items = append(items, readline.PcItem(name, children...))
	}
	return readline.NewPrefixCompleter(items...)
}
