// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package cli implements the rconctl command tree.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/craftkit/rcon"
	"github.com/craftkit/rcon/internal/config"
	"github.com/craftkit/rcon/internal/logging"
	"github.com/craftkit/rcon/internal/output"
)

// options carries flag values and the state built from them in PersistentPreRunE.
type options struct {
	configPath  string
	server      string
	host        string
	port        int
	password    string
	askPassword bool
	timeout     time.Duration
	output      string
	raw         bool
	verbose     bool

	getenv func(string) string

	file      *config.File
	logger    *slog.Logger
	formatter output.Formatter
}

// Execute runs rconctl with the process arguments and returns the exit code.
func Execute(ctx context.Context) int {
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

// NewRootCmd returns the rconctl root command reading the process environment.
func NewRootCmd() *cobra.Command {
	return newRootCmd(os.Getenv)
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	o := &options{getenv: getenv}

	root := &cobra.Command{
		Use:   "rconctl",
		Short: "Remote console client for Minecraft and Source engine servers",
		Long: `rconctl sends commands to game servers over the RCON protocol.

Connection settings come from the selected profile in the config file, the
RCON_HOSTNAME, RCON_PORT and RCON_PASSWORD environment variables, and flags,
in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.configPath, "config", "", fmt.Sprintf("config file (default %s)", config.DefaultPath()))
	flags.StringVarP(&o.server, "server", "s", "", "server profile from the config file")
	flags.StringVar(&o.host, "host", "", "server host, overrides the profile")
	flags.IntVar(&o.port, "port", 0, "server RCON port, overrides the profile")
	flags.StringVar(&o.password, "password", "", "RCON password, overrides the profile")
	flags.BoolVar(&o.askPassword, "ask-password", false, "prompt for the RCON password")
	flags.DurationVar(&o.timeout, "timeout", 0, "limit for each request and response, 0 for none (default from profile, 10s)")
	flags.StringVarP(&o.output, "output", "o", "", "output format: "+strings.Join(output.Formats, ", ")+" (default from config, table)")
	flags.BoolVar(&o.raw, "raw", false, "keep § formatting codes in responses")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log packets and connection details to stderr")

	root.AddCommand(
		newExecCmd(o),
		newShellCmd(o),
		newBroadcastCmd(o),
		newServersCmd(o),
	)
	return root
}

func (o *options) setup(cmd *cobra.Command) error {
	logCfg := logging.DefaultConfig()
	logCfg.Out = cmd.ErrOrStderr()
	logCfg.NoColor = !isTerminal(logCfg.Out)
	logging.ApplyEnv(&logCfg, o.getenv)
	if o.verbose {
		logCfg.Level, logCfg.Disabled = slog.LevelDebug, false
	}
	o.logger = logging.New(logCfg)

	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	f, err := config.Load(path)
	if err != nil {
		return err
	}
	if f.Insecure {
		o.logger.Warn("config file is readable by other users and may expose passwords", "path", path)
	}
	o.file = f

	format := f.Output
	if cmd.Flags().Changed("output") {
		format = o.output
	}
	o.formatter, err = output.New(format)
	return err
}

// target resolves the single server selected by flags, environment and profile.
func (o *options) target(cmd *cobra.Command) (config.Server, error) {
	var ov config.Overrides
	flags := cmd.Flags()
	if flags.Changed("host") {
		ov.Host = &o.host
	}
	if flags.Changed("port") {
		ov.Port = &o.port
	}
	if flags.Changed("password") {
		ov.Password = &o.password
	}
	if flags.Changed("timeout") {
		ov.Timeout = &o.timeout
	}
	if o.askPassword {
		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return config.Server{}, err
		}
		ov.Password = &pw
	}

	s, err := config.Resolve(o.file, o.server, o.getenv, ov)
	if err != nil {
		return config.Server{}, err
	}
	o.logger.Debug("resolved server", "server", s.Name, "address", s.Address(), "timeout", s.Timeout)
	return s, nil
}

func (o *options) dial(ctx context.Context, s config.Server) (*rcon.Client, error) {
	return rcon.Dial(ctx, s.Address(), s.Password, o.clientConfig(s))
}

// maxResponseBody bounds a single response packet. Servers split long output well below this.
const maxResponseBody = 64 * rcon.ConventionalMaxResponseBody

func (o *options) clientConfig(s config.Server) rcon.ClientConfig {
	return rcon.ClientConfig{
		Timeout:         s.Timeout,
		MaxResponseBody: maxResponseBody,
		Logger:          o.logger,
	}
}

// format prepares a response body for display.
func (o *options) format(resp string) string {
	if o.raw {
		return resp
	}
	return output.StripFormatting(resp)
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readPassword reads one line from in without echo when in is a terminal.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")
	if isTerminal(in) {
		f := in.(*os.File)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
