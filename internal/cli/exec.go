// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/craftkit/rcon/internal/output"
)

const defaultCommand = "help"

type execResult struct {
	Server   string `json:"server" yaml:"server"`
	Address  string `json:"address" yaml:"address"`
	Command  string `json:"command" yaml:"command"`
	Response string `json:"response" yaml:"response"`
}

func newExecCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exec [command...]",
		Short: "Send one command and print the response",
		Long: `Send one command and print the response.

The arguments are joined with spaces into a single command. With no
arguments the server's help command is sent.`,
		Example: `  rconctl exec list
  rconctl -s lobby exec say Restarting in 5 minutes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if strings.TrimSpace(command) == "" {
				command = defaultCommand
			}

			s, err := o.target(cmd)
			if err != nil {
				return err
			}
			c, err := o.dial(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.ExecCommand(cmd.Context(), command)
			if err != nil {
				return err
			}
			resp = o.format(resp)

			if _, ok := o.formatter.(*output.TableFormatter); ok {
				if resp != "" && !strings.HasSuffix(resp, "\n") {
					resp += "\n"
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), resp)
				return err
			}
			return o.formatter.Format(cmd.OutOrStdout(), execResult{
				Server:   s.Name,
				Address:  s.Address(),
				Command:  command,
				Response: resp,
			})
		},
	}
}
