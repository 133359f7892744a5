// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package cli

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/craftkit/rcon/internal/shell"
)

func newShellCmd(o *options) *cobra.Command {
	var history string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.target(cmd)
			if err != nil {
				return err
			}
			c, err := o.dial(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer c.Close()

			if history == "" {
				history = defaultHistoryPath(o.file.Path)
			}
			if history != "-" {
				if err := os.MkdirAll(filepath.Dir(history), 0o700); err != nil {
					o.logger.Warn("history disabled", "path", history, "err", err)
					history = "-"
				}
			}
			if history == "-" {
				history = ""
			}

			var stdin io.ReadCloser
			if rc, ok := cmd.InOrStdin().(io.ReadCloser); ok && rc != os.Stdin {
				stdin = rc
			}

			sh := shell.New(c, shell.Config{
				Prompt:      "\033[32m" + s.Name + "»\033[0m ",
				HistoryFile: history,
				Stdin:       stdin,
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
				Format:      o.format,
				Logger:      o.logger,
			})
			return sh.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&history, "history", "", `history file, "-" to disable (default next to the config file)`)
	return cmd
}

func defaultHistoryPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "history")
}
