// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/craftkit/rcon/internal/broadcast"
	"github.com/craftkit/rcon/internal/config"
)

func newBroadcastCmd(o *options) *cobra.Command {
	var (
		names       []string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "broadcast command...",
		Short: "Send one command to several server profiles at once",
		Long: `Send one command to several server profiles at once.

Every profile in the config file is targeted unless --servers names a subset.
The command exits non-zero when any server fails.`,
		Example: `  rconctl broadcast save-all
  rconctl broadcast --servers survival,creative say Backup starting`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(names) == 0 {
				names = o.file.Names()
			}
			if len(names) == 0 {
				return errors.New("no server profiles configured")
			}

			servers := make([]config.Server, 0, len(names))
			for _, name := range names {
				s, err := o.file.Profile(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("timeout") {
					s.Timeout = o.timeout
				}
				if err := s.Validate(); err != nil {
					return err
				}
				servers = append(servers, s)
			}

			results := broadcast.Run(cmd.Context(), servers, strings.Join(args, " "), broadcast.Options{
				Concurrency: concurrency,
				Client:      o.clientConfig(config.Server{}),
				Format:      o.format,
			})
			if err := o.formatter.Format(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if n := broadcast.Failed(results); n > 0 {
				return fmt.Errorf("%d of %d servers failed", n, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "servers", nil, "profiles to target (default all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", broadcast.DefaultConcurrency, "servers contacted at once")
	return cmd
}
