// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package cli

import (
	"github.com/spf13/cobra"
)

type serverRow struct {
	Default string `json:"-" yaml:"-" table:" "`
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Timeout string `json:"timeout" yaml:"timeout"`

	IsDefault bool `json:"default" yaml:"default" table:"-"`
}

func newServersCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "servers",
		Aliases: []string{"profiles"},
		Short:   "List the server profiles in the config file",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := o.file.Names()
			rows := make([]serverRow, 0, len(names))
			for _, name := range names {
				s, err := o.file.Profile(name)
				if err != nil {
					return err
				}
				row := serverRow{
					Name:      s.Name,
					Address:   s.Address(),
					Timeout:   s.Timeout.String(),
					IsDefault: name == o.file.Default,
				}
				if row.IsDefault {
					row.Default = "*"
				}
				rows = append(rows, row)
			}
			return o.formatter.Format(cmd.OutOrStdout(), rows)
		},
	}
}
