package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var handleCmd = &cobra.Command{
	Use:   "handle",
	Short: "Process one raw message from stdin and print the acknowledgement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rt.Processor.Process(cmd.Context(), raw))
		return nil
	},
}
