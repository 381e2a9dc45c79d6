package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/outbound"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

var sendCmd = &cobra.Command{
	Use:   "send --to <address>",
	Short: "Deliver the latest outbox activity over LMTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		from, _ := cmd.Flags().GetString("from")
		socket, _ := cmd.Flags().GetString("socket")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		raw, ok, err := store.Latest(cmd.Context(), rt.Stores.Outbox)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("outbox is empty")
		}
		act, err := activity.Parse(raw)
		if err != nil {
			return fmt.Errorf("latest outbox entry: %w", err)
		}

		if from == "" {
			from = cfg.AcceptFrom
		}
		s := *rt.Sender
		if cmd.Flags().Changed("socket") {
			s.Socket = socket
		}
		if cmd.Flags().Changed("host") {
			s.Host = host
		}
		if cmd.Flags().Changed("port") {
			s.Port = port
		}
		if cmd.Flags().Changed("timeout") {
			s.Timeout = timeout
		}

		if err := s.Send(cmd.Context(), act, from, to); err != nil {
			return fmt.Errorf("deliver to %s via %s: %w", to, outbound.SelectTarget(s.Socket, s.Host, s.Port), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %s %s to %s\n", act.Type, act.ID(), to)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("to", "", "recipient address (required)")
	sendCmd.Flags().String("from", "", "envelope sender (default ACCEPT_FROM)")
	sendCmd.Flags().String("socket", "", "LMTP unix socket, preferred when it exists (default LMTP_SOCKET)")
	sendCmd.Flags().String("host", "", "LMTP host used when the socket is missing (default LMTP_HOST)")
	sendCmd.Flags().Int("port", 0, "LMTP port used when the socket is missing (default LMTP_PORT)")
	sendCmd.Flags().Duration("timeout", 30*time.Second, "overall delivery deadline")
	_ = sendCmd.MarkFlagRequired("to")
}
