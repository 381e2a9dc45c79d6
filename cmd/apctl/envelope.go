package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/k1networth/activitypub-lmtp/internal/envelope"
)

var envelopeCmd = &cobra.Command{
	Use:         "envelope --sender <agent> --to <agent> [--payload <text> | < payload]",
	Short:       "Wrap a payload in a v0.1 message envelope and print it",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationRuntime: "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, _ := cmd.Flags().GetString("sender")
		to, _ := cmd.Flags().GetStringSlice("to")
		payloadType, _ := cmd.Flags().GetString("type")
		threadContext, _ := cmd.Flags().GetString("context")
		inReplyTo, _ := cmd.Flags().GetString("in-reply-to")

		payload, _ := cmd.Flags().GetString("payload")
		if !cmd.Flags().Changed("payload") {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			payload = string(raw)
		}

		e, err := envelope.New(envelope.Params{
			Sender:      sender,
			Recipients:  to,
			Payload:     payload,
			PayloadType: payloadType,
			Thread:      envelope.Thread{Context: threadContext, InReplyTo: inReplyTo},
		})
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(e, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return err
	},
}

func init() {
	envelopeCmd.Flags().String("sender", "", "sending agent, e.g. https://node.example/@alice (required)")
	envelopeCmd.Flags().StringSlice("to", nil, "recipient agents")
	envelopeCmd.Flags().String("payload", "", "payload text; read from stdin when omitted")
	envelopeCmd.Flags().String("type", envelope.PayloadJSON, "payload type: json or text")
	envelopeCmd.Flags().String("context", "", "thread context id")
	envelopeCmd.Flags().String("in-reply-to", "", "id of the message being answered")
	_ = envelopeCmd.MarkFlagRequired("sender")
}
