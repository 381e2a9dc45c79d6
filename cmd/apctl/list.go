package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/k1networth/activitypub-lmtp/internal/store"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List received messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCollection(cmd, rt.Stores.Inbox)
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List outgoing activities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCollection(cmd, rt.Stores.Outbox)
	},
}

func listCollection(cmd *cobra.Command, c store.Collection) error {
	entries, err := c.Load(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput || !isTerminal(out) {
		return printJSON(out, entries)
	}
	return printTable(out, c.Name(), entries)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func printJSON(w io.Writer, entries []json.RawMessage) error {
	if entries == nil {
		entries = []json.RawMessage{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// row is the subset of an inbox record or activity shown in the table.
type row struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Actor     json.RawMessage `json:"actor"`
	From      string          `json:"from"`
	Subject   string          `json:"subject"`
	Activity  json.RawMessage `json:"activity"`
}

func printTable(w io.Writer, collection string, entries []json.RawMessage) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if collection == store.Inbox {
		fmt.Fprintln(tw, "TIMESTAMP\tFROM\tSUBJECT\tTYPE")
	} else {
		fmt.Fprintln(tw, "TIMESTAMP\tTYPE\tID\tACTOR")
	}
	for _, e := range entries {
		var r row
		_ = json.Unmarshal(e, &r)
		if collection == store.Inbox {
			var inner row
			_ = json.Unmarshal(r.Activity, &inner)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Timestamp, r.From, r.Subject, dash(inner.Type))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", dash(r.Timestamp), dash(r.Type), dash(r.ID), dash(actorString(r.Actor)))
	}
	return tw.Flush()
}

func actorString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
