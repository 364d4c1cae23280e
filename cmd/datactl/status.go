package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/datactl/internal/message"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show seats, selections and connected clients",
		Long: `Displays every seat with its keyboard focus and current selection, and every
connected client with its object counts.

The request goes to the local socket unless --server names a remote server.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runStatus(v) },
	}

	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)

	return cmd
}

func runStatus(v *viper.Viper) error {
	client, transport, err := dialControl(v)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if v.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printStatus(os.Stdout, resp, transport, time.Now())
	return nil
}

func printStatus(out io.Writer, resp *message.StatusResponse, transport string, now time.Time) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Server:\t%s\n", resp.Version)
	fmt.Fprintf(w, "Transport:\t%s\n", transport)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "SEAT\tFOCUS\tOWNER\tSOURCE\tTYPES\tDEVICES\tSERIAL\n")
	for _, s := range resp.Seats {
		owner, source := "-", "-"
		if s.Owner != "" {
			owner = s.Owner
			source = fmt.Sprint(s.Source)
		}
		types := "-"
		if len(s.MimeTypes) > 0 {
			types = strings.Join(s.MimeTypes, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.Name, orDash(s.Focus), owner, source, types, s.Devices, s.Serial)
	}
	fmt.Fprintln(w)

	if len(resp.Clients) == 0 {
		fmt.Fprintln(w, "No clients connected.")
		_ = w.Flush()
		return
	}
	fmt.Fprintf(w, "CLIENT\tNAME\tTRANSPORT\tCONNECTED\tSOURCES\tDEVICES\tOFFERS\n")
	for _, c := range resp.Clients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			c.ID, orDash(c.Name), c.Transport,
			humanize.RelTime(c.ConnectedAt, now, "ago", "from now"),
			c.Sources, c.Devices, c.Offers)
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
