package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/datactl/internal/seat"
)

func newFocusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "focus",
		Short: "Move keyboard focus on a seat to a client",
		Long: `Tells the broker which client holds keyboard focus on a seat. Only that
client may change the seat's selection. An empty --client clears focus.

This is the compositor's hook; client IDs are listed by "datactl status".`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runFocus(v) },
	}

	f := cmd.Flags()
	f.String("seat", seat.DefaultSeat, "seat name")
	f.String("client", "", "client ID to focus (empty clears)")
	addClientFlags(cmd)

	return cmd
}

func runFocus(v *viper.Viper) error {
	client, _, err := dialControl(v)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seatName, id := v.GetString("seat"), v.GetString("client")
	if err := client.SetFocus(ctx, seatName, id); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	if id == "" {
		fmt.Printf("%s: focus cleared\n", seatName)
	} else {
		fmt.Printf("%s: focus → %s\n", seatName, id)
	}
	return nil
}
