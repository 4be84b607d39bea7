package cli

import (
	"github.com/spf13/cobra"

	"github.com/cory-johannsen/cloudtown/internal/session"
)

type roomSummary = session.RoomSummary

func newHealthCmd(opts *Options, client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().Health()
			if err != nil {
				return err
			}
			return NewOutput(cmd.OutOrStdout(), opts.Output).Print(result)
		},
	}
}

func newRoomsCmd(opts *Options, client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().Rooms()
			if err != nil {
				return err
			}
			return NewOutput(cmd.OutOrStdout(), opts.Output).Print(result)
		},
	}
}

func newRoomCmd(opts *Options, client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "room <room-id>",
		Short: "List the players in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().Room(args[0])
			if err != nil {
				return err
			}
			return NewOutput(cmd.OutOrStdout(), opts.Output).Print(result)
		},
	}
}
