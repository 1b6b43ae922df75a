package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events, optionally filtered by kind prefix",
	Long:  "Stream daemon events until interrupted. A prefix such as \"rt.\" or \"device.\" keeps only matching kinds.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		name, err := resolveProfile()
		if err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot reach daemon for profile %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, prefix, func(evt api.WatchEvent) error {
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(evt)
			}
			payload, _ := json.Marshal(evt.Payload)
			fmt.Printf("%s  %-24s %s\n", evt.OccurredAt.Local().Format("15:04:05.000"), evt.Kind, payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
