package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon, device and realtime status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(st)
			}

			fmt.Printf("Profile:   %s\n", st.Profile)
			fmt.Printf("Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			if st.Device != nil {
				fmt.Printf("Device:    %s (%s)\n", st.Device.ID, st.Device.Status)
				if st.Device.PhoneNumber != "" {
					fmt.Printf("Phone:     %s\n", st.Device.PhoneNumber)
				}
			} else {
				fmt.Println("Device:    (none selected)")
			}
			transport := st.Session.ActiveTransport
			if !st.Session.Connected {
				transport += " (disconnected)"
			}
			fmt.Printf("Transport: %s\n", transport)
			if st.Session.LastError != "" {
				fmt.Printf("Error:     %s\n", st.Session.LastError)
			}
			fmt.Printf("Chats:     %d\n", st.Chats)
			if st.OpenChat != "" {
				fmt.Printf("Open chat: %s\n", st.OpenChat)
			}
			return nil
		})
	},
}
