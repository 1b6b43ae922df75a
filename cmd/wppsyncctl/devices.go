package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/wppsync/internal/api"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/profile"
	"github.com/matheus3301/wppsync/internal/store"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var (
	waitFlag    bool
	waitTimeout time.Duration
)

var errConnected = errors.New("connected")

func init() {
	devicesConnectCmd.Flags().BoolVar(&waitFlag, "wait", false, "wait until the device is paired and connected")
	devicesConnectCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 3*time.Minute, "how long --wait waits")
	devicesCmd.AddCommand(devicesListCmd, devicesCreateCmd, devicesConnectCmd, devicesDisconnectCmd, devicesDeleteCmd, devicesSelectCmd)
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"device"},
	Short:   "Manage messaging devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			list, err := c.ListDevices(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(list)
			}
			if len(list.Devices) == 0 {
				fmt.Println("No devices. Create one with `wppsyncctl devices create <id>`.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tSTATUS\tPHONE\tLAST ACTIVITY")
			for _, d := range list.Devices {
				mark := ""
				if d.ID == list.Current {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, d.ID, d.Status, orDash(d.PhoneNumber), when(d.LastActivityAt))
			}
			return tw.Flush()
		})
	},
}

var devicesCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a device and its gateway instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			d, err := c.CreateDevice(ctx, args[0])
			if err != nil {
				return err
			}
			return printDevice(d)
		})
	},
}

var devicesConnectCmd = &cobra.Command{
	Use:   "connect <id>",
	Short: "Connect a device, showing the pairing QR code if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var d store.Device
		err := withClient(cmd, func(ctx context.Context, c *api.Client) error {
			var err error
			d, err = c.ConnectDevice(ctx, id)
			return err
		})
		if err != nil {
			return err
		}
		if err := printDevice(d); err != nil {
			return err
		}
		if !waitFlag || d.Status == store.DeviceConnected {
			return nil
		}
		return waitConnected(cmd, id, d.PairingCode)
	},
}

var devicesDisconnectCmd = &cobra.Command{
	Use:   "disconnect <id>",
	Short: "Log a device out of the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			d, err := c.DisconnectDevice(ctx, args[0])
			if err != nil {
				return err
			}
			return printDevice(d)
		})
	},
}

var devicesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a device and its gateway instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.DeleteDevice(ctx, args[0]); err != nil {
				return err
			}
			if !jsonFlag {
				fmt.Printf("Deleted %s\n", args[0])
			}
			return nil
		})
	},
}

var devicesSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a device the current one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			d, err := c.SelectDevice(ctx, args[0])
			if err != nil {
				return err
			}
			return printDevice(d)
		})
	},
}

// waitConnected follows device events until id connects, redrawing the QR code when the
// pairing code rotates.
func waitConnected(cmd *cobra.Command, id, shown string) error {
	name, err := resolveProfile()
	if err != nil {
		return err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
	defer cancel()

	if !jsonFlag {
		fmt.Println("Waiting for the device to connect...")
	}
	err = c.WatchEvents(ctx, "device.", func(evt api.WatchEvent) error {
		if evt.Kind != bus.DeviceStatusChanged {
			return nil
		}
		d, ok := deviceFromPayload(evt.Payload)
		if !ok || d.ID != id {
			return nil
		}
		switch {
		case d.Status == store.DeviceConnected:
			if !jsonFlag {
				fmt.Printf("Connected %s", d.ID)
				if d.PhoneNumber != "" {
					fmt.Printf(" (%s)", d.PhoneNumber)
				}
				fmt.Println()
			}
			return errConnected
		case d.PairingCode != "" && d.PairingCode != shown:
			shown = d.PairingCode
			if !jsonFlag {
				fmt.Print(renderQR(shown))
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errConnected):
		return nil
	case ctx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("device %s did not connect within %s", id, waitTimeout)
	case err == nil:
		return errors.New("daemon closed the event stream")
	}
	return err
}

// deviceFromPayload reads the device carried by a status change event.
func deviceFromPayload(p any) (store.Device, bool) {
	m, ok := p.(map[string]any)
	if !ok {
		return store.Device{}, false
	}
	b, err := json.Marshal(m["device"])
	if err != nil {
		return store.Device{}, false
	}
	var d store.Device
	if err := json.Unmarshal(b, &d); err != nil || d.ID == "" {
		return store.Device{}, false
	}
	return d, true
}

func printDevice(d store.Device) error {
	if jsonFlag {
		return outputJSON(d)
	}
	fmt.Printf("Device: %s\n", d.ID)
	fmt.Printf("Status: %s\n", d.Status)
	if d.PhoneNumber != "" {
		fmt.Printf("Phone:  %s\n", d.PhoneNumber)
	}
	if d.Status == store.DeviceQRNeeded && d.PairingCode != "" {
		fmt.Println("Scan with WhatsApp > Linked devices:")
		fmt.Print(renderQR(d.PairingCode))
	}
	return nil
}

// renderQR draws content as a QR code with half-block characters, two bitmap rows per line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")\n"
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
