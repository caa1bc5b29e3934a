// Command wireline-client is a line-oriented broker client: it joins a
// channel, publishes each stdin line as a data frame, and prints frames
// received from the broker.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wireline-mq/wireline/internal/client"
	"github.com/wireline-mq/wireline/pkg/protocol"
)

func main() {
	var (
		addr      string
		name      string
		channel   string
		transport string
	)

	root := &cobra.Command{
		Use:   "wireline-client",
		Short: "interactive wireline broker client",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := client.KindTCP
			if transport == "ws" {
				kind = client.KindWebSocket
			}

			c := client.New(addr, name, channel, kind)
			if err := c.Connect(); err != nil {
				return err
			}
			defer c.Disconnect()

			if err := c.Join(); err != nil {
				return fmt.Errorf("join: %w", err)
			}

			go func() {
				for f := range c.Frames() {
					switch f.Op {
					case protocol.OpData:
						fmt.Printf("[%s] %s\n", f.Channel, f.Body)
					case protocol.OpJoin:
						fmt.Printf("* %s joined %s\n", f.Body, f.Channel)
					case protocol.OpLeave:
						fmt.Printf("* %s left %s\n", f.Body, f.Channel)
					}
				}
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				if err := c.Publish(append([]byte(nil), line...)); err != nil {
					return fmt.Errorf("publish: %w", err)
				}
			}
			return c.Leave()
		},
	}

	root.Flags().StringVar(&addr, "addr", "127.0.0.1:7380", "broker address")
	root.Flags().StringVar(&name, "name", "anonymous", "client name")
	root.Flags().StringVar(&channel, "channel", "default", "channel to join")
	root.Flags().StringVar(&transport, "transport", "tcp", "transport: tcp or ws")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
