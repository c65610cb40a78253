package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"patchbay/pkg/patch"
	"patchbay/transport"
)

func groupsCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List the audio multicast groups advertised on the control group",
		Long:  `groups watches patch-state broadcasts and prints each output jack's multicast group the first time it is seen.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := dialControl()
			if err != nil {
				return err
			}
			defer net.Close()

			seen := make(map[string][4]byte)
			deadline := time.Now().Add(duration)
			buf := make([]byte, patch.MaxDirectiveSize)
			for duration == 0 || time.Now().Before(deadline) {
				n, err := net.RecvDirective(buf)
				if errors.Is(err, transport.ErrNoData) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					return err
				}
				d, err := patch.Decode(buf[:n])
				if err != nil {
					continue
				}
				upd, ok := d.(*patch.GlobalStateUpdate)
				if ok && upd.Output != nil {
					key := fmt.Sprintf("%s:%d", upd.Output.Node, upd.Output.Jack)
					if g, known := seen[key]; !known || g != upd.Output.Group {
						seen[key] = upd.Output.Group
						fmt.Printf("%s %s group=%d.%d.%d.%d:%d color=%d\n", stamp(), key,
							upd.Output.Group[0], upd.Output.Group[1], upd.Output.Group[2], upd.Output.Group[3],
							jackPort, upd.Output.Color)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "for", 30*time.Second, "How long to listen (0 means forever)")

	return cmd
}
