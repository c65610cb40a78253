package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"patchbay/pkg/patch"
	"patchbay/transport"
)

func watchCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print directive traffic on the control group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := dialControl()
			if err != nil {
				return err
			}
			defer net.Close()

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
					fmt.Printf("%s unreadable directive (%d bytes)\n", stamp(), n)
					continue
				}
				fmt.Println(describe(d))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "for", 0, "How long to watch (0 means forever)")

	return cmd
}

func stamp() string {
	return time.Now().Format("15:04:05.000")
}

func describe(d patch.Directive) string {
	switch m := d.(type) {
	case *patch.Heartbeat:
		return fmt.Sprintf("%s heartbeat from=%s term=%d round=%d", stamp(), m.From, m.Term, m.Iteration)
	case *patch.HeartbeatResponse:
		if !m.Success {
			return fmt.Sprintf("%s heartbeat-nack from=%s term=%d", stamp(), m.From, m.Term)
		}
		held := "?"
		if m.State != nil {
			held = fmt.Sprintf("%din/%dout", m.State.HeldInputs, m.State.HeldOutputs)
		}
		return fmt.Sprintf("%s heartbeat-ack from=%s term=%d round=%d held=%s", stamp(), m.From, m.Term, m.Iteration, held)
	case *patch.RequestVote:
		return fmt.Sprintf("%s vote-request from=%s term=%d", stamp(), m.From, m.Term)
	case *patch.RequestVoteResponse:
		return fmt.Sprintf("%s vote from=%s term=%d for=%s granted=%t", stamp(), m.From, m.Term, m.VotedFor, m.Granted)
	case *patch.GlobalStateUpdate:
		out := fmt.Sprintf("%s patch-state from=%s state=%s", stamp(), m.From, m.State)
		if m.Input != nil {
			out += fmt.Sprintf(" input=%s:%d", m.Input.Node, m.Input.Jack)
		}
		if m.Output != nil {
			out += fmt.Sprintf(" output=%s:%d color=%d", m.Output.Node, m.Output.Jack, m.Output.Color)
		}
		return out
	case *patch.Halt:
		return fmt.Sprintf("%s halt from=%s", stamp(), m.From)
	default:
		return fmt.Sprintf("%s %s from=%s", stamp(), m.DirectiveKind(), m.Sender())
	}
}
