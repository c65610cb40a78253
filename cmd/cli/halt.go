package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"patchbay/pkg/patch"
)

func haltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Stop every node on the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := dialControl()
			if err != nil {
				return err
			}
			defer net.Close()

			buf, err := patch.Encode(&patch.Halt{From: patch.GlobalID})
			if err != nil {
				return err
			}
			if err := net.SendDirective(buf); err != nil {
				return err
			}

			fmt.Println("halt sent")
			return nil
		},
	}
}
