package main

import (
    "log"

    "github.com/spf13/cobra"

    witnesscli "github.com/amirimatin/go-witness/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "witnessctl",
        Short:         "go-witness quorum witness CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    witnesscli.AddAll(root)
    return root
}
