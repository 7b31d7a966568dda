package main

import (
	"os"

	"github.com/sp80808/EchoChain/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "echochain",
	Short: "EchoChain content-addressed file sharing node",
	Long: `EchoChain splits files into verified chunks and shares them with a
swarm of peers. Peers find each other by bootstrap address, gossip or mDNS,
and download from every announced holder at once.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
