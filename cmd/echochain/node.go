package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/sp80808/EchoChain/peer"
	"github.com/sp80808/EchoChain/pkg/config"
	"github.com/sp80808/EchoChain/pkg/logger"
)

var (
	nodeAddr        string
	nodeID          string
	nodeDataDir     string
	nodeBootstrap   []string
	nodeMDNS        bool
	fileToAdd       string
	fileToFetch     string
	nodeInteractive bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)

		if err := logger.Setup(cfg.LogDir, cfg.LogLevel); err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}

		n, err := peer.NewNode(cfg)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		logger.Sugar.Infof("[Node] Started: id=%s addr=%s", n.ID(), n.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if fileToAdd != "" {
			hash, err := n.AddFile(ctx, fileToAdd)
			if err != nil {
				logger.Sugar.Errorf("Failed to add file: %v", err)
			} else {
				fmt.Printf("Added %s as %s\n", fileToAdd, hash)
			}
		}
		if fileToFetch != "" {
			fetchWithProgress(ctx, n, fileToFetch)
		}

		if nodeInteractive {
			fmt.Println("EchoChain interactive shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { nodeExecutor(ctx, in, n) },
				nodeCompleter,
				prompt.OptionPrefix("echochain> "),
				prompt.OptionTitle("EchoChain node"),
			).Run()
		} else {
			<-ctx.Done()
		}

		return n.Stop()
	},
}

// applyFlags lets explicitly set flags win over ECHOCHAIN_* variables.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.ListenAddr = nodeAddr
	}
	if flags.Changed("id") {
		cfg.PeerID = nodeID
	}
	if flags.Changed("data") {
		cfg.DataDir = nodeDataDir
	}
	if flags.Changed("bootstrap") {
		cfg.BootstrapPeers = nodeBootstrap
	}
	if flags.Changed("mdns") {
		cfg.EnableMDNS = nodeMDNS
	}
}

func nodeExecutor(ctx context.Context, in string, n *peer.Node) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		if err := n.Stop(); err != nil {
			fmt.Printf("Error stopping node: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(renderStatus(n.Status()))
	case "peers":
		fmt.Println(renderPeers(n.Status().Peers))
	case "add":
		if len(blocks) < 2 {
			fmt.Println("Usage: add <file_path>")
			return
		}
		hash, err := n.AddFile(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error adding file: %v\n", err)
			return
		}
		fmt.Printf("Added %s\n", hash)
	case "announce":
		if len(blocks) < 2 {
			fmt.Println("Usage: announce <hash>")
			return
		}
		if err := n.Announce(ctx, blocks[1]); err != nil {
			fmt.Printf("Error announcing: %v\n", err)
			return
		}
		fmt.Println("Announced.")
	case "fetch":
		if len(blocks) < 2 {
			fmt.Println("Usage: fetch <hash>")
			return
		}
		fetchWithProgress(ctx, n, blocks[1])
	case "request":
		if len(blocks) < 2 {
			fmt.Println("Usage: request <hash>")
			return
		}
		path, started, err := n.RequestFile(blocks[1])
		switch {
		case err != nil:
			fmt.Printf("Error requesting file: %v\n", err)
		case started:
			fmt.Println("Download started in the background.")
		default:
			fmt.Printf("Already local: %s\n", path)
		}
	case "cancel":
		if len(blocks) < 2 {
			fmt.Println("Usage: cancel <hash>")
			return
		}
		if !n.Coordinator().Cancel(blocks[1]) {
			fmt.Println("No download in progress for that hash.")
		}
	case "info":
		hash := peer.AllContent
		if len(blocks) > 1 {
			hash = blocks[1]
		}
		summaries, err := n.ContentInfo(hash)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println(renderContent(summaries))
	case "list":
		for _, h := range n.ListContent() {
			fmt.Println(h)
		}
	case "discover":
		if len(blocks) < 2 {
			fmt.Println("Usage: discover <host:port>")
			return
		}
		id, err := n.DiscoverPeers(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error discovering peer: %v\n", err)
			return
		}
		fmt.Printf("Connected to %s\n", id)
	case "gossip":
		n.Gossip()
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show node status")
		fmt.Println("  peers                  - List known peers")
		fmt.Println("  add <path>             - Add and announce a local file")
		fmt.Println("  announce <hash>        - Re-announce held content")
		fmt.Println("  fetch <hash>           - Download content and wait")
		fmt.Println("  request <hash>         - Download content in the background")
		fmt.Println("  cancel <hash>          - Cancel a download")
		fmt.Println("  info [hash]            - Show content info (default: all local)")
		fmt.Println("  list                   - List every known content hash")
		fmt.Println("  discover <host:port>   - Connect to a peer")
		fmt.Println("  gossip                 - Exchange peer lists now")
		fmt.Println("  exit                   - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func nodeCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List known peers"},
		{Text: "add", Description: "Add a file"},
		{Text: "announce", Description: "Announce content"},
		{Text: "fetch", Description: "Download and wait"},
		{Text: "request", Description: "Download in the background"},
		{Text: "cancel", Description: "Cancel a download"},
		{Text: "info", Description: "Show content info"},
		{Text: "list", Description: "List content hashes"},
		{Text: "discover", Description: "Connect to a peer"},
		{Text: "gossip", Description: "Exchange peer lists"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

// fetchWithProgress downloads hash, drawing a progress bar until it
// finishes.
func fetchWithProgress(ctx context.Context, n *peer.Node, hash string) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		var r *progressRenderer
		for {
			select {
			case <-done:
				if r != nil {
					r.clear()
				}
				return
			case <-ticker.C:
				if r == nil {
					if t, ok := n.Coordinator().Progress(hash); ok {
						r = newProgressRenderer(t)
					}
					continue
				}
				r.tracker.UpdateSpeed()
				r.render()
			}
		}
	}()

	rec, err := n.Fetch(ctx, hash)
	close(done)
	if err != nil {
		fmt.Println(renderFailure(hash, err))
		return
	}
	fmt.Println(renderDone(rec))
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodeAddr, "addr", "a", "127.0.0.1:8001", "Address for this node to listen on")
	nodeCmd.Flags().StringVar(&nodeID, "id", "", "Peer id (generated when empty)")
	nodeCmd.Flags().StringVar(&nodeDataDir, "data", "./data", "Directory for chunks, downloads and the catalog")
	nodeCmd.Flags().StringSliceVarP(&nodeBootstrap, "bootstrap", "b", nil, "Peers to discover on startup (host:port)")
	nodeCmd.Flags().BoolVar(&nodeMDNS, "mdns", false, "Advertise and discover peers on the local network")
	nodeCmd.Flags().StringVarP(&fileToAdd, "add", "f", "", "Path to a file to add and announce immediately")
	nodeCmd.Flags().StringVarP(&fileToFetch, "fetch", "d", "", "Content hash to download immediately")
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start in interactive mode")
}
