package peer

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/sp80808/EchoChain/pkg/config"
	"github.com/sp80808/EchoChain/pkg/directory"
	"github.com/sp80808/EchoChain/pkg/discovery"
	"github.com/sp80808/EchoChain/pkg/download"
	"github.com/sp80808/EchoChain/pkg/logger"
	"github.com/sp80808/EchoChain/pkg/monitor"
	"github.com/sp80808/EchoChain/pkg/protocol"
	"github.com/sp80808/EchoChain/pkg/security"
	"github.com/sp80808/EchoChain/pkg/storage"
	"github.com/sp80808/EchoChain/pkg/transport"
	"github.com/sp80808/EchoChain/pkg/transport/tcp"
)

// Node is one participant in the swarm. It owns its store, directory,
// download coordinator and transport; nothing is shared between nodes in
// the same process.
type Node struct {
	cfg      *config.Config
	id       string
	identity *security.Identity

	transport transport.Transport
	dir       *directory.Directory
	store     *storage.Store
	coord     *download.Coordinator
	metrics   *monitor.Metrics

	advertiser *discovery.Advertiser

	selfMu sync.RWMutex
	self   protocol.PeerAddr

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

func NewNode(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.PeerID
	if id == "" {
		id = uuid.NewString()
	}

	var (
		catalog *storage.Catalog
		err     error
	)
	if cfg.InMemoryCatalog {
		catalog = storage.NewMemoryCatalog()
	} else {
		catalog, err = storage.OpenLevelDBCatalog(filepath.Join(cfg.DataDir, "catalog"))
		if err != nil {
			return nil, err
		}
	}
	store, err := storage.Open(cfg.DataDir, cfg.ChunkSize, catalog)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	identity, err := security.LoadOrCreateIdentity(cfg.IdentityFile(), cfg.IdentityPassphrase)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		id:        id,
		identity:  identity,
		transport: tcp.NewTCPTransport(cfg.ListenAddr),
		dir:       directory.New(id, cfg.Download.PeerFailureThreshold, cfg.Download.PeerRetryAfter),
		store:     store,
		metrics:   monitor.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
	n.coord = download.New(cfg.Download, store, n.dir, &client{n: n}, n.metrics)
	n.coord.OnComplete(n.onDownloadComplete)
	n.transport.SetHandler(n.handleMessage)

	logger.Sugar.Infof("[Node] Initialized: id=%s listen=%s data=%s", id, cfg.ListenAddr, cfg.DataDir)
	return n, nil
}

// Start binds the listener and launches the background loops: bootstrap,
// re-announcement of held content, gossip, metrics and optional mDNS.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("node %s already started", n.id)
	}
	if err := n.transport.ListenAndAccept(); err != nil {
		return err
	}
	if err := n.resolveSelf(); err != nil {
		n.transport.Close()
		return err
	}
	logger.Sugar.Infof("[Node] Listening: id=%s addr=%s", n.id, n.Addr())

	n.goBackground(func() {
		n.bootstrap()
		n.reannounce()
	})
	if n.cfg.GossipInterval > 0 {
		n.goBackground(n.gossipLoop)
	}
	if n.cfg.MetricsInterval > 0 {
		n.goBackground(func() { n.metrics.LogPeriodic(n.ctx, n.cfg.MetricsInterval) })
	}
	if n.cfg.EnableMDNS {
		n.startMDNS()
	}
	return nil
}

func (n *Node) goBackground(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// resolveSelf works out the address other peers should dial.
func (n *Node) resolveSelf() error {
	addr, err := protocol.ParsePeerAddr(n.transport.Addr())
	if err != nil {
		return fmt.Errorf("failed to parse listen address: %w", err)
	}
	if n.cfg.AdvertiseHost != "" {
		addr.Host = n.cfg.AdvertiseHost
	} else if ip := net.ParseIP(addr.Host); addr.Host == "" || (ip != nil && ip.IsUnspecified()) {
		addr.Host = "127.0.0.1"
	}

	n.selfMu.Lock()
	n.self = addr
	n.selfMu.Unlock()
	return nil
}

// Stop shuts the node down. Errors from each component are combined.
func (n *Node) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	logger.Sugar.Infof("[Node] Stopping: id=%s", n.id)

	n.cancel()
	if n.advertiser != nil {
		n.advertiser.Stop()
	}

	var err error
	err = multierr.Append(err, n.coord.Close())
	err = multierr.Append(err, n.transport.Close())
	n.wg.Wait()
	err = multierr.Append(err, n.store.Close())
	return err
}

func (n *Node) ID() string {
	return n.id
}

// Addr is the advertised host:port once started.
func (n *Node) Addr() string {
	n.selfMu.RLock()
	defer n.selfMu.RUnlock()
	if n.self.Port == 0 {
		return n.transport.Addr()
	}
	return n.self.String()
}

func (n *Node) selfAddr() protocol.PeerAddr {
	n.selfMu.RLock()
	defer n.selfMu.RUnlock()
	return n.self
}

func (n *Node) Directory() *directory.Directory {
	return n.dir
}

func (n *Node) Store() *storage.Store {
	return n.store
}

func (n *Node) Coordinator() *download.Coordinator {
	return n.coord
}

func (n *Node) Metrics() *monitor.Metrics {
	return n.metrics
}

func (n *Node) PublicKey() []byte {
	return n.identity.PublicKey()
}
