// Command gnbd is the daemon entry point: it loads configuration, builds
// the control block and packet-filter chain, and launches the worker
// manager.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gnbgo/internal/controlblock"
	"gnbgo/internal/discovery"
	"gnbgo/internal/keyschedule"
	"gnbgo/internal/metrics"
	"gnbgo/internal/natdetect"
	"gnbgo/internal/pf"
	"gnbgo/internal/registry"
	"gnbgo/internal/worker"
	"gnbgo/pkg/config"
	"gnbgo/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
)

const localDiscoveryListenAddr = "/ip4/0.0.0.0/tcp/0"

// version is a plain constant until a release pipeline stamps it at
// build time.
const version = "0.1.0"

func main() {
	root := &cobra.Command{Use: "gnbd", Short: "overlay packet-forwarding daemon"}
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gnbd " + version)
		},
	}
}

func runCmd() *cobra.Command {
	var env string
	var verbose, trace bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env, verbose, trace)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "configuration overlay name (GNBGO_ENV)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "raise every component's log threshold to 2")
	cmd.Flags().BoolVar(&trace, "trace", false, "raise every component's log threshold to 3")
	return cmd
}

func run(env string, verbose, trace bool) error {
	// Seed os.Getenv from a .env file, if one is present, before any
	// env-driven configuration is read.
	_ = godotenv.Load()

	if env == "" {
		env = utils.EnvOrDefault("GNBGO_ENV", "")
	}

	cfg, err := config.Load(env)
	if err != nil {
		return utils.Wrap(err, "gnbd: load configuration")
	}
	if trace {
		cfg.RaiseVerbosity(3)
	} else if verbose {
		cfg.RaiseVerbosity(2)
	}

	log := newLogger(cfg)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	identity, err := loadIdentity(cfg)
	if err != nil {
		return utils.Wrap(err, "gnbd: load identity")
	}

	reg := registry.New()
	if err := provisionLocalNode(reg, cfg, identity); err != nil {
		return utils.Wrap(err, "gnbd: provision local node")
	}
	// Only the local node is registered here, and no other path adds
	// nodes: the index and node workers update endpoints of nodes
	// already in the registry and ignore records for unknown ids. The
	// local node pointer is set before any worker starts.

	cb := controlblock.New(cfg, identity, reg)
	chain, err := defaultChain(reg, cfg, log)
	if err != nil {
		return utils.Wrap(err, "gnbd: build filter chain")
	}
	defer chain.Release()

	sockets, err := openSockets(cfg)
	if err != nil {
		return utils.Wrap(err, "gnbd: open udp sockets")
	}
	defer closeSockets(sockets)

	tunDev, err := OpenTun(cfg.IfName, cfg.MTU)
	if err != nil {
		return utils.Wrap(err, "gnbd: open tun device")
	}

	mgr, err := worker.New(cb, reg, chain, tunDev, sockets, log.WithField("component", "worker"))
	if err != nil {
		return utils.Wrap(err, "gnbd: assemble worker manager")
	}

	var extAddr atomic.Value // the detect worker's "ip:port" observation
	if cfg.ActivateDetectWorker {
		port := 0
		if len(cfg.UDP4Ports) > 0 {
			port = cfg.UDP4Ports[0]
		}
		det := natdetect.NewWorker(reg, port, log.WithField("component", "detect"))
		det.OnExternalAddr = func(a *net.UDPAddr) { extAddr.Store(a.String()) }
		det.Start()
		defer det.Stop()
	}

	if cfg.ActivateIndexWorker && cfg.IndexAddress != "" {
		client := discovery.NewTCPIndexClient(cfg.IndexAddress, 5*time.Second, log.WithField("component", "index"))
		idx := discovery.NewIndexWorker(client, reg, 0, log.WithField("component", "index"))
		idx.LocalAddr = func() string {
			addr, _ := extAddr.Load().(string)
			return addr
		}
		idx.Start()
		defer idx.Stop()
	}

	var node *discovery.Node
	if cfg.ActivateNodeWorker {
		node, err = discovery.NewNode(localDiscoveryListenAddr, nil, "gnbgo-node", reg, log.WithField("component", "node"))
		if err != nil {
			log.WithError(err).Warn("node discovery worker failed to start")
		} else {
			defer node.Close()
		}
	}

	var idxSvc *discovery.IndexService
	if cfg.PublicIndexService && cfg.ActivateIndexSvcWorker {
		idxSvc, err = discovery.NewIndexService(indexServiceAddr(cfg), log.WithField("component", "index_service"))
		if err != nil {
			return utils.Wrap(err, "gnbd: start index service")
		}
		go idxSvc.Serve()
		defer idxSvc.Close()
	}

	mgr.Start()
	defer mgr.Stop()

	log.WithFields(logrus.Fields{
		"local_id": reg.Local().ID,
		"sockets":  len(sockets),
	}).Info("gnbd running")

	waitForSignal()
	log.Info("shutdown requested")
	return nil
}

// defaultChain registers filters in the canonical order: dump -> route
// -> deflate -> p2p crypto for tun_route, relay crypto for tun_fwd;
// relay crypto -> route -> p2p crypto -> inflate across inet_frame/
// inet_route (the compress filter's two legs register around the p2p
// crypto filter so deflate precedes encryption while inflate follows
// decryption); dump -> route -> relay crypto for inet_fwd.
func defaultChain(reg *registry.Registry, cfg *config.Conf, log *logrus.Entry) (*pf.Chain, error) {
	chain := pf.NewChain()
	chain.SetConf(cfg)
	dump := pf.NewDump(log.WithField("component", "pf"), cfg.ComponentLogLevels["pf"] >= 3)
	route := pf.NewRoute(reg)
	compress := pf.NewCompress(-1)
	p2p := pf.NewP2PCrypto()
	relay := pf.NewRelayCrypto(reg)

	for _, f := range []pf.Filter{
		dump,
		route,
		compress.Deflater(),
		p2p,
		compress.Inflater(),
		relay,
	} {
		if err := chain.Register(f); err != nil {
			chain.Release()
			return nil, err
		}
	}
	return chain, nil
}

// defaultLocalID derives a node id from a freshly generated UUIDv4 when
// the operator has not pinned one via GNBGO_LOCAL_ID; the id only has to
// be unique within the registry.
func defaultLocalID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func provisionLocalNode(reg *registry.Registry, cfg *config.Conf, id *keyschedule.Identity) error {
	localID := registry.NodeID(utils.EnvOrDefaultUint64("GNBGO_LOCAL_ID", defaultLocalID()))
	tun4 := net.ParseIP(utils.EnvOrDefault("GNBGO_TUN_IPV4", "10.1.0.1"))
	n := registry.NewNode(localID, id.SignPub, tun4, nil)
	n.Local = true
	n.SetDHPub(id.DHPub)
	n.SetReachability(registry.ReachDirect)
	return reg.Insert(n)
}

func loadIdentity(cfg *config.Conf) (*keyschedule.Identity, error) {
	path := cfg.ConfDir + "/identity.key"
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return keyschedule.NewIdentity(seed)
}

// openSockets binds the per-family UDP socket arrays, with configurable
// counts and port lists per family.
func openSockets(cfg *config.Conf) ([]*net.UDPConn, error) {
	var conns []*net.UDPConn
	bind := func(network string, wildcard net.IP, ports []int, n int) error {
		if len(ports) == 0 {
			ports = []int{0}
		}
		for i := 0; i < n; i++ {
			port := 0
			if i < len(ports) {
				port = ports[i]
			}
			conn, err := net.ListenUDP(network, &net.UDPAddr{IP: wildcard, Port: port})
			if err != nil {
				return err
			}
			conns = append(conns, conn)
		}
		return nil
	}

	n4 := cfg.UDP4SocketNum
	if n4 <= 0 {
		n4 = 1
	}
	if err := bind("udp4", net.IPv4zero, cfg.UDP4Ports, n4); err != nil {
		closeSockets(conns)
		return nil, err
	}
	if cfg.UDP6SocketNum > 0 {
		if err := bind("udp6", net.IPv6unspecified, cfg.UDP6Ports, cfg.UDP6SocketNum); err != nil {
			closeSockets(conns)
			return nil, err
		}
	}
	return conns, nil
}

func closeSockets(conns []*net.UDPConn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

// waitForSignal blocks until SIGINT or SIGTERM, the daemon's shutdown
// trigger.
func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func indexServiceAddr(cfg *config.Conf) string {
	port := utils.EnvOrDefaultInt("GNBGO_INDEX_SERVICE_PORT", 7946)
	if len(cfg.UDP4Ports) > 0 {
		port = cfg.UDP4Ports[0] + 1
	}
	return ":" + strconv.Itoa(port)
}

func newLogger(cfg *config.Conf) *logrus.Entry {
	logger := logrus.New()
	if cfg.Quiet || cfg.Daemon {
		logger.SetOutput(io.Discard)
	}
	if level, ok := cfg.ComponentLogLevels["console"]; ok {
		logger.SetLevel(logrusLevel(level))
	}
	if cfg.LogPath != "" {
		if f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			logger.AddHook(&fileHook{file: f, level: logrusLevel(cfg.ComponentLogLevels["file"])})
		}
	}
	return logger.WithField("daemon", "gnbd")
}

func logrusLevel(n int) logrus.Level {
	switch {
	case n >= 3:
		return logrus.TraceLevel
	case n == 2:
		return logrus.DebugLevel
	case n == 1:
		return logrus.InfoLevel
	default:
		return logrus.WarnLevel
	}
}

// fileHook mirrors a secondary file sink at its own threshold, keeping
// file_log_level independent of console_log_level.
type fileHook struct {
	file  *os.File
	level logrus.Level
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.file.WriteString(line)
	return err
}
