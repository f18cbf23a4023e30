package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/indexplane/internal/controller"
	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/internal/metrics"
	"github.com/ChuLiYu/indexplane/internal/node"
	"github.com/ChuLiYu/indexplane/internal/positions"
	"github.com/ChuLiYu/indexplane/internal/server"
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

const (
	modeStandalone   = "standalone"
	modeControlPlane = "control-plane"
	modeNode         = "node"
)

// app is everything `run` starts. Fields are nil when the mode does not
// need them.
type app struct {
	mode      string
	cfg       *Config
	registry  *prometheus.Registry
	collector *metrics.Collector

	ctrl       *controller.Controller
	positions  *positions.Service
	indexer    *node.Node
	nodeClient *server.GrpcNodeClient
	cpClient   *server.GrpcControlPlaneClient
	brokers    []*eventbus.Broker[types.ShardPositionsUpdate]

	grpc     *server.Server
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startApp(ctx context.Context, cfg *Config, mode string) (_ *app, err error) {
	switch mode {
	case modeStandalone, modeControlPlane, modeNode:
	default:
		return nil, fmt.Errorf("unknown mode %q (want %s, %s or %s)", mode, modeStandalone, modeControlPlane, modeNode)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		mode:     mode,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		grpc:     server.New(),
		cancel:   cancel,
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.collector = metrics.NewCollector(a.registry)

	defer func() {
		if err != nil {
			a.Stop()
		}
	}()

	switch mode {
	case modeControlPlane:
		err = a.startControlPlane(ctx, nil)
	case modeNode:
		err = a.startNode(ctx, nil)
	case modeStandalone:
		local := controller.NewLocalNodes()
		if err = a.startControlPlane(ctx, local); err == nil {
			err = a.startNode(ctx, local)
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			if err := metrics.Serve(ctx, addr, a.registry); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	listenAddr := cfg.ControlPlane.ListenAddr
	if mode == modeNode {
		listenAddr = cfg.Node.ListenAddr
	}
	a.listener, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpc.Serve(a.listener); err != nil {
			log.Printf("gRPC server error: %v\n", err)
		}
	}()

	return a, nil
}

func (a *app) newBroker(name string) *eventbus.Broker[types.ShardPositionsUpdate] {
	broker := eventbus.NewBroker[types.ShardPositionsUpdate](name, 0)
	broker.OnDrop(a.collector.RecordEventDropped)
	a.brokers = append(a.brokers, broker)
	return broker
}

// startControlPlane starts the positions service and the controller. Plans
// go to local nodes first when local is set, over gRPC otherwise.
func (a *app) startControlPlane(ctx context.Context, local *controller.LocalNodes) error {
	if a.cfg.ControlPlane.MetastorePath == "" {
		return fmt.Errorf("control_plane.metastore_path is required")
	}

	svc, err := positions.Open(a.cfg.Positions, a.collector)
	if err != nil {
		return fmt.Errorf("failed to open positions: %w", err)
	}
	a.positions = svc

	broker := a.newBroker("control-plane")
	svc.Attach(broker)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		svc.Run(ctx)
	}()

	a.nodeClient = server.NewGrpcNodeClient()
	var clients controller.NodeClient = a.nodeClient
	if local != nil {
		local.SetFallback(a.nodeClient)
		clients = local
	}

	a.ctrl = controller.NewController(a.cfg.ControlPlane, metastore.NewFileMetastore(a.cfg.ControlPlane.MetastorePath), clients, controller.Options{
		Broker:    broker,
		Positions: svc,
		Recorder:  a.collector,
	})
	a.grpc.RegisterControlPlane(a.ctrl)
	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	return nil
}

// startNode starts the indexer node. In standalone mode it talks to the
// in-process controller and resumes from the local positions service.
// A remote node resumes from the positions shipped with each plan.
func (a *app) startNode(ctx context.Context, local *controller.LocalNodes) error {
	opts := node.Options{Recorder: a.collector}

	var control node.ControlPlaneClient
	if a.ctrl != nil {
		control = a.ctrl
		opts.Positions = a.positions
	} else {
		client, err := server.DialControlPlane(a.cfg.Node.ControlPlaneAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to control plane: %w", err)
		}
		a.cpClient = client
		control = client
		log.Printf("Connecting to control plane at %s...\n", a.cfg.Node.ControlPlaneAddr)
	}

	a.indexer = node.New(a.cfg.Node, control, a.newBroker("node-"+string(a.cfg.Node.NodeID)), opts)
	a.grpc.RegisterIndexing(a.indexer)
	if local != nil {
		local.Add(a.cfg.Node.AdvertiseAddr, a.indexer)
	}
	if err := a.indexer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	return nil
}

// Addr returns the address the gRPC server listens on.
func (a *app) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts everything down, the node before the control plane.
func (a *app) Stop() {
	if a.indexer != nil {
		a.indexer.Stop()
	}

	if a.listener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.grpc.Stop(ctx)
		cancel()
	}

	if a.ctrl != nil {
		a.ctrl.Stop()
	}

	a.cancel()
	a.wg.Wait()

	if a.positions != nil {
		if err := a.positions.Close(); err != nil {
			log.Printf("Failed to close positions: %v\n", err)
		}
	}
	for _, broker := range a.brokers {
		broker.Close()
	}
	if a.nodeClient != nil {
		a.nodeClient.Close()
	}
	if a.cpClient != nil {
		a.cpClient.Close()
	}
}
