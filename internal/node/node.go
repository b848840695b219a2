// Package node runs one rdmakv process: the key-value server, or a client
// driven by the interactive shell or the HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmakv/internal/bootstrap"
	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/httpapi"
	"github.com/yuuki/rdmakv/internal/kv"
	"github.com/yuuki/rdmakv/internal/rdma"
	"github.com/yuuki/rdmakv/internal/repl"
	"github.com/yuuki/rdmakv/internal/telemetry"
)

// ErrNotConnected is returned by Do before a connection to a server exists
var ErrNotConnected = errors.New("not connected to a server")

// Mode selects what a Node runs
type Mode int

const (
	// ModeServer waits for one client and serves its requests
	ModeServer Mode = iota
	// ModeClient connects to the configured peer and runs the shell
	ModeClient
	// ModeHTTP runs the HTTP API; connections are made through /login
	ModeHTTP
	// ModeDemo runs a server and a shell client in one process over the
	// simulated fabric
	ModeDemo
)

func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	case ModeClient:
		return "client"
	case ModeHTTP:
		return "http"
	case ModeDemo:
		return "demo"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Node represents one rdmakv process
type Node struct {
	config  *config.Config
	version string
	verbs   rdma.Verbs
	metrics *telemetry.Metrics

	mu     sync.Mutex
	conn   *rdma.Context
	client *kv.Client

	// exit and forcedStopTimeout control the second-signal path
	exit              func(code int)
	forcedStopTimeout time.Duration
}

// New creates a node for cfg, initializing logging and the verbs provider
func New(cfg *config.Config, version string) (*Node, error) {
	InitLogging(cfg.LogLevel)

	log.Debug().Str("provider", cfg.Provider).Str("instance_id", cfg.InstanceID).Msg("Creating new node instance")

	verbs, err := newVerbs(cfg.Provider)
	if err != nil {
		return nil, err
	}
	return newNode(cfg, version, verbs), nil
}

func newNode(cfg *config.Config, version string, verbs rdma.Verbs) *Node {
	return &Node{
		config:            cfg,
		version:           version,
		verbs:             verbs,
		exit:              os.Exit,
		forcedStopTimeout: 5 * time.Second,
	}
}

func newVerbs(provider string) (rdma.Verbs, error) {
	switch provider {
	case config.ProviderSim:
		log.Warn().Msg("Using the simulated fabric; peers are only reachable within this process")
		return rdma.NewFabric(rdma.NewSimDevice("sim0", 1)), nil
	case config.ProviderIBVerbs:
		v, err := rdma.NewIBVerbs()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ibverbs provider: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// Run runs mode until it finishes or the process receives SIGINT or
// SIGTERM. A second signal bounds the remaining teardown instead of
// skipping it.
func (n *Node) Run(mode Mode, in io.Reader, out io.Writer) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return n.runUntilSignaled(mode, in, out, sigCh)
}

func (n *Node) runUntilSignaled(mode Mode, in io.Reader, out io.Writer, sigCh <-chan os.Signal) error {
	log.Debug().Stringer("mode", mode).Msg("Running node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	defer close(finished)
	go n.watchSignals(sigCh, cancel, finished)

	n.startMetrics(ctx)
	err := n.run(ctx, mode, in, out)
	if stopErr := n.Stop(); stopErr != nil {
		return errors.Join(err, stopErr)
	}
	if err == nil {
		log.Info().Msg("Node shut down gracefully")
	}
	return err
}

// watchSignals cancels the node on the first signal. After a second one
// the teardown gets forcedStopTimeout to release the RDMA resources before
// the process exits.
func (n *Node) watchSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, finished <-chan struct{}) {
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
		cancel()
	case <-finished:
		return
	}
	select {
	case <-sigCh:
		log.Warn().Dur("timeout", n.forcedStopTimeout).Msg("Received second signal, waiting for RDMA resources to be released before exiting...")
	case <-finished:
		return
	}
	select {
	case <-finished:
	case <-time.After(n.forcedStopTimeout):
		log.Error().Msg("Teardown did not finish in time, forcing exit")
		n.exit(1)
	}
}

func (n *Node) run(ctx context.Context, mode Mode, in io.Reader, out io.Writer) error {
	var err error
	switch mode {
	case ModeServer:
		err = n.Serve(ctx)
	case ModeClient:
		if err := n.Login(ctx, n.config.Peer); err != nil {
			return err
		}
		err = repl.New(n, in, out).Run(ctx)
	case ModeHTTP:
		if n.config.Peer != "" {
			if err := n.Login(ctx, n.config.Peer); err != nil {
				log.Warn().Err(err).Str("peer", n.config.Peer).Msg("Initial connection failed, waiting for /login")
			}
		}
		err = n.ServeHTTP(ctx)
	case ModeDemo:
		err = n.demo(ctx, in, out)
	default:
		return fmt.Errorf("unknown mode %v", mode)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// demo runs the server role in the background and the shell in the
// foreground, connected through the loopback bootstrap address
func (n *Node) demo(ctx context.Context, in io.Reader, out io.Writer) error {
	if _, ok := n.verbs.(*rdma.Fabric); !ok {
		return fmt.Errorf("demo mode requires the %s provider", config.ProviderSim)
	}
	ln, err := bootstrap.Listen(ctx, n.config.Bootstrap(""))
	if err != nil {
		return err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		err := n.ServeListener(runCtx, ln)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stopServer()
		if err := n.Login(runCtx, "127.0.0.1"); err != nil {
			return err
		}
		return repl.New(n, in, out).Run(runCtx)
	})
	return g.Wait()
}

// Serve runs the server role: it waits for a client on the bootstrap port,
// connects the queue pair and serves requests until ctx is done
func (n *Node) Serve(ctx context.Context) error {
	ln, err := bootstrap.Listen(ctx, n.config.Bootstrap(""))
	if err != nil {
		return err
	}
	defer ln.Close()
	return n.ServeListener(ctx, ln)
}

// ServeListener is Serve on an already bound listener. The connection
// resources are released before it returns; a release failure is returned.
func (n *Node) ServeListener(ctx context.Context, ln *bootstrap.Listener) (err error) {
	conn, err := rdma.Open(n.verbs, n.config.RDMA())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	// the first request may arrive as soon as the client has our
	// descriptor, so its receive is posted before the exchange
	srv := kv.NewServer(conn, n.kvOptions()...)
	if err := conn.ModifyToInit(); err != nil {
		return err
	}
	if err := srv.Arm(); err != nil {
		return err
	}

	log.Info().Str("addr", ln.Addr().String()).Msg("Waiting for client connection")
	remote, err := ln.Accept(ctx, conn.LocalDescriptor())
	if err != nil {
		return ctxOr(ctx, err)
	}
	if err := conn.Connect(remote); err != nil {
		return err
	}

	err = srv.Serve(ctx)
	log.Info().Uint64("handled", srv.Handled()).Int("keys", srv.Len()).Msg("Server stopped")
	return err
}

// ServeHTTP runs the HTTP API on the configured address until ctx is done
func (n *Node) ServeHTTP(ctx context.Context) error {
	srv := httpapi.NewServer(n.config.HTTPAddr, n.config.HTTPMaxConns, n)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Login connects to the server at serverIP and replaces the current
// connection. On failure the current connection is kept.
func (n *Node) Login(ctx context.Context, serverIP string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	conn, err := n.dial(ctx, serverIP)
	if err != nil {
		return err
	}
	old := n.conn
	n.conn = conn
	n.client = kv.NewClient(conn, n.kvOptions()...)

	if old != nil {
		if err := old.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release previous connection")
		}
	}
	log.Info().Str("server", serverIP).Uint32("qpn", conn.QPNum()).Msg("Connected to server")
	return nil
}

func (n *Node) dial(ctx context.Context, peer string) (*rdma.Context, error) {
	conn, err := rdma.Open(n.verbs, n.config.RDMA())
	if err != nil {
		return nil, err
	}
	remote, err := bootstrap.Exchange(ctx, n.config.Bootstrap(peer), conn.LocalDescriptor())
	if err == nil {
		err = conn.Connect(remote)
	}
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to release connection after failed connect")
		}
		return nil, err
	}
	return conn, nil
}

// Do runs op on the current connection
func (n *Node) Do(ctx context.Context, op kv.Op) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil {
		return "", ErrNotConnected
	}
	return n.client.Do(ctx, op)
}

// Connected reports whether a connection to a server exists
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client != nil
}

// Stop releases the client connection and flushes metrics. A failed
// release is returned as *rdma.TeardownError.
func (n *Node) Stop() error {
	log.Debug().Msg("Stopping node")

	n.mu.Lock()
	conn := n.conn
	n.conn, n.client = nil, nil
	n.mu.Unlock()

	var err error
	if conn != nil {
		log.Debug().Msg("Closing RDMA connection")
		err = conn.Close()
	}

	if n.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if merr := n.metrics.Shutdown(ctx); merr != nil {
			log.Error().Err(merr).Msg("Failed to shutdown metrics")
		}
		n.metrics = nil
	}
	return err
}

func (n *Node) startMetrics(ctx context.Context) {
	if !n.config.MetricsEnabled {
		return
	}
	m, err := telemetry.NewMetrics(ctx, n.config.InstanceID, n.version, n.config.OtelCollectorAddr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		return
	}
	n.metrics = m
	log.Info().
		Str("instance_id", n.config.InstanceID).
		Str("collector_addr", n.config.OtelCollectorAddr).
		Msg("OpenTelemetry metrics initialized")
}

func (n *Node) kvOptions() []kv.Option {
	opts := []kv.Option{kv.WithRateLimit(n.config.OpsPerSecond)}
	if n.metrics != nil {
		opts = append(opts, kv.WithRecorder(n.metrics))
	}
	return opts
}

func ctxOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// InitLogging initializes the logging configuration
func InitLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
