// ipcemu runs the IPC service emulator and probes running emulators.
//
//	ipcemu serve            serve the built-in services on NXIPC_BRIDGE_ADDR
//	ipcemu probe [flags]    dial a service and exercise the control commands
//
// Both read their settings from NXIPC_* environment variables; run
// "ipcemu env" to list them. With NXIPC_ETCD_ENABLED=true, serve publishes
// its services to etcd and probe discovers them there. Otherwise probe needs
// --addr.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"nx-ipc/client"
	"nx-ipc/config"
	"nx-ipc/loadbalance"
	"nx-ipc/logging"
	"nx-ipc/message"
	"nx-ipc/middleware"
	"nx-ipc/registry"
	"nx-ipc/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], cfg, logger)
	case "probe":
		return runProbe(ctx, args[1:], cfg, logger, stdout)
	case "env":
		return config.Usage()
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `ipcemu runs and probes IPC service emulators.

Usage:
  ipcemu serve [flags]
  ipcemu probe [flags]
  ipcemu env

Run "ipcemu <command> --help" for the flags of a command.
`)
}

func openRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func() error, error) {
	if !cfg.Etcd.Enabled {
		return registry.NewMemoryRegistry(), func() error { return nil }, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}

func runServe(ctx context.Context, args []string, cfg *config.Config, logger *zap.Logger) error {
	flagSet := pflag.NewFlagSet("ipcemu serve", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Bridge.Addr, "addr", cfg.Bridge.Addr, "bridge listen address")
	flagSet.StringVar(&cfg.Bridge.Advertise, "advertise", cfg.Bridge.Advertise, "address published to the registry (default: --addr)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	reg, closeRegistry, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()

	listener, err := net.Listen("tcp", cfg.Bridge.Addr)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, logger, listener, reg)
}

func newEmulator(cfg *config.Config, logger *zap.Logger) *server.Server {
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithPointerBufferSize(cfg.Bridge.PointerBufferSize),
		server.WithProcessID(cfg.Bridge.ProcessID),
		server.WithRegisterTTL(cfg.Etcd.TTL),
	)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Call.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Call.RateLimit, max(cfg.Call.RateBurst, 1)))
	}
	svr.Register(newEchoService())
	return svr
}

// serve runs the emulator on listener until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, listener net.Listener, reg registry.Registry) error {
	svr := newEmulator(cfg, logger)
	advertise := cfg.AdvertiseAddr()
	if cfg.Bridge.Advertise == "" {
		advertise = listener.Addr().String()
	}
	logger.Info("emulator listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", advertise))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.ServeListener(listener, advertise, reg)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("emulator shutting down")
		return svr.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}

type probeReport struct {
	Service           string `yaml:"service"`
	Handle            uint32 `yaml:"handle"`
	PointerBufferSize uint16 `yaml:"pointer_buffer_size"`
	ProcessID         uint64 `yaml:"process_id"`
	Echo              bool   `yaml:"echo"`
	DomainObject      uint32 `yaml:"domain_object"`
	OpenedObject      uint32 `yaml:"opened_object"`
	DomainEcho        bool   `yaml:"domain_echo"`
	Elapsed           string `yaml:"elapsed"`
}

func runProbe(ctx context.Context, args []string, cfg *config.Config, logger *zap.Logger, stdout io.Writer) error {
	var service, addr, balancer, key string
	var handle uint32

	flagSet := pflag.NewFlagSet("ipcemu probe", pflag.ContinueOnError)
	flagSet.StringVar(&service, "service", echoServiceName, "service to probe; must implement the echo commands")
	flagSet.StringVar(&addr, "addr", "", "emulator address, used when etcd is disabled")
	flagSet.Uint32Var(&handle, "handle", 0x100, "port handle at --addr")
	flagSet.StringVar(&balancer, "balancer", "round-robin", "round-robin, weighted or hash")
	flagSet.StringVar(&key, "key", "", "key for the hash balancer")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	bal, err := newBalancer(balancer, key)
	if err != nil {
		return err
	}
	reg, closeRegistry, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRegistry()
	if !cfg.Etcd.Enabled {
		if addr == "" {
			return errors.New("--addr is required when etcd is disabled")
		}
		ep := registry.Endpoint{Service: service, Addr: addr, Handle: handle, Weight: 1}
		if err := reg.Register(ctx, ep, 0); err != nil {
			return err
		}
	}

	report, err := probe(ctx, cfg, logger, reg, bal, service)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}

func newBalancer(name, key string) (loadbalance.Balancer, error) {
	switch name {
	case "round-robin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "hash":
		if key == "" {
			return nil, errors.New("--key is required with --balancer hash")
		}
		return loadbalance.NewConsistentHashBalancer().Keyed(key), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}

var probePayload = []byte("nx-ipc probe")

func probe(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg registry.Registry, bal loadbalance.Balancer, service string) (*probeReport, error) {
	start := time.Now()
	s, err := client.Dial(ctx, reg, bal, service,
		client.WithHeartbeat(cfg.Bridge.Heartbeat),
		client.WithDialLogger(logger),
		client.WithSessionOptions(client.WithMiddleware(client.CallMiddlewares(cfg.Call, logger)...)),
	)
	if err != nil {
		return nil, err
	}
	defer s.Close(ctx)

	report := &probeReport{Service: service, Handle: uint32(s.Handle())}
	if report.PointerBufferSize, err = s.QueryPointerBufferSize(ctx); err != nil {
		return nil, err
	}

	data, err := s.Request(ctx, cmdGetProcessID, &message.InParams{SendProcessID: true}, &message.OutParams{DataSize: 8})
	if err != nil {
		return nil, err
	}
	if len(data) == 8 {
		report.ProcessID = binary.LittleEndian.Uint64(data)
	}

	if report.Echo, err = echo(ctx, s); err != nil {
		return nil, err
	}

	if report.DomainObject, err = s.ConvertToDomain(ctx); err != nil {
		return nil, err
	}
	out := &message.OutParams{}
	if _, err := s.Request(ctx, cmdOpenObject, nil, out); err != nil {
		return nil, err
	}
	if len(out.Objects) == 0 {
		return nil, errors.New("open object: no object id returned")
	}
	report.OpenedObject = out.Objects[0]

	obj, err := s.Object(report.OpenedObject)
	if err != nil {
		return nil, err
	}
	if report.DomainEcho, err = echo(ctx, obj); err != nil {
		return nil, err
	}
	if err := obj.Close(ctx); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(start).String()
	return report, nil
}

func echo(ctx context.Context, s *client.Session) (bool, error) {
	data, err := s.Request(ctx, cmdEcho, &message.InParams{Data: probePayload}, &message.OutParams{DataSize: len(probePayload)})
	if err != nil {
		return false, err
	}
	return bytes.Equal(data, probePayload), nil
}
