// Package server assembles one group member from its configuration: the
// UDP transport, the gossip member and the optional etcd, MQTT and admin
// HTTP collaborators.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/config"
	"github.com/ryandielhenn/membership/internal/mqttclient"
	"github.com/ryandielhenn/membership/internal/telemetry"
	"github.com/ryandielhenn/membership/pkg/gossip"
	"github.com/ryandielhenn/membership/pkg/node"
	"github.com/ryandielhenn/membership/pkg/registry"
	"github.com/ryandielhenn/membership/pkg/transport"
)

// Version is reported in build info; set with -ldflags.
var Version = "dev"

type Options struct {
	Config config.Config
	Logger *zap.Logger
	// Crash runs on a CRASH message. Defaults to os.Exit(1).
	Crash func()
	RunID string
}

type Server struct {
	cfg   config.Config
	log   *zap.Logger
	runID string

	udp    *transport.UDP
	lossy  *transport.Lossy
	member *gossip.Member

	etcd  *clientv3.Client
	mqtt  *mqttclient.Client
	pub   *mqttclient.Publisher
	admin *node.Node
	httpL net.Listener

	leaveOnce sync.Once
}

// New binds the UDP port and builds the member. With Config.Port 0 a free
// port is chosen and advertised.
func New(ctx context.Context, opts Options) (*Server, error) {
	s := &Server{cfg: opts.Config, log: opts.Logger, runID: opts.RunID}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	crash := opts.Crash
	if crash == nil {
		crash = func() { os.Exit(ExitCrash) }
	}

	udp, err := transport.Listen(s.cfg.Port, transport.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.udp = udp
	s.cfg.Port = udp.Port()
	self := s.cfg.Self()
	s.log = s.log.With(zap.String("run_id", s.runID))

	if len(s.cfg.Etcd) > 0 {
		if err := s.discover(ctx, self); err != nil {
			s.close()
			return nil, err
		}
	}

	s.lossy = transport.WithDropRate(udp, s.cfg.PacketDrop)
	s.member, err = gossip.New(gossip.Config{
		Self:            self,
		Introducer:      s.cfg.Introducer,
		PingPeriod:      s.cfg.PingPeriod,
		SuspectTimeout:  s.cfg.SuspectTimeout,
		Fanout:          s.cfg.Fanout,
		ChangeRetention: s.cfg.ChangeRetention,
		ChangeCapacity:  s.cfg.ChangeCapacity,
		Logger:          s.log,
		Crash:           crash,
	}, s.lossy)
	if err != nil {
		s.close()
		return nil, err
	}
	telemetry.Track(s.member)
	telemetry.SetBuildInfo(Version, s.runID)

	if s.cfg.MQTTBroker != "" {
		s.mqtt, err = mqttclient.New(mqttclient.Options{
			BrokerURL: s.cfg.MQTTBroker,
			ClientID:  "membership-" + s.runID,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		s.pub = mqttclient.NewPublisher(s.mqtt, self, s.runID, s.log)
		s.member.Subscribe(s.pub.Enqueue)
	}

	if s.cfg.HTTPAddr != "" {
		s.httpL, err = net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("admin listen %s: %w", s.cfg.HTTPAddr, err)
		}
		s.admin = node.NewNode(s.member, s.runID, s.log)
		s.member.Subscribe(s.admin.Hub().Publish)
	}

	s.log.Info("member configured",
		zap.Stringer("self", self),
		zap.Bool("introducer", s.member.IsIntroducer()),
		zap.Float64("packet_drop", s.lossy.Rate()))
	return s, nil
}

// discover joins through a registered introducer when none is configured.
func (s *Server) discover(ctx context.Context, self gossip.Id) error {
	cli, err := registry.NewClient(s.cfg.Etcd)
	if err != nil {
		return fmt.Errorf("etcd client: %w", err)
	}
	s.etcd = cli
	if s.cfg.Introducer != nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ids, err := registry.Introducers(lctx, cli)
	if err != nil {
		return err
	}
	if id, ok := registry.Pick(ids, self); ok {
		s.log.Info("found introducer in etcd", zap.Stringer("introducer", id))
		s.cfg.Introducer = &id
	}
	return nil
}

func (s *Server) Member() *gossip.Member { return s.member }
func (s *Server) Self() gossip.Id        { return s.member.Self() }
func (s *Server) RunID() string          { return s.runID }

// Leave starts a voluntary leave, as a TERMINATE message would.
func (s *Server) Leave() {
	s.leaveOnce.Do(func() {
		s.log.Info("leave requested")
		s.member.Leave()
	})
}

// Run serves until the member has left (nil), the leave deadline passed
// (gossip.ErrLeaveTimeout), the join failed (gossip.ErrJoinFailed) or ctx
// is cancelled. Resources are released before it returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.udp.Serve(ctx, s.member); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("transport stopped", zap.Error(err))
		}
	}()

	if s.pub != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.pub.Run(ctx) }()
	}
	var httpSrv *http.Server
	if s.admin != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.admin.Hub().Run(ctx) }()
		httpSrv = &http.Server{Handler: s.admin.Routes(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.Serve(s.httpL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("admin http stopped", zap.Error(err))
			}
		}()
		s.log.Info("admin http listening", zap.Stringer("addr", s.httpL.Addr()))
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = httpSrv.Shutdown(sctx)
		}()
	}

	if err := s.member.Join(ctx); err != nil {
		return err
	}

	if s.etcd != nil {
		if s.member.IsIntroducer() {
			lease, stop, err := registry.RegisterIntroducer(ctx, s.etcd, s.Self(), registry.DefaultTTL)
			if err != nil {
				s.log.Warn("introducer registration failed", zap.Error(err))
			} else {
				s.log.Info("registered introducer in etcd", zap.Int64("lease", int64(lease)))
				defer func() {
					stop()
					rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer rcancel()
					_, _ = s.etcd.Revoke(rctx, lease)
				}()
			}
		}
		if s.admin != nil {
			if err := registry.WatchIntroducers(ctx, s.etcd, s.admin.SetIntroducers); err != nil {
				s.log.Warn("watching introducers failed", zap.Error(err))
			}
		}
	}

	err := s.member.Run(ctx)
	switch {
	case err == nil:
		s.log.Info("left the group", zap.Uint64("packets_dropped", s.lossy.Dropped()))
	case errors.Is(err, gossip.ErrLeaveTimeout):
		s.log.Warn("leave timed out", zap.Error(err))
	}
	return err
}

func (s *Server) close() {
	if s.udp != nil {
		_ = s.udp.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	if s.etcd != nil {
		_ = s.etcd.Close()
	}
	if s.httpL != nil {
		_ = s.httpL.Close()
	}
}

// Process exit statuses.
const (
	ExitOK           = 0
	ExitCrash        = 1
	ExitStartup      = 2
	ExitLeaveTimeout = 3
)

// ExitCode maps the result of Run to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, gossip.ErrLeaveTimeout):
		return ExitLeaveTimeout
	default:
		return ExitStartup
	}
}
