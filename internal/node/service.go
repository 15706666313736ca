package node

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/audiocast/internal/codec"
	"github.com/danmuck/audiocast/internal/protocol/session"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/server"
	"github.com/danmuck/audiocast/internal/transport"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures one audiocast node.
type ServiceConfig struct {
	PeerID            string
	Role              replicator.Role
	Group             replicator.PeerGroup
	TickInterval      time.Duration
	MaxPacketsPerTick int
	ReliableAddr      string
	DatagramAddr      string
	// AdminAddr disables the admin HTTP server when empty.
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	Peers       []transport.Peer
	Groups      map[replicator.PeerGroup][]string
	Bitrate     int
	FrameMs     int
	Session     session.Config
}

func DefaultServiceConfig() ServiceConfig {
	header := replicator.DefaultStreamHeader()
	return ServiceConfig{
		PeerID:            "peer.local",
		Role:              replicator.RoleObserver,
		Group:             transport.GroupAll,
		TickInterval:      20 * time.Millisecond,
		MaxPacketsPerTick: replicator.DefaultMaxPacketsPerTick,
		ReliableAddr:      ":7400",
		DatagramAddr:      ":7401",
		AdminAddr:         "127.0.0.1:7480",
		Bitrate:           header.Bitrate,
		FrameMs:           header.FrameMs,
		Session:           session.DefaultConfig(),
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("node: peer id is required")
	}
	if c.TickInterval <= 0 {
		return errors.New("node: tick interval must be positive")
	}
	if c.MaxPacketsPerTick <= 0 {
		return errors.New("node: max packets per tick must be positive")
	}
	if c.FrameMs <= 0 {
		return errors.New("node: frame_ms must be positive")
	}
	for _, p := range c.Peers {
		if p.ID == c.PeerID {
			return fmt.Errorf("node: peer list contains self (%q)", p.ID)
		}
	}
	return c.Session.Validate()
}

// Service owns the transport, replicator and admin surface of one node.
type Service struct {
	cfg   ServiceConfig
	net   *transport.Net
	rep   *replicator.Replicator
	admin *server.Admin
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	netw, err := transport.NewNet(transport.NetConfig{
		PeerID:       cfg.PeerID,
		ReliableAddr: cfg.ReliableAddr,
		DatagramAddr: cfg.DatagramAddr,
		Peers:        cfg.Peers,
		Groups:       cfg.Groups,
		Session:      cfg.Session,
	})
	if err != nil {
		return nil, err
	}
	rep, err := replicator.New(replicator.Config{
		PeerID:            cfg.PeerID,
		Role:              cfg.Role,
		Group:             cfg.Group,
		MaxPacketsPerTick: cfg.MaxPacketsPerTick,
		Encoder:           codec.PCM16{},
	}, netw)
	if err != nil {
		return nil, err
	}
	netw.Attach(rep)
	rep.AddObserver(NewLogObserver(cfg.PeerID))

	s := &Service{cfg: cfg, net: netw, rep: rep}
	if strings.TrimSpace(cfg.AdminAddr) != "" {
		s.admin = server.NewAdmin(server.Config{
			Addr:        cfg.AdminAddr,
			CorsOrigins: cfg.CorsOrigins,
			Token:       cfg.AdminToken,
			Bitrate:     cfg.Bitrate,
			FrameMs:     cfg.FrameMs,
		}, rep, codec.PCM16{})
	}
	return s, nil
}

func (s *Service) Replicator() *replicator.Replicator {
	return s.rep
}

// Admin returns nil when the admin server is disabled.
func (s *Service) Admin() *server.Admin {
	return s.admin
}

func (s *Service) Transport() *transport.Net {
	return s.net
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := s.net.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the transport loops, pump ticker and admin server until ctx is
// done. The transport must already be listening.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().
		Str("peer", s.cfg.PeerID).
		Str("role", s.cfg.Role.String()).
		Dur("tick", s.cfg.TickInterval).
		Int("max_per_tick", s.cfg.MaxPacketsPerTick).
		Int("peers", len(s.cfg.Peers)).
		Msg("node.Service.Serve starting")

	errCh := make(chan error, 3)
	go func() { errCh <- s.net.Serve(ctx) }()
	go func() {
		s.pumpLoop(ctx)
		errCh <- nil
	}()
	running := 2
	if s.admin != nil {
		running++
		go func() { errCh <- s.admin.Serve(ctx) }()
		s.admin.SetReady(true)
	}

	var first error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && first == nil {
			first = err
		}
		cancel()
	}
	if s.admin != nil {
		s.admin.SetReady(false)
	}
	log.Info().Str("peer", s.cfg.PeerID).Err(first).Msg("node.Service.Serve stopped")
	return first
}

func (s *Service) pumpLoop(ctx context.Context) {
	if !s.rep.IsOrigin() {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rep.Tick()
		}
	}
}
