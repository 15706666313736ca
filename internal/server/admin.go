package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/audiocast/internal/auth"
	"github.com/danmuck/audiocast/internal/codec"
	"github.com/danmuck/audiocast/internal/observability"
	"github.com/danmuck/audiocast/internal/replicator"
	"github.com/danmuck/audiocast/internal/wav"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Replicator is the slice of *replicator.Replicator the admin surface uses.
type Replicator interface {
	PeerID() string
	Role() replicator.Role
	ListIncoming() []replicator.IncomingStatus
	IncomingStatus(id replicator.SessionID) (replicator.IncomingStatus, bool)
	Session(id replicator.SessionID) ([]replicator.Packet, replicator.StreamHeader, bool)
	ClearSession(id replicator.SessionID) bool
	ListOutgoing() []replicator.OutgoingStatus
	StartBroadcastFromWAV(path string, bitrate, frameMs int) (replicator.SessionID, error)
	CancelBroadcast(id replicator.SessionID)
}

type Config struct {
	Addr        string
	CorsOrigins []string
	// defaults for POST /broadcasts when the body leaves them zero
	Bitrate int
	FrameMs int
	// Token, when set, is required as a bearer token on POST and DELETE routes.
	Token string
}

// Admin is the HTTP control surface of one node.
type Admin struct {
	cfg      Config
	rep      Replicator
	decoder  codec.Decoder
	router   *gin.Engine
	appeared time.Time
	ready    atomic.Bool
}

func NewAdmin(cfg Config, rep Replicator, decoder codec.Decoder) *Admin {
	observability.RegisterMetrics()
	if decoder == nil {
		decoder = codec.PCM16{}
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = replicator.DefaultStreamHeader().FrameMs
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = replicator.DefaultStreamHeader().Bitrate
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(log.Logger, rep.PeerID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		cfg:      cfg,
		rep:      rep,
		decoder:  decoder,
		router:   r,
		appeared: time.Now(),
	}
	a.registerRoutes()
	return a
}

func (a *Admin) NodeID() string {
	return a.rep.PeerID()
}

func (a *Admin) Kind() string {
	return a.rep.Role().String()
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// SetReady flips the /ready probe.
func (a *Admin) SetReady(ready bool) {
	a.ready.Store(ready)
}

// Serve runs the HTTP server on cfg.Addr until ctx is cancelled.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("peer", a.rep.PeerID()).Str("addr", a.cfg.Addr).Msg("server.Admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type broadcastRequest struct {
	Path    string `json:"path" binding:"required"`
	Bitrate int    `json:"bitrate"`
	FrameMs int    `json:"frame_ms"`
}

func (a *Admin) requireToken() gin.HandlerFunc {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: strings.TrimSpace(a.cfg.Token)}
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || v.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func (a *Admin) registerRoutes() {
	r := a.router
	guard := a.requireToken()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.appeared).String(),
			"peer":    a.rep.PeerID(),
			"role":    a.rep.Role().String(),
			"version": version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !a.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": a.ready.Load(),
			"peer":  a.rep.PeerID(),
		})
	})

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.rep.ListIncoming()})
	})

	r.GET("/sessions/:id", func(c *gin.Context) {
		id, ok := sessionParam(c)
		if !ok {
			return
		}
		st, found := a.rep.IncomingStatus(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/sessions/:id/wav", func(c *gin.Context) {
		id, ok := sessionParam(c)
		if !ok {
			return
		}
		packets, header, found := a.rep.Session(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		samples, err := a.decoder.DecodePackets(packets, header)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		data, err := wav.Encode(wav.Audio{Samples: samples, SampleRate: header.SampleRate, Channels: header.Channels})
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+id.String()+`.wav"`)
		c.Data(http.StatusOK, "audio/wav", data)
	})

	r.DELETE("/sessions/:id", guard, func(c *gin.Context) {
		id, ok := sessionParam(c)
		if !ok {
			return
		}
		if !a.rep.ClearSession(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/broadcasts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"broadcasts": a.rep.ListOutgoing()})
	})

	r.POST("/broadcasts", guard, func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Bitrate <= 0 {
			req.Bitrate = a.cfg.Bitrate
		}
		if req.FrameMs <= 0 {
			req.FrameMs = a.cfg.FrameMs
		}
		id, err := a.rep.StartBroadcastFromWAV(strings.TrimSpace(req.Path), req.Bitrate, req.FrameMs)
		if err != nil {
			c.JSON(broadcastErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": id.String()})
	})

	r.DELETE("/broadcasts/:id", guard, func(c *gin.Context) {
		id, ok := sessionParam(c)
		if !ok {
			return
		}
		found := false
		for _, st := range a.rep.ListOutgoing() {
			if st.SessionID == id {
				found = true
				break
			}
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "broadcast not found"})
			return
		}
		a.rep.CancelBroadcast(id)
		c.Status(http.StatusNoContent)
	})
}

func broadcastErrorStatus(err error) int {
	switch {
	case errors.Is(err, replicator.ErrNotOrigin):
		return http.StatusForbidden
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, replicator.ErrEmptyPackets),
		errors.Is(err, wav.ErrTooShort),
		errors.Is(err, wav.ErrNotRIFF),
		errors.Is(err, wav.ErrNotWAVE),
		errors.Is(err, wav.ErrUnsupportedFormat),
		errors.Is(err, wav.ErrUnsupportedBits),
		errors.Is(err, wav.ErrUnsupportedChannels),
		errors.Is(err, wav.ErrTruncatedChunk),
		errors.Is(err, wav.ErrMissingChunk):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sessionParam(c *gin.Context) (replicator.SessionID, bool) {
	id, err := replicator.ParseSessionID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return replicator.SessionID{}, false
	}
	return id, true
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
