// Package httpapi implements C12: a small echo-based REST surface for
// operators, separate from the game wire protocol, grounded on
// rustyguts-bken/server/api.go's APIServer (route registration style,
// middleware stack, JSON error handling) but serving this relay's own
// domain (players, resources, plugins, blocklist, audit) instead of
// voice-chat rooms.
package httpapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vehrelay/internal/store"
)

// PlayerView is the admin-facing projection of one connected session.
type PlayerView struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Status int    `json:"status"`
}

// Registry is the subset of the session registry the admin API reads.
type Registry interface {
	Players() []PlayerView
}

// Admission is the subset of the admission guard the admin API reads.
type Admission interface {
	BlockedAddresses() []string
}

// Resources is the subset of the resource store the admin API reads.
type Resources interface {
	ManifestWire() (string, error)
}

// Plugins is the subset of the plugin runtime the admin API reads.
type Plugins interface {
	Names() []string
}

// Server is the admin HTTP API: read-mostly introspection into the
// running relay, plus the audit trail persisted by internal/store.
type Server struct {
	echo      *echo.Echo
	reg       Registry
	guard     Admission
	resources Resources
	plugins   Plugins
	audit     *store.Store
	version   string
}

// NewServer constructs a Server and registers every route. Any of guard,
// resources, or plugins may be nil if that subsystem is disabled: a nil
// resources makes /api/resources answer 503, while a nil guard or plugins
// makes its endpoint answer an empty list.
func NewServer(reg Registry, guard Admission, resources Resources, plugins Plugins, audit *store.Store, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[httpapi] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, reg: reg, guard: guard, resources: resources, plugins: plugins, audit: audit, version: version}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/players", s.handlePlayers)
	s.echo.GET("/api/resources", s.handleResources)
	s.echo.GET("/api/plugins", s.handlePlugins)
	s.echo.GET("/api/blocklist", s.handleBlocklist)
	s.echo.GET("/api/audit", s.handleAudit)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts the API, over TLS when tlsConfig is non-nil, and blocks
// until ctx is cancelled, then shuts down within 5 seconds.
func (s *Server) Run(ctx context.Context, addr string, tlsConfig *tls.Config) {
	go func() {
		var err error
		if tlsConfig != nil {
			ln, lerr := net.Listen("tcp", addr)
			if lerr != nil {
				log.Printf("[httpapi] listen: %v", lerr)
				return
			}
			tln := tls.NewListener(ln, tlsConfig)
			s.echo.Listener = tln
			err = s.echo.Start("")
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[httpapi] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[httpapi] shutdown: %v", err)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePlayers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.Players())
}

func (s *Server) handleResources(c echo.Context) error {
	if s.resources == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "resource store not configured"})
	}
	wire, err := s.resources.ManifestWire()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"manifest": wire})
}

func (s *Server) handlePlugins(c echo.Context) error {
	if s.plugins == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, s.plugins.Names())
}

func (s *Server) handleBlocklist(c echo.Context) error {
	if s.guard == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, s.guard.BlockedAddresses())
}

func (s *Server) handleAudit(c echo.Context) error {
	limit := 100
	entries, err := s.audit.GetAuditLog(c.QueryParam("kind"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": s.version})
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
