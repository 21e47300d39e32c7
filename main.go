package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"vehrelay/internal/heartbeat"
	"vehrelay/internal/httpapi"
	"vehrelay/internal/identity"
	"vehrelay/internal/plugin"
	"vehrelay/internal/resource"
	"vehrelay/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		cliDB := "vehrelay.db"
		if RunCLI(os.Args[1:], cliDB) {
			return
		}
	}

	cfgPath := flag.String("config", "Server.cfg", "path to the server configuration file")
	dbPath := flag.String("db", "vehrelay.db", "SQLite database path")
	udpAddr := flag.String("udp-addr", "", "UDP listen address (empty to derive from Server.cfg's Port)")
	apiAddr := flag.String("api-addr", ":8080", "admin REST API listen address (empty to disable)")
	apiTLS := flag.Bool("api-tls", false, "serve the admin API over a self-signed TLS certificate")
	identityEndpoint := flag.String("identity-endpoint", "https://auth.beammp.com/userInfo", "entitlement lookup endpoint")
	enablePlugins := flag.Bool("plugins", true, "enable the Lua plugin runtime")
	enableHeartbeat := flag.Bool("heartbeat", true, "announce this server to the public server browser")
	flag.Parse()

	cfg, err := LoadConfig(*cfgPath)
	if err != nil {
		switch err {
		case errConfigGenerated:
			log.Printf("[main] no %s found, wrote a default one — edit it and restart", *cfgPath)
			time.Sleep(3 * time.Second)
			os.Exit(0)
		case errConfigNoAuthKey:
			log.Printf("[main] %s is missing an AuthKey — paste one from your BeamMP account page and restart", *cfgPath)
			time.Sleep(3 * time.Second)
			os.Exit(-1)
		default:
			log.Printf("[main] config: %v", err)
			time.Sleep(3 * time.Second)
			os.Exit(-1)
		}
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer db.Close()

	reg := NewRegistry()
	guard, err := NewAdmissionGuard(db)
	if err != nil {
		log.Fatalf("[admission] %v", err)
	}
	resolver := identity.NewResolver(*identityEndpoint)

	resourceDir := cfg.ResourceDir
	if resourceDir == "" {
		resourceDir = "Resources"
	}
	resStore, err := resource.NewStore(resourceDir, db)
	if err != nil {
		log.Fatalf("[resource] %v", err)
	}
	if err := resStore.Rescan(); err != nil {
		log.Printf("[resource] initial scan: %v", err)
	}

	var hooks PluginHooks = noopHooks{}
	var pluginRuntime *plugin.Runtime
	if *enablePlugins {
		pluginRuntime, err = plugin.NewRuntime(defaultPluginDir, 0, &pluginServerAPI{reg: reg, fanout: NewFanout(reg)})
		if err != nil {
			log.Printf("[plugin] %v (continuing without plugins)", err)
		} else {
			hooks = pluginRuntime
			defer pluginRuntime.Close()
		}
	}

	srv := NewServer(cfg, reg, guard, resolver, hooks, resStore)

	// The original persisted a server UUID distinct from AuthKey in its
	// settings file; this relay generates one fresh per run rather than
	// adding a settings table solely to cache it.
	instanceUUID := uuid.New().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("[main] shutdown signal received")
		cancel()
	}()

	tcpAddr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	udpListenAddr := *udpAddr
	if udpListenAddr == "" {
		udpListenAddr = tcpAddr
	}

	go RunMetrics(ctx, reg, srv.pps, metricsInterval)
	go runPeriodic(ctx, resourceRescanInterval, func() {
		if err := resStore.Rescan(); err != nil {
			log.Printf("[resource] rescan: %v", err)
		}
	})
	go runPeriodic(ctx, dbOptimizeInterval, func() {
		if err := db.Optimize(); err != nil {
			log.Printf("[store] optimize: %v", err)
		}
	})

	if *enableHeartbeat {
		go heartbeat.Run(ctx, nil, func() heartbeat.Info {
			return heartbeat.Info{
				UUID:          instanceUUID,
				Players:       reg.Count(),
				MaxPlayers:    cfg.MaxPlayers,
				Port:          cfg.Port,
				Map:           cfg.Map,
				Private:       cfg.Private,
				Version:       serverVersion,
				ClientVersion: clientVersion,
				Name:          cfg.Name,
				Description:   cfg.Desc,
			}
		})
	}

	if *apiAddr != "" {
		go runAdminAPI(ctx, reg, guard, resStore, pluginRuntime, db, *apiAddr, *apiTLS)
	}

	log.Printf("[main] vehrelay %s starting: tcp=%s udp=%s", serverVersion, tcpAddr, udpListenAddr)
	if err := srv.Run(ctx, tcpAddr, udpListenAddr); err != nil {
		log.Printf("[main] server: %v", err)
	}
	log.Printf("[main] shut down")
}

// runAdminAPI builds the admin API's adapter types and runs it until ctx
// is cancelled.
func runAdminAPI(ctx context.Context, reg *Registry, guard *AdmissionGuard, resStore *resource.Store, pluginRuntime *plugin.Runtime, db *store.Store, addr string, useTLS bool) {
	api := httpapi.NewServer(&registryView{reg: reg}, guard, resStore, pluginView{pluginRuntime}, db, serverVersion)
	if useTLS {
		cfg, fingerprint, err := httpapi.GenerateTLSConfig(defaultCertValidity, "")
		if err != nil {
			log.Printf("[httpapi] tls: %v", err)
			return
		}
		log.Printf("[httpapi] TLS certificate fingerprint: %s", fingerprint)
		api.Run(ctx, addr, cfg)
		return
	}
	api.Run(ctx, addr, nil)
}

// registryView adapts *Registry to httpapi.Registry.
type registryView struct{ reg *Registry }

func (v *registryView) Players() []httpapi.PlayerView {
	var out []httpapi.PlayerView
	v.reg.Each(func(s *Session) {
		out = append(out, httpapi.PlayerView{ID: s.ID, Name: s.Name, Role: s.Role, Status: int(s.Status())})
	})
	return out
}

// pluginView adapts *plugin.Runtime (which may be nil, when plugins are
// disabled) to httpapi.Plugins.
type pluginView struct{ rt *plugin.Runtime }

func (v pluginView) Names() []string {
	if v.rt == nil {
		return nil
	}
	return v.rt.Names()
}

// pluginServerAPI adapts the Registry and Fanout to plugin.ServerAPI, the
// surface Lua scripts observe the running relay through.
type pluginServerAPI struct {
	reg    *Registry
	fanout *Fanout
}

func (a *pluginServerAPI) PlayerCount() int {
	return a.reg.Count()
}

func (a *pluginServerAPI) PlayerName(id int) (string, bool) {
	s := a.reg.Get(id)
	if s == nil {
		return "", false
	}
	return s.Name, true
}

func (a *pluginServerAPI) AllPlayers() map[int]string {
	out := make(map[int]string)
	a.reg.Each(func(s *Session) { out[s.ID] = s.Name })
	return out
}

func (a *pluginServerAPI) PlayerVehicles(id int) map[int]string {
	s := a.reg.Get(id)
	if s == nil {
		return nil
	}
	out := make(map[int]string)
	for _, vid := range s.vehicleIDs() {
		if data, ok := s.vehicleData(vid); ok {
			out[vid] = data
		}
	}
	return out
}

func (a *pluginServerAPI) SendChat(id int, message string) {
	packet := []byte("C:Server:" + message)
	if id < 0 {
		a.fanout.SendToAll(nil, packet, true, true)
		return
	}
	if s := a.reg.Get(id); s != nil {
		_ = a.fanout.Respond(s, packet, true)
	}
}

func (a *pluginServerAPI) DropPlayer(id int, reason string) {
	if s := a.reg.Get(id); s != nil {
		s.Kick(reason)
	}
}

func (a *pluginServerAPI) RemoveVehicle(pid, vid int) {
	if s := a.reg.Get(pid); s != nil {
		s.deleteVehicle(vid)
		a.fanout.SendToAll(s, []byte(fmt.Sprintf("Od:%d-%d", pid, vid)), true, true)
	}
}

func (a *pluginServerAPI) TriggerClientEvent(id int, name, arg string) {
	packet := []byte("E:" + name + ":" + arg)
	if s := a.reg.Get(id); s != nil {
		_ = a.fanout.Respond(s, packet, true)
	}
}

// runPeriodic calls fn every interval until ctx is cancelled.
func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
