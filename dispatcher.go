package main

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// oversizedEventThreshold and oversizedEventMarker implement the "Zp"
// guard: the original called abort() (killing the whole process) when a
// "Zp" packet exceeded 500 bytes. Per §9 this becomes a per-session kick
// instead.
const (
	oversizedEventMarker    = "Zp"
	oversizedEventThreshold = 500
)

// Dispatch implements C5: classify one decoded application packet by its
// leading byte-code and route it, grounded on
// original_source/src/Network/GParser.cpp's GParser/GlobalParser.
func Dispatch(s *Session, packet []byte, fanout *Fanout, hooks PluginHooks, reg *Registry, pps *PPSCounter) {
	if len(packet) == 0 {
		return
	}

	if strings.Contains(string(packet), oversizedEventMarker) && len(packet) > oversizedEventThreshold {
		s.Kick("oversized event packet")
		return
	}

	code := packet[0]

	// V..Z: high-frequency vehicle telemetry, forwarded unreliably to
	// everyone else and counted toward the packets-per-second gauge.
	if code >= vToZLow && code <= vToZHigh {
		if pps != nil {
			pps.Increment()
		}
		fanout.SendToAll(s, packet, false, false)
		return
	}

	switch code {
	case codeHandshakeID:
		_ = fanout.Respond(s, []byte(string(codeHandshakeID)+strconv.Itoa(s.ID)), true)
		syncSession(s, fanout, hooks, reg)
	case codePlayerListReq:
		_ = fanout.Respond(s, []byte{codePlayerListReq}, false)
		broadcastPlayerList(reg, fanout)
	case codeVehicle:
		HandleVehiclePacket(s, packet, fanout, hooks)
	case codeEvent:
		fanout.SendToAll(s, packet, false, true)
	case codeChat:
		handleChat(s, packet, fanout, hooks)
	case codeCustomEvent:
		handleEvent(s, packet, hooks)
	}
}

// syncSession marks s synced, announces it, and replays every other
// session's currently spawned vehicles to it — grounded on
// InitClient.cpp's SyncClient. The original's fixed 1s/2s throttling
// sleeps are replaced by the caller driving this from its own pacing if
// desired; none is imposed here since it has no bearing on correctness.
func syncSession(s *Session, fanout *Fanout, hooks PluginHooks, reg *Registry) {
	if s.Status() == StatusSynced {
		return
	}
	s.SetStatus(StatusSynced)
	_ = fanout.Respond(s, []byte("Sn"+s.Name), true)
	fanout.SendToAll(s, []byte("JWelcome "+s.Name+"!"), false, true)
	hooks.TriggerPlayerJoin(s.ID)

	reg.Each(func(other *Session) {
		if other.ID == s.ID {
			return
		}
		for _, vid := range other.vehicleIDs() {
			if s.Status() < 0 {
				return
			}
			if data, ok := other.vehicleData(vid); ok {
				_ = fanout.Respond(s, []byte(data), true)
			}
		}
	})
}

// broadcastPlayerList sends the current player roster ("Ss<n>/<max>:
// name,name,...") to everyone, grounded on InitClient.cpp's
// UpdatePlayers.
func broadcastPlayerList(reg *Registry, fanout *Fanout) {
	names := make([]string, 0)
	reg.Each(func(s *Session) {
		names = append(names, s.Name)
	})
	packet := "Ss" + strconv.Itoa(len(names)) + "/" + strconv.Itoa(configuredMaxPlayers) + ":" + strings.Join(names, ",")
	fanout.SendToAll(nil, []byte(packet), true, true)
}

// configuredMaxPlayers is set once at startup from config.go; defaulted
// here so dispatcher tests don't need a full config.
var configuredMaxPlayers = 10

func handleChat(s *Session, packet []byte, fanout *Fanout, hooks PluginHooks) {
	str := string(packet)
	if len(str) < 4 {
		return
	}
	colon := strings.IndexByte(str[3:], ':')
	if colon < 0 {
		return
	}
	message := str[3+colon+1:]
	if hooks.TriggerChatMessage(s.ID, s.Name, message) {
		return
	}
	fanout.SendToAll(nil, packet, true, true)
}

// handleEvent parses "E:<name>:<arg>..." and fires the named custom
// event, grounded on GParser.cpp's HandleEvent.
func handleEvent(s *Session, packet []byte, hooks PluginHooks) {
	fields := strings.SplitN(string(packet), ":", 3)
	if len(fields) < 3 {
		return
	}
	hooks.TriggerEvent(fields[1], s.ID, fields[2])
}

// PPSCounter tracks packets-per-second for the admin/metrics surface
// (C5's V-Z counting, adapted from the original's global PPS counter).
type PPSCounter struct {
	count  atomic.Int64
	window time.Duration
}

func NewPPSCounter() *PPSCounter {
	return &PPSCounter{window: time.Second}
}

func (p *PPSCounter) Increment() {
	p.count.Add(1)
}

// Snapshot returns the accumulated count and resets it to zero, meant to
// be called once per window tick by the metrics loop.
func (p *PPSCounter) Snapshot() int64 {
	return p.count.Swap(0)
}
