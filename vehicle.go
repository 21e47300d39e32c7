package main

import (
	"fmt"
	"strconv"
	"strings"
)

// PluginHooks is the veto/notify surface the dispatcher and vehicle
// parser call into. It is satisfied by internal/plugin's runtime; tests
// use a no-op or recording fake. Each trigger* method mirrors one
// TriggerLuaEvent call site in the original, the bool return standing in
// for the original's "did any handler return true" veto result.
type PluginHooks interface {
	TriggerVehicleSpawn(sessionID, carID int, payload string) (veto bool)
	TriggerVehicleEdited(sessionID, vid int, payload string) (veto bool)
	TriggerVehicleDeleted(sessionID, vid int)
	TriggerChatMessage(sessionID int, name, message string) (veto bool)
	TriggerPlayerJoin(sessionID int)
	TriggerEvent(name string, sessionID int, arg string)
}

// noopHooks satisfies PluginHooks without a runtime, for configurations
// with no plugins loaded.
type noopHooks struct{}

func (noopHooks) TriggerVehicleSpawn(int, int, string) bool        { return false }
func (noopHooks) TriggerVehicleEdited(int, int, string) bool       { return false }
func (noopHooks) TriggerVehicleDeleted(int, int)                   {}
func (noopHooks) TriggerChatMessage(int, string, string) bool      { return false }
func (noopHooks) TriggerPlayerJoin(int)                            {}
func (noopHooks) TriggerEvent(string, int, string)                 {}

// maxCarsPerSession caps how many vehicles one session may have spawned
// at once (§4.6), matching the original's MaxCars setting.
var maxCarsPerSession = 10

// HandleVehiclePacket implements C6: the 'O' sub-protocol (spawn/edit/
// delete/reset/transform), grounded on
// original_source/src/Network/GParser.cpp's VehicleParser/Apply.
// packet is the full "O<code>:<data>" payload including the leading "O".
func HandleVehiclePacket(s *Session, packet []byte, fanout *Fanout, hooks PluginHooks) {
	if len(packet) < 4 {
		return
	}
	code := packet[1]
	data := string(packet[3:])

	switch code {
	case vehicleCodeSpawn:
		handleSpawn(s, data, fanout, hooks)
	case vehicleCodeEdit:
		handleEdit(s, packet, data, fanout, hooks)
	case vehicleCodeDelete:
		handleDelete(s, packet, data, fanout, hooks)
	case vehicleCodeReset, vehicleCodeTransform:
		// Reset and transform are forwarded verbatim to every other
		// synced session; the original does not persist them into the
		// vehicle table at all.
		fanout.SendToAll(s, packet, false, false)
	}
}

func handleSpawn(s *Session, data string, fanout *Fanout, hooks PluginHooks) {
	if len(data) == 0 || data[0] != '0' {
		return
	}
	carID := openCarID(s)
	full := fmt.Sprintf("Os:%s:%s:%d-%d%s", s.Role, s.Name, s.ID, carID, data[1:])

	atLimit := len(s.vehicleIDs()) >= maxCarsPerSession
	vetoed := hooks.TriggerVehicleSpawn(s.ID, carID, full[3:])
	if atLimit || vetoed {
		_ = fanout.Respond(s, []byte(full), true)
		destroy := fmt.Sprintf("Od:%d-%d", s.ID, carID)
		_ = fanout.Respond(s, []byte(destroy), true)
		return
	}

	s.setVehicle(carID, full)
	fanout.SendToAll(nil, []byte(full), true, true)
}

func handleEdit(s *Session, packet []byte, data string, fanout *Fanout, hooks PluginHooks) {
	pid, vid, ok := parsePIDVID(data, '-', ':')
	if !ok || pid != s.ID {
		return
	}
	if hooks.TriggerVehicleEdited(s.ID, vid, string(packet[3:])) {
		destroy := fmt.Sprintf("Od:%d-%d", s.ID, vid)
		_ = fanout.Respond(s, []byte(destroy), true)
		s.deleteVehicle(vid)
		return
	}
	fanout.SendToAll(s, packet, false, true)
	applyEdit(s, vid, packet)
}

func handleDelete(s *Session, packet []byte, data string, fanout *Fanout, hooks PluginHooks) {
	pid, vid, ok := parsePIDVID(data, '-', -1)
	if !ok || pid != s.ID {
		return
	}
	fanout.SendToAll(nil, packet, true, true)
	hooks.TriggerVehicleDeleted(s.ID, vid)
	s.deleteVehicle(vid)
}

// parsePIDVID splits "<pid><sep1><vid><sep2>..." (sep2 < 0 means "rest of
// string is vid") and rejects non-digit ids, mirroring the original's
// find_first_not_of("0123456789") guard.
func parsePIDVID(data string, sep1 byte, sep2 rune) (pid, vid int, ok bool) {
	dash := strings.IndexByte(data, sep1)
	if dash < 0 {
		return 0, 0, false
	}
	pidStr := data[:dash]
	var vidStr string
	if sep2 < 0 {
		vidStr = data[dash+1:]
	} else {
		rest := data[dash+1:]
		colon := strings.IndexRune(rest, sep2)
		if colon < 0 {
			return 0, 0, false
		}
		vidStr = rest[:colon]
	}
	if !isAllDigits(pidStr) || !isAllDigits(vidStr) {
		return 0, 0, false
	}
	p, err1 := strconv.Atoi(pidStr)
	v, err2 := strconv.Atoi(vidStr)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return p, v, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// openCarID returns the smallest vehicle id not currently in use by s,
// the per-session analogue of the original's OpenID() client-id scan.
func openCarID(s *Session) int {
	used := make(map[int]struct{})
	for _, id := range s.vehicleIDs() {
		used[id] = struct{}{}
	}
	id := 0
	for {
		if _, taken := used[id]; !taken {
			return id
		}
		id++
	}
}

// nthIndex returns the index of the n-th occurrence of sep in s (1-based),
// or -1 if there are fewer than n occurrences. Ports the original's FC().
func nthIndex(s, sep string, n int) int {
	idx := -1
	for i := 0; i < n; i++ {
		next := strings.Index(s[idx+1:], sep)
		if next < 0 {
			return -1
		}
		idx = idx + 1 + next
	}
	return idx
}

// applyEdit merges a partial "Oc" edit packet into the vehicle's stored
// full state, porting Apply()'s prefix/suffix splice: the edit's header
// up to its 2nd comma is discarded in favor of the stored vehicle's own
// header, and the stored vehicle's trailing config (after its own 7th
// comma-quote marker) is preserved past whatever the edit packet
// contains up to its last quote.
func applyEdit(s *Session, vid int, packet []byte) {
	stored, ok := s.vehicleData(vid)
	if !ok {
		return
	}
	edit := string(packet)

	editCut := nthIndex(edit, ",", 2)
	if editCut < 0 || editCut+1 > len(edit) {
		return
	}
	editBody := edit[editCut+1:]

	storedHeaderEnd := nthIndex(stored, ",", 2)
	if storedHeaderEnd < 0 {
		return
	}
	storedHeader := stored[:storedHeaderEnd+1]

	lastQuote := strings.LastIndexByte(editBody, '"')
	if lastQuote < 0 {
		return
	}
	editPrefix := editBody[:lastQuote+1]

	tailStart := nthIndex(stored, `,"`, 7)
	var storedTail string
	if tailStart >= 0 {
		storedTail = stored[tailStart:]
	}

	merged := storedHeader + editPrefix + storedTail
	s.setVehicle(vid, merged)
}
