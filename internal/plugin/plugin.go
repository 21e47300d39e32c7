// Package plugin implements C8: a Lua scripting runtime for server-side
// mods, one interpreter per .lua file under the configured plugin
// directory, hot-reloaded on change. Grounded on
// original_source/src/Lua/LuaSystem.cpp's Lua::Init/CallFunction/
// TriggerLuaEvent, reimplemented against github.com/yuin/gopher-lua
// instead of the original's embedded C Lua VM, with
// github.com/fsnotify/fsnotify replacing its LastWrote polling.
package plugin

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
)

// ServerAPI is the subset of the running server a plugin script may
// observe or act on. Runtime calls into it from the Lua-exposed global
// functions it registers (GetPlayerCount, SendChatMessage, ...); it is
// implemented by the server's main package and injected here to avoid
// this package importing back up to it.
type ServerAPI interface {
	PlayerCount() int
	PlayerName(id int) (string, bool)
	AllPlayers() map[int]string
	PlayerVehicles(id int) map[int]string
	SendChat(id int, message string) // id == -1 broadcasts to everyone
	DropPlayer(id int, reason string)
	RemoveVehicle(pid, vid int)
	TriggerClientEvent(id int, name, arg string)
}

// defaultHookTimeout bounds how long Runtime waits for one Lua handler
// before giving up on it, mirroring LuaSystem.cpp's Trigger() 5-second
// future wait.
const defaultHookTimeout = 5 * time.Second

// script is one loaded plugin: its own Lua state plus the event-name to
// handler-function-name bindings it registered via RegisterEvent.
type script struct {
	name string
	path string

	mu         sync.Mutex // serializes all calls into L, like the original's per-script lock
	l          *lua.LState
	registered map[string]string // event name -> Lua global function name
	stopFlags  map[string]*bool  // CreateThread loop name -> stop flag
}

// Runtime owns every loaded plugin script and the directory watcher that
// reloads them on change.
type Runtime struct {
	dir         string
	hookTimeout time.Duration
	api         ServerAPI

	mu      sync.RWMutex
	scripts map[string]*script // keyed by file path

	watcher *fsnotify.Watcher
	done    chan struct{}

	mtimeMu sync.Mutex
	mtimes  map[string]time.Time
}

// statFallbackInterval drives pollLoop, a belt-and-suspenders sweep
// alongside the fsnotify watcher for filesystems (network mounts,
// some container overlays) where inotify-style events don't fire
// reliably.
const statFallbackInterval = 2 * time.Second

// NewRuntime loads every *.lua file directly under dir and starts
// watching it for changes. api must not be nil.
func NewRuntime(dir string, hookTimeout time.Duration, api ServerAPI) (*Runtime, error) {
	if hookTimeout <= 0 {
		hookTimeout = defaultHookTimeout
	}
	rt := &Runtime{
		dir:         dir,
		hookTimeout: hookTimeout,
		api:         api,
		scripts:     make(map[string]*script),
		done:        make(chan struct{}),
		mtimes:      make(map[string]time.Time),
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, fmt.Errorf("plugin: glob %s: %w", dir, err)
	}
	for _, path := range matches {
		if err := rt.load(path); err != nil {
			log.Printf("[plugin] %s: %v", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("plugin: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("plugin: watch %s: %w", dir, err)
	}
	rt.watcher = watcher
	go rt.watchLoop()
	go rt.pollLoop()

	return rt, nil
}

// Close stops the directory watcher and releases every loaded script.
func (rt *Runtime) Close() {
	close(rt.done)
	if rt.watcher != nil {
		rt.watcher.Close()
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, s := range rt.scripts {
		s.l.Close()
	}
}

func (rt *Runtime) watchLoop() {
	for {
		select {
		case <-rt.done:
			return
		case ev, ok := <-rt.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".lua" {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := rt.load(ev.Name); err != nil {
					log.Printf("[plugin] reload %s: %v", ev.Name, err)
				} else {
					log.Printf("[plugin] reloaded %s", ev.Name)
				}
			case ev.Op&fsnotify.Remove != 0:
				rt.unload(ev.Name)
				log.Printf("[plugin] unloaded %s", ev.Name)
			}
		case err, ok := <-rt.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[plugin] watcher error: %v", err)
		}
	}
}

// load (re)reads path into a fresh Lua state, replacing any previously
// loaded script at that path, and calls its onInit if present.
func (rt *Runtime) load(path string) error {
	s := &script{
		name:       filepath.Base(path),
		path:       path,
		l:          lua.NewState(),
		registered: make(map[string]string),
		stopFlags:  make(map[string]*bool),
	}
	rt.registerAPI(s)

	if err := s.l.DoFile(path); err != nil {
		s.l.Close()
		return err
	}

	rt.mu.Lock()
	if old, ok := rt.scripts[path]; ok {
		old.l.Close()
	}
	rt.scripts[path] = s
	rt.mu.Unlock()

	rt.mtimeMu.Lock()
	if info, err := os.Stat(path); err == nil {
		rt.mtimes[path] = info.ModTime()
	}
	rt.mtimeMu.Unlock()

	s.callNoArgs("onInit")
	return nil
}

func (rt *Runtime) unload(path string) {
	rt.mu.Lock()
	if s, ok := rt.scripts[path]; ok {
		s.l.Close()
		delete(rt.scripts, path)
	}
	rt.mu.Unlock()

	rt.mtimeMu.Lock()
	delete(rt.mtimes, path)
	rt.mtimeMu.Unlock()
}

// pollLoop is the stat-based fallback for watchLoop: every
// statFallbackInterval it re-globs the plugin directory and reloads any
// file whose modification time has moved on, or unloads one that
// disappeared since the last sweep, in case the fsnotify watcher missed
// the underlying event.
func (rt *Runtime) pollLoop() {
	ticker := time.NewTicker(statFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.done:
			return
		case <-ticker.C:
			rt.pollOnce()
		}
	}
}

func (rt *Runtime) pollOnce() {
	matches, err := filepath.Glob(filepath.Join(rt.dir, "*.lua"))
	if err != nil {
		return
	}
	seen := make(map[string]struct{}, len(matches))
	for _, path := range matches {
		seen[path] = struct{}{}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		rt.mtimeMu.Lock()
		last, known := rt.mtimes[path]
		rt.mtimeMu.Unlock()
		if known && !info.ModTime().After(last) {
			continue
		}
		if err := rt.load(path); err != nil {
			log.Printf("[plugin] poll reload %s: %v", path, err)
		}
	}

	rt.mu.RLock()
	var gone []string
	for path := range rt.scripts {
		if _, ok := seen[path]; !ok {
			gone = append(gone, path)
		}
	}
	rt.mu.RUnlock()
	for _, path := range gone {
		rt.unload(path)
	}
}

// registerAPI installs the global functions a plugin script may call,
// mirroring Lua::Init's lua_register calls one-for-one.
func (rt *Runtime) registerAPI(s *script) {
	reg := func(name string, fn lua.LGFunction) { s.l.SetGlobal(name, s.l.NewFunction(fn)) }

	reg("print", func(l *lua.LState) int {
		var parts []string
		for i := 1; i <= l.GetTop(); i++ {
			parts = append(parts, l.ToStringMeta(l.Get(i)).String())
		}
		log.Printf("[plugin:%s] %s", s.name, strings.Join(parts, "\t"))
		return 0
	})

	reg("RegisterEvent", func(l *lua.LState) int {
		event := l.CheckString(1)
		fn := l.CheckString(2)
		s.mu.Lock()
		s.registered[event] = fn
		s.mu.Unlock()
		return 0
	})

	reg("TriggerGlobalEvent", func(l *lua.LState) int {
		name := l.CheckString(1)
		rt.triggerNamed(name, extraArgs(l, 2))
		return 0
	})

	reg("TriggerLocalEvent", func(l *lua.LState) int {
		name := l.CheckString(1)
		s.triggerLocal(name, rt.hookTimeout, extraArgs(l, 2))
		return 0
	})

	reg("TriggerClientEvent", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		name := l.CheckString(2)
		arg := l.CheckString(3)
		rt.api.TriggerClientEvent(id, name, arg)
		return 0
	})

	reg("GetPlayerCount", func(l *lua.LState) int {
		l.Push(lua.LNumber(rt.api.PlayerCount()))
		return 1
	})

	reg("isPlayerConnected", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		_, ok := rt.api.PlayerName(id)
		l.Push(lua.LBool(ok))
		return 1
	})

	reg("GetPlayerName", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		name, ok := rt.api.PlayerName(id)
		if !ok {
			return 0
		}
		l.Push(lua.LString(name))
		return 1
	})

	reg("GetPlayers", func(l *lua.LState) int {
		players := rt.api.AllPlayers()
		if len(players) == 0 {
			return 0
		}
		t := l.NewTable()
		for id, name := range players {
			t.RawSetInt(id, lua.LString(name))
		}
		l.Push(t)
		return 1
	})

	reg("GetPlayerVehicles", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		cars := rt.api.PlayerVehicles(id)
		if len(cars) == 0 {
			return 0
		}
		t := l.NewTable()
		for vid, data := range cars {
			t.RawSetInt(vid, lua.LString(data))
		}
		l.Push(t)
		return 1
	})

	reg("SendChatMessage", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		msg := l.CheckString(2)
		rt.api.SendChat(id, msg)
		return 0
	})

	reg("DropPlayer", func(l *lua.LState) int {
		id := int(l.CheckNumber(1))
		reason := ""
		if l.GetTop() > 1 {
			reason = l.CheckString(2)
		}
		rt.api.DropPlayer(id, reason)
		return 0
	})

	reg("RemoveVehicle", func(l *lua.LState) int {
		pid := int(l.CheckNumber(1))
		vid := int(l.CheckNumber(2))
		rt.api.RemoveVehicle(pid, vid)
		return 0
	})

	reg("GetPlayerHWID", func(l *lua.LState) int {
		l.Push(lua.LNumber(-1))
		return 1
	})

	reg("Sleep", func(l *lua.LState) int {
		ms := int(l.CheckNumber(1))
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return 0
	})

	reg("CreateThread", func(l *lua.LState) int {
		fn := l.CheckString(1)
		hz := int(l.CheckNumber(2))
		if hz <= 0 || hz > 500 {
			return 0
		}
		stop := new(bool)
		s.mu.Lock()
		s.stopFlags[fn] = stop
		s.mu.Unlock()
		go func() {
			interval := time.Second / time.Duration(hz)
			for !*stop {
				s.callNoArgs(fn)
				time.Sleep(interval)
			}
		}()
		return 0
	})

	reg("StopThread", func(l *lua.LState) int {
		fn := l.CheckString(1)
		s.mu.Lock()
		if stop, ok := s.stopFlags[fn]; ok {
			*stop = true
		}
		s.mu.Unlock()
		return 0
	})

	reg("exit", func(l *lua.LState) int { return 0 }) // no process-wide exit from a plugin
}

func extraArgs(l *lua.LState, from int) []string {
	var out []string
	for i := from; i <= l.GetTop(); i++ {
		out = append(out, l.ToStringMeta(l.Get(i)).String())
	}
	return out
}

// callNoArgs invokes a global Lua function with no arguments and no
// return value expected, swallowing any script error into a log line.
func (s *script) callNoArgs(fn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l.GetGlobal(fn) == lua.LNil {
		return
	}
	if err := s.l.CallByParam(lua.P{Fn: s.l.GetGlobal(fn), NRet: 0, Protect: true}); err != nil {
		log.Printf("[plugin:%s] %s: %v", s.name, fn, err)
	}
}

// call invokes a registered event handler with the given string
// arguments, returning the integer the handler returned (0 if it
// returned nothing or something non-numeric), bounded by timeout.
func (s *script) call(fn string, args []string, timeout time.Duration) int {
	result := make(chan int, 1)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		top := s.l.GetGlobal(fn)
		if top == lua.LNil {
			result <- 0
			return
		}
		lArgs := make([]lua.LValue, len(args))
		for i, a := range args {
			lArgs[i] = lua.LString(a)
		}
		if err := s.l.CallByParam(lua.P{Fn: top, NRet: 1, Protect: true}, lArgs...); err != nil {
			log.Printf("[plugin:%s] %s: %v", s.name, fn, err)
			result <- 0
			return
		}
		ret := s.l.Get(-1)
		s.l.Pop(1)
		if n, ok := ret.(lua.LNumber); ok {
			result <- int(n)
			return
		}
		result <- 0
	}()

	select {
	case r := <-result:
		return r
	case <-time.After(timeout):
		log.Printf("[plugin:%s] %s timed out after %s", s.name, fn, timeout)
		return 0
	}
}

// triggerLocal fires name only if this script itself registered it.
func (s *script) triggerLocal(name string, timeout time.Duration, args []string) int {
	s.mu.Lock()
	fn, ok := s.registered[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return s.call(fn, args, timeout)
}

// triggerNamed fires name against every loaded script that registered
// it, summing their return values — the veto-by-sum convention used
// throughout this runtime, ported from TriggerLuaEvent's "R += ...".
func (rt *Runtime) triggerNamed(name string, args []string) int {
	rt.mu.RLock()
	scripts := make([]*script, 0, len(rt.scripts))
	for _, s := range rt.scripts {
		scripts = append(scripts, s)
	}
	rt.mu.RUnlock()

	total := 0
	for _, s := range scripts {
		s.mu.Lock()
		fn, ok := s.registered[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		total += s.call(fn, args, rt.hookTimeout)
	}
	return total
}

// The following methods give Runtime the exact shape of the vehicle
// package's PluginHooks interface (satisfied structurally; this package
// never imports the server's main package).

func (rt *Runtime) TriggerVehicleSpawn(sessionID, carID int, payload string) bool {
	return rt.triggerNamed("onVehicleSpawn", []string{itoa(sessionID), itoa(carID), payload}) != 0
}

func (rt *Runtime) TriggerVehicleEdited(sessionID, vid int, payload string) bool {
	return rt.triggerNamed("onVehicleEdited", []string{itoa(sessionID), itoa(vid), payload}) != 0
}

func (rt *Runtime) TriggerVehicleDeleted(sessionID, vid int) {
	rt.triggerNamed("onVehicleDeleted", []string{itoa(sessionID), itoa(vid)})
}

func (rt *Runtime) TriggerChatMessage(sessionID int, name, message string) bool {
	return rt.triggerNamed("onChatMessage", []string{itoa(sessionID), name, message}) != 0
}

func (rt *Runtime) TriggerPlayerJoin(sessionID int) {
	rt.triggerNamed("onPlayerJoin", []string{itoa(sessionID)})
}

func (rt *Runtime) TriggerEvent(name string, sessionID int, arg string) {
	rt.triggerNamed(name, []string{itoa(sessionID), arg})
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }

// Names returns the base filenames of every currently loaded plugin
// script, used by the admin API.
func (rt *Runtime) Names() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]string, 0, len(rt.scripts))
	for _, s := range rt.scripts {
		out = append(out, s.name)
	}
	return out
}
