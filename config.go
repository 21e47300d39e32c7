package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// configRequiredKeys are the keys a Server.cfg must define (§6). The
// grammar is deliberately hand-rolled rather than a generic format like
// YAML/TOML so an operator's existing Server.cfg from the original
// server keeps working unmodified: line-oriented "key = value" or
// "key = \"value\"", "#" starts a comment, blank lines ignored.
var configRequiredKeys = []string{
	"Debug", "Private", "Port", "Cars", "MaxPlayers", "Map", "Name", "Desc", "use", "AuthKey",
}

// Config holds the parsed Server.cfg.
type Config struct {
	Debug      bool
	Private    bool
	Port       int
	Cars       int
	MaxPlayers int
	Map        string
	Name       string
	Desc       string
	ResourceDir string // the "use" key
	AuthKey    string
}

// defaultConfigBody is written out verbatim when no Server.cfg is found,
// matching the original's "generate default and exit" behaviour so the
// operator gets a file to edit rather than a silent failure.
const defaultConfigBody = `# Server configuration.
# Lines beginning with # are comments. Values may be bare or quoted.

Debug = false
Private = true
Port = 30814
Cars = 1
MaxPlayers = 10
Map = "/levels/gridmap/info.json"
Name = "New server"
Desc = "Welcome!"
use = "Resources"

# AuthKey is required: paste the key from your BeamMP account page.
# The server will refuse to start with an empty key.
AuthKey = ""
`

// LoadConfig reads and parses path. If the file does not exist, it
// writes defaultConfigBody to path and returns a sentinel error the
// caller should treat as "exit cleanly so the operator can edit the new
// file" (§6's "missing file → generate default and exit").
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, []byte(defaultConfigBody), 0o644); werr != nil {
			return nil, fmt.Errorf("config: write default %s: %w", path, werr)
		}
		return nil, errConfigGenerated
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	raw, err := parseConfigBody(string(data))
	if err != nil {
		return nil, err
	}
	for _, key := range configRequiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("config: missing required key %q", key)
		}
	}
	if raw["AuthKey"] == "" {
		return nil, errConfigNoAuthKey
	}

	cfg := &Config{
		Debug:       parseBool(raw["Debug"]),
		Private:     parseBool(raw["Private"]),
		Map:         raw["Map"],
		Name:        raw["Name"],
		Desc:        raw["Desc"],
		ResourceDir: raw["use"],
		AuthKey:     raw["AuthKey"],
	}
	if cfg.Port, err = strconv.Atoi(raw["Port"]); err != nil {
		return nil, fmt.Errorf("config: Port: %w", err)
	}
	if cfg.Cars, err = strconv.Atoi(raw["Cars"]); err != nil {
		return nil, fmt.Errorf("config: Cars: %w", err)
	}
	if cfg.MaxPlayers, err = strconv.Atoi(raw["MaxPlayers"]); err != nil {
		return nil, fmt.Errorf("config: MaxPlayers: %w", err)
	}
	return cfg, nil
}

// errConfigGenerated and errConfigNoAuthKey are the two fatal-but-clean
// conditions §6/§8 call out by name: a freshly generated file exits 0,
// a present-but-unkeyed file exits -1. main.go distinguishes them by
// identity.
var (
	errConfigGenerated = fmt.Errorf("config: Server.cfg not found, default written")
	errConfigNoAuthKey = fmt.Errorf("config: AuthKey is empty")
)

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

// parseConfigBody implements the "key = value" / "key = \"value\"" /
// "#"-comment grammar line by line.
func parseConfigBody(body string) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if hash := strings.IndexByte(value, '#'); hash >= 0 && !strings.HasPrefix(value, `"`) {
			value = strings.TrimSpace(value[:hash])
		}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		out[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return out, nil
}
