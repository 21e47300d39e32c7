package main

import (
	"fmt"
	"os"

	"vehrelay/internal/store"
)

// RunCLI handles subcommand execution before flag parsing, the same
// dispatch shape as the teacher's RunCLI. Returns true if a subcommand
// was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("vehrelay %s\n", serverVersion)
		return true
	case "gen-config":
		return cliGenConfig(args[1:])
	case "status":
		return cliStatus(dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	case "blocklist":
		return cliBlocklist(dbPath)
	default:
		return false
	}
}

func cliGenConfig(args []string) bool {
	path := "Server.cfg"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists\n", path)
		os.Exit(1)
	}
	if err := os.WriteFile(path, []byte(defaultConfigBody), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return true
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	blocked, _ := st.LoadBlockedAddresses()
	manifest, _ := st.GetManifest()
	audit, _ := st.GetAuditLog("", 1)

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", serverVersion)
	fmt.Printf("Blocked addresses: %d\n", len(blocked))
	fmt.Printf("Cached resources: %d\n", len(manifest))
	fmt.Printf("Audit log entries (most recent shown): %d\n", len(audit))
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "vehrelay-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func cliBlocklist(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	addrs, err := st.LoadBlockedAddresses()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(addrs) == 0 {
		fmt.Println("No blocked addresses.")
		return true
	}
	for _, a := range addrs {
		fmt.Println(" ", a)
	}
	return true
}
