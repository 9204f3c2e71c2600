package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memlens/internal/config"
	"github.com/nextlevelbuilder/memlens/internal/store/sqlite"
	"github.com/nextlevelbuilder/memlens/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("memlens doctor")
	fmt.Printf("  Version:  %s (api v%d)\n", Version, protocol.APIVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	dbPath := cfg.DatabasePath()
	fmt.Printf("    %-12s %s", "Database:", dbPath)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println(" (not created yet)")
	} else {
		fmt.Printf(" (%s)\n", schemaVersion(dbPath))
	}
	fmt.Printf("    %-12s %s", "Text index:", cfg.TextIndex.Backend)
	if cfg.TextIndex.Backend == "bleve" {
		fmt.Printf(" at %s", config.ExpandHome(cfg.TextIndex.BlevePath))
	}
	fmt.Println()

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Embedding", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.APIKey)
	checkProvider("LLM", cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.APIKey)

	// Surfaces
	fmt.Println()
	fmt.Println("  Server:")
	hs := cfg.HTTPSettings()
	fmt.Printf("    %-12s %s\n", "Listen:", hs.Listen)
	fmt.Printf("    %-12s %s\n", "Token:", statusText(hs.Token != "", "set", "NOT SET (open API)"))
	fmt.Printf("    %-12s %s\n", "Telemetry:", statusText(cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint, "disabled"))

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("sqlite3")
	checkBinary("ollama")
	checkBinary("tesseract")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// schemaVersion reads the migration version without opening the record store.
func schemaVersion(path string) string {
	m, err := sqlite.NewMigrator(path)
	if err != nil {
		return "error: " + err.Error()
	}
	defer m.Close()
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return "schema: none"
	case err != nil:
		return "error: " + err.Error()
	case dirty:
		return fmt.Sprintf("schema v%d DIRTY", v)
	default:
		return fmt.Sprintf("schema v%d", v)
	}
}

func checkProvider(role, provider, model, apiKey string) {
	if provider == "" || provider == "none" {
		fmt.Printf("    %-12s (not configured)\n", role+":")
		return
	}
	line := provider
	if model != "" {
		line += "/" + model
	}
	if apiKey != "" {
		line += " key " + maskKey(apiKey)
	}
	fmt.Printf("    %-12s %s\n", role+":", line)
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
}

func statusText(ok bool, yes, no string) string {
	if ok {
		return statusMark(true) + " " + yes
	}
	return statusMark(false) + " " + no
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
