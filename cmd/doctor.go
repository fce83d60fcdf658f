package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

const doctorDialTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and gateway connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and environment)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Discord
	fmt.Println()
	fmt.Println("  Discord:")
	fmt.Printf("    %-12s %s\n", "Token:", maskSecret(cfg.Discord.Token))
	fmt.Printf("    %-12s %s\n", "DM policy:", orDefault(cfg.Discord.DMPolicy, "open"))
	fmt.Printf("    %-12s %s\n", "Groups:", orDefault(cfg.Discord.GroupPolicy, "open"))
	fmt.Printf("    %-12s %d entries\n", "Allowlist:", len(cfg.Discord.AllowFrom))

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Gateway.URL)
	fmt.Printf("    %-12s %s\n", "Agent:", cfg.AgentID())
	fmt.Printf("    %-12s %s\n", "Token:", maskSecret(cfg.Gateway.Token))
	checkGateway(cfg.Gateway)

	// Sessions
	fmt.Println()
	ws := cfg.SessionsPath()
	if ws == "" {
		fmt.Println("  Sessions: in memory")
	} else {
		fmt.Printf("  Sessions: %s", ws)
		if _, err := os.Stat(ws); err != nil {
			fmt.Println(" (NOT FOUND, created on first run)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkGateway(gc config.GatewayConfig) {
	if gc.URL == "" {
		fmt.Printf("    %-12s not configured\n", "Status:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), doctorDialTimeout)
	defer cancel()

	client := gateway.New(gc)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	if err := client.Health(ctx); err != nil {
		fmt.Printf("    %-12s connected, HEALTH CHECK FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected, healthy\n", "Status:")
}

func maskSecret(s string) string {
	if s == "" {
		return "(not configured)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
