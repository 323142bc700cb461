package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/koltyakov/edgegate/internal/versionutil"
)

func printUsage() {
	fmt.Println(`edgegate - secure gateway for on-premise devices

Devices register with the gateway, keep a liveness channel open, and are
invoked by cloud callers through the gateway's verified streaming proxy.

Usage:
  edgegate server                       Start the gateway
  edgegate apikey create --name NAME    Create an admin API key
  edgegate apikey list                  List admin API keys
  edgegate apikey revoke --id=ID        Revoke an admin API key
  edgegate agent --server URL --device-id ID --local-url URL
                                        Register a device and keep it reachable
  edgegate version                      Print version
  edgegate help                         Show this help

Quick Start:
  1. GATEWAY_SIGNING_SECRET=... edgegate server
  2. edgegate apikey create --name ops
  3. edgegate agent --server http://gw:8443 --device-id pump-7 --local-url http://127.0.0.1:9000
  4. curl -H "Authorization: Bearer <api key>" http://gw:8443/invoke/pump-7/status

Environment Variables:
  GATEWAY_SIGNING_SECRET  HMAC secret for device credentials (min 32 bytes)
  GATEWAY_API_KEY_PEPPER  Admin API key hash pepper (stored on first start)
  GATEWAY_DB_PATH         SQLite database path (default: ./edgegate.db)
  GATEWAY_TLS_MODE        TLS mode: off|static|acme (default: off)
  GATEWAY_TOKEN_TTL       Device credential lifetime (default: 24h)
  GATEWAY_NATS_URL        Optional NATS URL for telemetry fan-out
  GATEWAY_PPROF_LISTEN    Optional private pprof and /debug/gateway listener
  GATEWAY_LOG_LEVEL       Log level: debug|info|warn|error (default: info)
  GATEWAY_LOG_FORMAT      Log format: text|json (default: text)
  GATEWAY_SERVER_URL      Gateway URL used by the agent
  GATEWAY_DEVICE_ID       Device identifier used by the agent
  GATEWAY_LOCAL_URL       Device endpoint the gateway forwards to

Variables are also read from ./.env when not already set.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = versionutil.EnsureVPrefix(Version)
}

func printVersion() {
	fmt.Println("edgegate", Version)
}
