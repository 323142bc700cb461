package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/koltyakov/edgegate/internal/agent"
	"github.com/koltyakov/edgegate/internal/config"
	ilog "github.com/koltyakov/edgegate/internal/log"
)

// exitRevoked tells supervisors not to restart the agent blindly.
const exitRevoked = 3

func runAgent(ctx context.Context, args []string) int {
	loadGatewayEnvFromDotEnv(".env")

	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(envOr("GATEWAY_LOG_LEVEL", "info"), envOr("GATEWAY_LOG_FORMAT", "text"))

	a, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRevoked) {
			fmt.Fprintln(os.Stderr, "device revoked:", err)
			fmt.Fprintln(os.Stderr, "restart the agent to register the device again")
			return exitRevoked
		}
		fmt.Fprintln(os.Stderr, "agent error:", err)
		return 1
	}
	return 0
}
