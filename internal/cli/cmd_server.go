package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/koltyakov/edgegate/internal/auth"
	"github.com/koltyakov/edgegate/internal/config"
	"github.com/koltyakov/edgegate/internal/liveness"
	ilog "github.com/koltyakov/edgegate/internal/log"
	"github.com/koltyakov/edgegate/internal/server"
	"github.com/koltyakov/edgegate/internal/store/sqlite"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

func runServer(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "apikey" {
		return runAPIKeyAdmin(ctx, args[1:])
	}

	loadGatewayEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	cfg.APIKeyPepper = pepper

	opts := []server.Option{server.WithVersion(Version)}
	if cfg.NATSURL != "" {
		pub, err := liveness.DialNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nats error:", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, server.WithPublisher(pub))
		logger.Info("publishing device events to nats", "url", cfg.NATSURL)
	}

	s, err := server.New(cfg, store, logger, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	if err := s.LoadDevices(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

// resolveServerPepper returns the pepper admin API keys are hashed with. An
// explicit value must match the stored one. Without one the stored pepper is
// reused, and on first start one is derived from the machine id or generated.
func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}

	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	suggested := chooseServerPepper()
	if suggested == "" {
		if suggested, err = auth.GenerateSecret(32); err != nil {
			return "", err
		}
	}
	return store.ResolveServerPepper(ctx, suggested)
}

func chooseServerPepper() string {
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("edgegate-pepper:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output(); err == nil {
			if id := parseDarwinIOPlatformUUID(string(out)); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseDarwinIOPlatformUUID(raw string) string {
	const marker = `"IOPlatformUUID" = "`
	_, rest, ok := strings.Cut(raw, marker)
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(rest, `"`)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}
