package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/edgegate/internal/auth"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/store/sqlite"
)

// Admin API keys authorize gateway operators: invoking any device, listing,
// revoking and pushing. Devices never hold one.
func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: edgegate apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:], os.Stdout)
	case "list":
		return runAPIKeyList(ctx, args[1:], os.Stdout)
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:], os.Stdout)
	default:
		fmt.Fprintln(os.Stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, args []string, out io.Writer) int {
	loadGatewayEnvFromDotEnv(".env")
	fs := flag.NewFlagSet("apikey-create", flag.ContinueOnError)
	var dbPath, name, pepper string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "default", "key label shown in listings")
	fs.StringVar(&pepper, "api-key-pepper", envOr("GATEWAY_API_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withStore(dbPath, func(store *sqlite.Store) int {
		resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
		if err != nil {
			fmt.Fprintln(os.Stderr, "apikey create error:", err)
			return 1
		}
		plain, err := auth.GenerateAPIKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate key:", err)
			return 1
		}
		rec, err := store.CreateAPIKey(ctx, name, auth.HashAPIKey(plain, resolvedPepper))
		if err != nil {
			fmt.Fprintln(os.Stderr, "create key:", err)
			return 1
		}
		fmt.Fprintln(out, "id:", rec.ID)
		fmt.Fprintln(out, "name:", rec.Name)
		fmt.Fprintln(out, "api_key:", plain)
		fmt.Fprintln(out, "The key is shown once; store it now.")
		return 0
	})
}

func runAPIKeyList(ctx context.Context, args []string, out io.Writer) int {
	loadGatewayEnvFromDotEnv(".env")
	fs := flag.NewFlagSet("apikey-list", flag.ContinueOnError)
	var dbPath string
	var asJSON bool
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.BoolVar(&asJSON, "json", false, "print keys as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	return withStore(dbPath, func(store *sqlite.Store) int {
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list keys:", err)
			return 1
		}
		if err := writeAPIKeys(out, keys, asJSON); err != nil {
			fmt.Fprintln(os.Stderr, "list keys:", err)
			return 1
		}
		return 0
	})
}

func runAPIKeyRevoke(ctx context.Context, args []string, out io.Writer) int {
	loadGatewayEnvFromDotEnv(".env")
	fs := flag.NewFlagSet("apikey-revoke", flag.ContinueOnError)
	var dbPath, id string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&id, "id", "", "key id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	return withStore(dbPath, func(store *sqlite.Store) int {
		if err := store.RevokeAPIKey(ctx, id); err != nil {
			fmt.Fprintln(os.Stderr, "revoke key:", err)
			return 1
		}
		fmt.Fprintln(out, "revoked:", id)
		return 0
	})
}

func writeAPIKeys(out io.Writer, keys []domain.APIKey, asJSON bool) error {
	if asJSON {
		type keyView struct {
			ID        string     `json:"id"`
			Name      string     `json:"name"`
			CreatedAt time.Time  `json:"created_at"`
			RevokedAt *time.Time `json:"revoked_at,omitempty"`
		}
		views := make([]keyView, 0, len(keys))
		for _, k := range keys {
			views = append(views, keyView{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, RevokedAt: k.RevokedAt})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATED\tREVOKED")
	for _, k := range keys {
		revoked := "-"
		if k.RevokedAt != nil {
			revoked = k.RevokedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339), revoked)
	}
	return tw.Flush()
}

func defaultDBPath() string {
	return envOr("GATEWAY_DB_PATH", "./edgegate.db")
}

func withStore(dbPath string, fn func(*sqlite.Store) int) int {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}
