// Command issue-token mints an operator token pair for the reminder API.
//
//	issue-token -user nurse-7 -role clinician
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"medication-reminder/internal/auth"
	"medication-reminder/internal/config"
	"medication-reminder/internal/rbac"
)

func main() {
	user := flag.String("user", "", "operator user id (required)")
	role := flag.String("role", rbac.RoleViewer, "role: admin, clinician or viewer")
	flag.Parse()

	if err := run(*user, *role); err != nil {
		fmt.Fprintln(os.Stderr, "issue-token:", err)
		os.Exit(1)
	}
}

func run(user, role string) error {
	if user == "" {
		return errors.New("-user is required")
	}
	if !rbac.IsKnownRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadAuth()
	if err != nil {
		return err
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now().UTC(), user, role)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}
