package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const seedFile = "../../examples/invoices/seed.yaml"

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	// every runtime registers its own collectors
	registerer = prometheus.NewRegistry()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%s %v: %v\n%s", cmd.Name(), args, err, out.String())
	}
	return out.String()
}

func TestLoadSettingsFromEnv(t *testing.T) {
	t.Setenv("GATEKEEPER_DSN", "postgres://gk@localhost/gk")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "debug")
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.DSN != "postgres://gk@localhost/gk" || s.LogLevel != "debug" || s.MetricsNamespace != "gatekeeper" {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestValidateAndStats(t *testing.T) {
	out := run(t, validateCmd(), seedFile)
	if !strings.Contains(out, "Configuration is valid") || !strings.Contains(out, "Rules: 2") {
		t.Fatalf("unexpected validate output:\n%s", out)
	}
	out = run(t, statsCmd(), seedFile)
	if !strings.Contains(out, "acme: 3 permissions, 2 roles (max 1 parents), 2 actors, 1 direct grants") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}
}

func TestConvertToJSON(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "seed.json")
	run(t, convertCmd(), seedFile, dst)
	out := run(t, validateCmd(), dst)
	if !strings.Contains(out, "Tenants: 1") {
		t.Fatalf("converted file did not validate:\n%s", out)
	}
}

func TestApplyDecideAudit(t *testing.T) {
	t.Setenv("GATEKEEPER_DSN", filepath.Join(t.TempDir(), "gatekeeper.db"))
	t.Setenv("GATEKEEPER_LOG_LEVEL", "error")

	out := run(t, applyCmd(), seedFile)
	if !strings.Contains(out, "Applied tenant acme") {
		t.Fatalf("unexpected apply output:\n%s", out)
	}

	out = run(t, decideCmd(), "--tenant", "acme", "--actor", "alice", "--action", "view", "--resource", "invoice:inv-1", "--unit", "finance")
	if !strings.Contains(out, `"reason": "GrantedByRole"`) {
		t.Fatalf("expected inherited grant:\n%s", out)
	}

	out = run(t, decideCmd(), "--seed", seedFile, "--tenant", "acme", "--actor", "alice", "--action", "approve", "--resource", "invoice:inv-3", "--unit", "sales", "--explain")
	if !strings.Contains(out, "DeniedByRule") || !strings.Contains(out, "rule ownerUnit-check: deny") {
		t.Fatalf("expected rule denial with trace:\n%s", out)
	}

	out = run(t, auditCmd(), "--tenant", "acme", "--actor", "alice")
	if !strings.Contains(out, "GrantedByRole") {
		t.Fatalf("expected audited decision:\n%s", out)
	}
}
