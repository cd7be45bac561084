package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/workloop/internal/domain"
	"github.com/xiaot623/gogo/workloop/internal/reconcile"
	"github.com/xiaot623/gogo/workloop/internal/repository"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

// setupConfig writes a config file pointing at a fresh database and returns
// the config path and database path.
func setupConfig(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "workloop.db")
	cfgPath := filepath.Join(dir, "workloop.yaml")
	content := "database:\n" +
		"  url: " + dbPath + "\n" +
		"sessions:\n" +
		"  index_path: " + filepath.Join(dir, "sessions", "sessions.json") + "\n" +
		"log:\n" +
		"  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return cfgPath, dbPath
}

func seedProject(t *testing.T, dbPath, projectID string, enabled bool) {
	t.Helper()

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	if err := db.UpsertProject(context.Background(), &domain.Project{
		ProjectID:       projectID,
		Name:            projectID,
		WorkLoopEnabled: enabled,
	}); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
}

func loadProject(t *testing.T, dbPath, projectID string) *domain.Project {
	t.Helper()

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	p, err := db.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	return p
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "workloop" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "workloop")
	}

	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, name := range []string{"run", "reconcile", "inspect", "enable", "disable"} {
		if !cmdMap[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestEnableDisable(t *testing.T) {
	cfgPath, dbPath := setupConfig(t)
	seedProject(t, dbPath, "p1", false)

	out, err := executeCommand(rootCmd, "--config", cfgPath, "enable", "p1")
	if err != nil {
		t.Fatalf("enable failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "work loop enabled for p1") {
		t.Errorf("unexpected output: %q", out)
	}
	if p := loadProject(t, dbPath, "p1"); !p.WorkLoopEnabled {
		t.Error("expected project to be enabled")
	}

	if out, err := executeCommand(rootCmd, "--config", cfgPath, "disable", "p1"); err != nil {
		t.Fatalf("disable failed: %v\n%s", err, out)
	}
	if p := loadProject(t, dbPath, "p1"); p.WorkLoopEnabled {
		t.Error("expected project to be disabled")
	}
}

func TestEnableUnknownProject(t *testing.T) {
	cfgPath, _ := setupConfig(t)

	_, err := executeCommand(rootCmd, "--config", cfgPath, "enable", "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestReconcileNothingActive(t *testing.T) {
	cfgPath, _ := setupConfig(t)

	out, err := executeCommand(rootCmd, "--config", cfgPath, "reconcile", "--stale", "10m")
	if err != nil {
		t.Fatalf("reconcile failed: %v\n%s", err, out)
	}

	var sum reconcile.Summary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("failed to decode summary %q: %v", out, err)
	}
	if sum.Checked != 0 || !sum.GatewayAvailable {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestInspectRejectsMalformedKey(t *testing.T) {
	cfgPath, _ := setupConfig(t)

	if _, err := executeCommand(rootCmd, "--config", cfgPath, "inspect", "not-a-key"); err == nil {
		t.Fatal("expected error for malformed session key")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := parseDuration("90s"); err != nil || d.Seconds() != 90 {
		t.Errorf("parseDuration(90s) = %v, %v", d, err)
	}
	for _, in := range []string{"", "soon", "-1m", "0s"} {
		if _, err := parseDuration(in); err == nil {
			t.Errorf("parseDuration(%q) expected error", in)
		}
	}
}
