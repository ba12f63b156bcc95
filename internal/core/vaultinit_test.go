package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

func TestVaultInit_CreatesFullStructure(t *testing.T) {
	base := filepath.Join(t.TempDir(), "AI_Employee_Vault")
	result, err := NewVaultInitializer().Init(VaultInitConfig{
		VaultPath:  base,
		Owner:      "claude",
		RawFolders: []string{"Drop", "Channel"},
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	dirs := []string{"Inbox/Drop", "Inbox/Channel", storage.LogsDir, storage.PlansDir, storage.AlertsDir, storage.StateDir}
	for _, st := range models.AllStages {
		dirs = append(dirs, string(st))
	}
	for _, dir := range dirs {
		info, err := os.Stat(filepath.Join(base, dir))
		if err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
	for _, f := range []string{storage.HandbookMD, ".fteconfig.yaml", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(base, f)); err != nil {
			t.Errorf("file %s not created: %v", f, err)
		}
	}
	if len(result.Skipped) != 0 {
		t.Errorf("fresh vault skipped %v", result.Skipped)
	}

	cfg, err := os.ReadFile(filepath.Join(base, ".fteconfig.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(cfg), "owner: claude") || !strings.Contains(string(cfg), "AI_Employee_Vault") {
		t.Errorf("config not rendered:\n%s", cfg)
	}
}

func TestVaultInit_HandbookPolicyLoads(t *testing.T) {
	base := t.TempDir()
	if _, err := NewVaultInitializer().Init(VaultInitConfig{VaultPath: base}); err != nil {
		t.Fatal(err)
	}
	policy, err := NewHandbookPolicyLoader(filepath.Join(base, storage.HandbookMD)).Load()
	if err != nil {
		t.Fatalf("starter handbook must parse: %v", err)
	}
	if len(policy.Rules()) != 3 {
		t.Fatalf("expected 3 starter rules, got %+v", policy.Rules())
	}

	pay := models.NewItem("pay-1")
	pay.Set(models.MetaAction, "payment")
	pay.Set(models.MetaAmount, "250")
	if r := policy.Match(pay); r == nil || r.Name != "payments-over-limit" {
		t.Errorf("large payment should need approval, matched %+v", r)
	}
}

func TestVaultInit_Idempotent(t *testing.T) {
	base := t.TempDir()
	handbook := filepath.Join(base, storage.HandbookMD)
	if err := os.WriteFile(handbook, []byte("# Mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	vi := NewVaultInitializer()
	if _, err := vi.Init(VaultInitConfig{VaultPath: base}); err != nil {
		t.Fatal(err)
	}
	second, err := vi.Init(VaultInitConfig{VaultPath: base})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Created) != 0 {
		t.Errorf("second run created %v", second.Created)
	}
	if len(second.Skipped) != 3 {
		t.Errorf("second run skipped %v", second.Skipped)
	}

	data, _ := os.ReadFile(handbook)
	if string(data) != "# Mine\n" {
		t.Error("existing handbook was overwritten")
	}
}

func TestVaultInit_DryRun(t *testing.T) {
	base := filepath.Join(t.TempDir(), "vault")
	result, err := NewVaultInitializer().Init(VaultInitConfig{VaultPath: base, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Created) == 0 {
		t.Error("dry run should report what it would create")
	}
	if _, err := os.Stat(base); !os.IsNotExist(err) {
		t.Error("dry run created the vault")
	}
}

func TestVaultInit_EmptyPath(t *testing.T) {
	if _, err := NewVaultInitializer().Init(VaultInitConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
