package core

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/valter-silva-au/digital-fte/internal/storage"
)

//go:embed templates/vault
var vaultTemplates embed.FS

// VaultInitConfig holds the parameters for initializing a vault.
type VaultInitConfig struct {
	VaultPath      string
	Name           string
	Owner          string
	KillSwitchFile string
	// RawFolders are the drop folders created under the Inbox.
	RawFolders []string
	DryRun     bool
}

// InitResult holds a summary of what was created vs. skipped. Paths are
// relative to the vault.
type InitResult struct {
	Created []string
	Skipped []string
}

// VaultInitializer scaffolds a vault: every stage folder plus a starter
// handbook and configuration file.
type VaultInitializer interface {
	Init(config VaultInitConfig) (*InitResult, error)
}

type vaultInitializer struct{}

// NewVaultInitializer creates a new VaultInitializer.
func NewVaultInitializer() VaultInitializer {
	return &vaultInitializer{}
}

// Init creates the vault structure. It is safe to run on an existing vault:
// files that already exist are skipped and never overwritten. In dry run
// nothing is written and every missing path is reported as created.
func (vi *vaultInitializer) Init(config VaultInitConfig) (*InitResult, error) {
	if config.VaultPath == "" {
		return nil, fmt.Errorf("initializing vault: path is empty")
	}
	if config.Name == "" {
		config.Name = filepath.Base(config.VaultPath)
	}
	if config.Owner == "" {
		config.Owner = "orchestrator"
	}
	if config.KillSwitchFile == "" {
		config.KillSwitchFile = "STOP"
	}
	result := &InitResult{}

	if config.DryRun {
		if _, err := os.Stat(config.VaultPath); err != nil {
			result.Created = append(result.Created, ".")
		}
	} else {
		if err := os.MkdirAll(config.VaultPath, 0o750); err != nil {
			return nil, fmt.Errorf("initializing vault: %w", err)
		}
		store := storage.NewItemStore(config.VaultPath, storage.WithRawFolders(config.RawFolders...))
		report, err := storage.NewLayout(store, 0).Reconcile()
		if err != nil {
			return nil, fmt.Errorf("initializing vault: %w", err)
		}
		result.Created = append(result.Created, report.Created...)
	}

	files := []struct {
		template string
		target   string
	}{
		{"handbook.md", storage.HandbookMD},
		{"fteconfig.yaml", ConfigFileName + ".yaml"},
		{"gitignore", ".gitignore"},
	}
	for _, f := range files {
		if err := vi.writeFileIfNotExists(f.target, config, func() ([]byte, error) {
			return renderVaultTemplate(f.template, config)
		}, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (vi *vaultInitializer) writeFileIfNotExists(rel string, config VaultInitConfig, contentFn func() ([]byte, error), result *InitResult) error {
	path := filepath.Join(config.VaultPath, rel)
	if _, err := os.Stat(path); err == nil {
		result.Skipped = append(result.Skipped, rel)
		return nil
	}
	content, err := contentFn()
	if err != nil {
		return fmt.Errorf("initializing vault: generating content for %s: %w", path, err)
	}
	if !config.DryRun {
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return fmt.Errorf("initializing vault: writing %s: %w", path, err)
		}
	}
	result.Created = append(result.Created, rel)
	return nil
}

func renderVaultTemplate(name string, data interface{}) ([]byte, error) {
	raw, err := vaultTemplates.ReadFile("templates/vault/" + name)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
