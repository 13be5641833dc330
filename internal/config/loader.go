package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// File represents a loaded HCL configuration file with preserved source,
// so provider CRUD can round-trip edits without destroying comments.
type File struct {
	Path    string
	Config  *Config
	hclFile *hclwrite.File
}

// Load reads and decodes a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes configuration from bytes, preserving source for round-trip.
func LoadBytes(filename string, data []byte) (*File, error) {
	hclFile, diags := hclwrite.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &File{
		Path:    filename,
		Config:  &cfg,
		hclFile: hclFile,
	}, nil
}

// Save writes the (possibly edited) file back to disk atomically.
func (f *File) Save() error {
	return f.SaveTo(f.Path)
}

// SaveTo writes the file to the given path atomically.
func (f *File) SaveTo(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nexus-config-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(f.hclFile.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// AddProvider appends a provider block to both the decoded config and the
// preserved HCL source. Returns an error if the name is already registered.
func (f *File) AddProvider(p Provider) error {
	if p.Name == "" || p.ConfigPath == "" {
		return fmt.Errorf("provider name and config_path are required")
	}
	if _, exists := f.Config.FindProvider(p.Name); exists {
		return fmt.Errorf("provider %q already exists", p.Name)
	}

	body := f.hclFile.Body()
	block := body.AppendNewBlock("provider", []string{p.Name})
	block.Body().SetAttributeValue("config_path", cty.StringVal(p.ConfigPath))
	if p.CredentialsPath != "" {
		block.Body().SetAttributeValue("credentials_path", cty.StringVal(p.CredentialsPath))
	}
	body.AppendNewline()

	f.Config.Providers = append(f.Config.Providers, p)
	return nil
}

// RemoveProvider deletes a provider block by name from both representations.
func (f *File) RemoveProvider(name string) error {
	if _, exists := f.Config.FindProvider(name); !exists {
		return fmt.Errorf("provider %q not found", name)
	}

	body := f.hclFile.Body()
	for _, block := range body.Blocks() {
		if block.Type() != "provider" {
			continue
		}
		labels := block.Labels()
		if len(labels) == 1 && labels[0] == name {
			body.RemoveBlock(block)
			break
		}
	}

	kept := f.Config.Providers[:0]
	for _, p := range f.Config.Providers {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	f.Config.Providers = kept
	return nil
}
