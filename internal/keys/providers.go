package keys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileProvider keeps the key in a mode-0600 file. This is the documented
// software fallback when no hardware-backed store is present.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Load(_ context.Context) ([]byte, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return raw, nil
}

func (p *FileProvider) Store(_ context.Context, key []byte) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	// Write-then-rename so a crash never leaves a partial key file.
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, key, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit key file: %w", err)
	}
	return nil
}

// SecureElement abstracts a platform keystore (TPM, StrongBox, Secure
// Enclave). Platform packages supply an implementation; none ships here.
type SecureElement interface {
	LoadKey(ctx context.Context, label string) ([]byte, error)
	StoreKey(ctx context.Context, label string, key []byte) error
}

// SecureElementProvider adapts a SecureElement to the Provider interface.
type SecureElementProvider struct {
	element SecureElement
	label   string
}

func NewSecureElementProvider(element SecureElement, label string) *SecureElementProvider {
	return &SecureElementProvider{element: element, label: label}
}

func (p *SecureElementProvider) Name() string { return "secure-element" }

func (p *SecureElementProvider) Load(ctx context.Context) ([]byte, error) {
	return p.element.LoadKey(ctx, p.label)
}

func (p *SecureElementProvider) Store(ctx context.Context, key []byte) error {
	return p.element.StoreKey(ctx, p.label, key)
}
