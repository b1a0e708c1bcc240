// Package compose fetches the app's compose bundle and brings the app up on
// the local container engine.
package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/andres-nav/actual-budget-agent/pkg/storage"
)

// ErrInvalidBundle means the fetched file is not a usable compose document.
var ErrInvalidBundle = errors.New("invalid compose bundle")

type document struct {
	Services map[string]yaml.Node `yaml:"services"`
}

// FetchBundle downloads key to dest and checks it declares at least one
// service. On failure dest is left as it was before the call.
func FetchBundle(ctx context.Context, store storage.Store, key, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(dest)+".fetch")
	if err := store.Download(ctx, key, tmp); err != nil {
		return fmt.Errorf("fetching bundle %s: %w", key, err)
	}

	if err := validate(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bundle %s: %w", key, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	if len(doc.Services) == 0 {
		return fmt.Errorf("%w: no services defined", ErrInvalidBundle)
	}
	return nil
}
