// Package prompt resolves voice-prompt identifiers to loadable assets and
// prepares system prompts for the engine.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a voice-prompt id does not resolve to an
// asset. It is fatal to the requesting session, never to the process.
var ErrNotFound = errors.New("prompt: voice prompt not found")

// systemTag wraps system prompts the way the generator expects them.
const systemTag = "<system>"

// Resolver maps a client-supplied voice-prompt id to a loadable asset.
type Resolver interface {
	Resolve(id string) (string, error)
}

// DirResolver resolves ids against a directory of voice-prompt files.
type DirResolver struct {
	dir string
}

// NewDirResolver creates a resolver for the given directory. If the
// directory itself holds no assets but contains a "voices" subdirectory
// that does, the nested directory is used.
func NewDirResolver(dir string) (*DirResolver, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt: voice prompt dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt: %s is not a directory", dir)
	}
	if resolved := resolveVoiceDir(dir); resolved != "" {
		dir = resolved
	}
	return &DirResolver{dir: dir}, nil
}

// Dir returns the directory assets are resolved against.
func (r *DirResolver) Dir() string {
	return r.dir
}

// Resolve joins the id against the voices directory and verifies the asset
// exists. Path traversal outside the directory is rejected as not found.
func (r *DirResolver) Resolve(id string) (string, error) {
	if id == "" {
		return "", ErrNotFound
	}
	if filepath.Base(id) != id {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	asset := filepath.Join(r.dir, id)
	if _, err := os.Stat(asset); err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return asset, nil
}

// resolveVoiceDir prefers a directory that actually contains .pt assets,
// falling back to a nested "voices" directory when the top level is a bare
// extraction root.
func resolveVoiceDir(dir string) string {
	if hasVoiceAssets(dir) {
		return dir
	}
	nested := filepath.Join(dir, "voices")
	if hasVoiceAssets(nested) {
		return nested
	}
	return ""
}

func hasVoiceAssets(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pt"))
	return err == nil && len(matches) > 0
}

// WrapSystemTags brackets a system prompt in system tags unless the text
// already carries them verbatim.
func WrapSystemTags(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, systemTag) && strings.HasSuffix(cleaned, systemTag) {
		return cleaned
	}
	return systemTag + " " + cleaned + " " + systemTag
}
