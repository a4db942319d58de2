package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

// TokenFileStrategy reads the token from a file, such as ~/.vault-token or
// an agent sink. Tokens from a file are treated as non-expiring; the file
// watcher is what triggers a re-read.
type TokenFileStrategy struct {
	path string
}

// NewTokenFileStrategy creates a token file strategy.
func NewTokenFileStrategy(path string) (*TokenFileStrategy, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: token file is required", ErrInvalidAuthConfig)
	}
	return &TokenFileStrategy{path: path}, nil
}

// Name implements Strategy.
func (s *TokenFileStrategy) Name() string { return MethodTokenFile }

// Login implements Strategy.
func (s *TokenFileStrategy) Login(ctx context.Context, _ transport.Doer) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("token file %s is empty", s.path)
	}
	return &Credential{Token: token}, nil
}

// Watch implements Watcher. The parent directory is watched so that atomic
// rename-into-place writes are seen.
func (s *TokenFileStrategy) Watch(onChange func()) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token file watcher: %w", err)
	}

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token file directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			closeErr = watcher.Close()
			<-done
		})
		return closeErr
	}, nil
}
