package identity

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/ordersync/internal/domain/errs"
)

type fileRecord struct {
	CartToken string `json:"cart_token"`
}

// File stores the token as a small JSON document on disk.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile constructs a store at path. The file is created on first Set.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("identity file path required"))
	}
	return &File{path: path}, nil
}

// Get implements cart.IdentityStore.
func (f *File) Get(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errs.New(component, errs.CodeUnavailable, errs.WithMessage("read identity file"), errs.WithCause(err))
	}
	var record fileRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", errs.New(component, errs.CodeProtocol, errs.WithMessage("decode identity file"), errs.WithCause(err))
	}
	return record.CartToken, nil
}

// Set implements cart.IdentityStore.
func (f *File) Set(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(fileRecord{CartToken: token})
}

// Clear implements cart.IdentityStore.
func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("remove identity file"), errs.WithCause(err))
	}
	return nil
}

func (f *File) write(record fileRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("create identity dir"), errs.WithCause(err))
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("write identity file"), errs.WithCause(err))
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("replace identity file"), errs.WithCause(err))
	}
	return nil
}
