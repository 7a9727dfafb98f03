package credentials

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process Store, usually populated from a YAML
// credentials file.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding creds.  Invalid credentials
// are rejected.
func NewMemoryStore(creds ...*Credential) (*MemoryStore, error) {
	s := &MemoryStore{creds: make(map[string]*Credential, len(creds))}
	for _, c := range creds {
		if err := s.Put(context.Background(), c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// credentialsFile is the on-disk layout read by LoadFile.
type credentialsFile struct {
	Credentials []*Credential `yaml:"credentials"`
}

// LoadFile reads a YAML credentials file into a new MemoryStore.
// Private keys referenced by private_key_path are read eagerly.  A
// missing file yields an empty store.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewMemoryStore()
		}
		return nil, fmt.Errorf("reading credentials %s: %w", path, err)
	}

	var f credentialsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", path, err)
	}

	for _, c := range f.Credentials {
		if c.PrivateKey != "" || c.PrivateKeyPath == "" {
			continue
		}
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("credential %s: reading private key from %s: %w", c.ID, c.PrivateKeyPath, err)
		}
		c.PrivateKey = string(key)
	}

	return NewMemoryStore(f.Credentials...)
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	cp := *cred

	s.mu.Lock()
	s.creds[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, scope string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.creds))
	for _, c := range s.creds {
		if inScope(c, scope) {
			out = append(out, c.Summarize())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WriteFile saves the store in the layout LoadFile reads.  Keys that
// were loaded from private_key_path are written back as the path only.
func (s *MemoryStore) WriteFile(path string) error {
	s.mu.RLock()
	f := credentialsFile{Credentials: make([]*Credential, 0, len(s.creds))}
	for _, c := range s.creds {
		cp := *c
		if cp.PrivateKeyPath != "" {
			cp.PrivateKey = ""
		}
		f.Credentials = append(f.Credentials, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(f.Credentials, func(i, j int) bool { return f.Credentials[i].ID < f.Credentials[j].ID })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials %s: %w", path, err)
	}
	return nil
}
