// Package credentials stores the SSH credentials used to reach worker
// hosts.  Credentials are referenced everywhere else by a stable string
// id and re-resolved on demand; nothing outside this package keeps the
// secret material around.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned by Store.Lookup when no credential has the
// requested id.
var ErrNotFound = errors.New("credential not found")

// Kind identifies how a credential authenticates.
type Kind string

const (
	// KindPassword authenticates with a username and password.
	KindPassword Kind = "password"
	// KindSSHKey authenticates with a username and private key.
	KindSSHKey Kind = "ssh_key"
)

// ScopeGlobal is the scope assigned to credentials without one.
const ScopeGlobal = "global"

// Credential is a username plus either a password or a private key.
type Credential struct {
	ID          string `yaml:"id" json:"id"`
	Scope       string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	Username    string `yaml:"username" json:"username"`

	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// PrivateKey is a PEM encoded private key.  PrivateKeyPath is only
	// read by LoadFile and is folded into PrivateKey there.
	PrivateKey     string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"-"`
	Passphrase     string `yaml:"passphrase,omitempty" json:"passphrase,omitempty"`
}

// Validate checks that the credential is usable for SSH authentication.
func (c *Credential) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("credential id is required")
	}
	if c.Username == "" {
		return fmt.Errorf("credential %s: username is required", c.ID)
	}
	switch c.Kind {
	case KindPassword:
		if c.Password == "" {
			return fmt.Errorf("credential %s: password is required for kind %q", c.ID, c.Kind)
		}
	case KindSSHKey:
		if c.PrivateKey == "" {
			return fmt.Errorf("credential %s: private key is required for kind %q", c.ID, c.Kind)
		}
	default:
		return fmt.Errorf("credential %s: unsupported kind %q", c.ID, c.Kind)
	}
	return nil
}

// Summary is the non-secret view of a credential used for listings.
type Summary struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`
	Username    string `json:"username"`
}

// Summarize strips the secret material from c.
func (c *Credential) Summarize() Summary {
	return Summary{
		ID:          c.ID,
		Scope:       c.scope(),
		Description: c.Description,
		Kind:        c.Kind,
		Username:    c.Username,
	}
}

func (c *Credential) scope() string {
	if c.Scope == "" {
		return ScopeGlobal
	}
	return c.Scope
}

// Store is a credential store keyed by credential id.
type Store interface {
	// Lookup returns the credential with the given id, or an error
	// wrapping ErrNotFound.
	Lookup(ctx context.Context, id string) (*Credential, error)

	// Put inserts or replaces a credential.
	Put(ctx context.Context, cred *Credential) error

	// List returns summaries of the credentials visible in scope.  An
	// empty scope lists everything.
	List(ctx context.Context, scope string) ([]Summary, error)
}

// ListIDs returns the ids of the credentials visible in scope, sorted.
func ListIDs(ctx context.Context, store Store, scope string) ([]string, error) {
	summaries, err := store.List(ctx, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(summaries))
	for i, s := range summaries {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids, nil
}

func inScope(c *Credential, scope string) bool {
	return scope == "" || c.scope() == scope
}
