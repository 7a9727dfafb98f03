package credentials

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// AuthMethods converts the credential into SSH authentication methods.
//
// Password credentials also answer keyboard-interactive prompts with
// the password, since many batch cluster login nodes only offer that.
func (c *Credential) AuthMethods() ([]ssh.AuthMethod, error) {
	switch c.Kind {
	case KindPassword:
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case KindSSHKey:
		signer, err := c.Signer()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("credential %s: unsupported kind %q", c.ID, c.Kind)
	}
}

// Signer parses the credential's private key.
func (c *Credential) Signer() (ssh.Signer, error) {
	if c.Kind != KindSSHKey {
		return nil, fmt.Errorf("credential %s: kind %q has no private key", c.ID, c.Kind)
	}

	var (
		signer ssh.Signer
		err    error
	)
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
	}
	if err != nil {
		return nil, fmt.Errorf("credential %s: parsing private key: %w", c.ID, err)
	}
	return signer, nil
}
