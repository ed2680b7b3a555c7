package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// SecretResolver looks up secret:// references, normally in Secret Manager.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError carries the reference that failed, never the value.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that ended up empty. Its message only carries
// hashed names, so it is safe to log.
type MissingSecretsError struct {
	names []string
}

func newMissingSecretsError(names []string) *MissingSecretsError {
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: slices.Sorted(slices.Values(names))}
}

func (e *MissingSecretsError) Error() string {
	return "missing required secrets [" + strings.Join(e.RedactedNames(), ", ") + "]"
}

// Names are the config field names, such as PSP.StripeAPIKey.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	return slices.Clone(e.names)
}

// RedactedNames hashes each name so logs can correlate without naming the secret.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	redacted := make([]string, len(e.names))
	for i, name := range e.names {
		redacted[i] = redactSecretName(name)
	}
	slices.Sort(redacted)
	return redacted
}

func callerSecretField(caller string) string {
	return "Security.HMAC.Secrets[" + caller + "]"
}

// secretFields maps config names to secret-bearing fields. Caller secrets point at copies; map
// values are not addressable.
func (c *Config) secretFields() map[string]*string {
	fields := map[string]*string{"PSP.StripeAPIKey": &c.PSP.StripeAPIKey}
	for caller, secret := range c.Security.HMAC.Secrets {
		fields[callerSecretField(caller)] = &secret
	}
	return fields
}

// resolveSecrets swaps every secret reference for its value, in name order, and returns the
// resolved fields by name.
func (c *Config) resolveSecrets(ctx context.Context, resolver SecretResolver) (map[string]string, error) {
	fields := c.secretFields()
	resolved := make(map[string]string, len(fields))
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		value, err := resolveSecret(ctx, *fields[name], resolver)
		if err != nil {
			return nil, err
		}
		*fields[name] = value
		resolved[name] = value
	}
	for caller := range c.Security.HMAC.Secrets {
		c.Security.HMAC.Secrets[caller] = resolved[callerSecretField(caller)]
	}
	return resolved, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref, ok := secretReference(value)
	switch {
	case !ok:
		return value, nil
	case resolver == nil:
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

// secretReference recognises secret:// and the older sm:// spelling, returning the secret:// form.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	missing := map[string]struct{}{}
	for _, name := range required {
		if name = strings.TrimSpace(name); name != "" && strings.TrimSpace(resolved[name]) == "" {
			missing[name] = struct{}{}
		}
	}
	return newMissingSecretsError(slices.Collect(maps.Keys(missing)))
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}
