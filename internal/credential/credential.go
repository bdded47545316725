// Package credential resolves the API key used for a run.
//
// Identifiers are gocloud runtimevar URLs:
//
//	awsparamstore://name?region=us-east-1&decoder=string
//	gcpsecretmanager://projects/p/secrets/s?decoder=string
//	file:///etc/indexer/api-key?decoder=string
//	constant://?val=key&decoder=string
//
// or env://NAME to read an environment variable.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/logging"
	"gocloud.dev/runtimevar"
	_ "gocloud.dev/runtimevar/awsparamstore"
	_ "gocloud.dev/runtimevar/constantvar"
	_ "gocloud.dev/runtimevar/filevar"
	_ "gocloud.dev/runtimevar/gcpsecretmanager"
)

// ErrCredential wraps every failure to produce a token.
var ErrCredential = errors.New("credential unavailable")

// EnvScheme selects an environment variable instead of a runtimevar.
const EnvScheme = "env://"

// Config identifies the credential.
type Config struct {
	ID      string
	Timeout time.Duration
}

// Provider looks up one credential.
type Provider struct {
	id      string
	timeout time.Duration
}

// New creates a provider for cfg.ID.
func New(cfg Config) (*Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: credential id is required", ErrCredential)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		id:      cfg.ID,
		timeout: timeout,
	}, nil
}

// Token fetches the current value. Surrounding whitespace is trimmed and an
// empty value is an error.
func (p *Provider) Token(ctx context.Context) (string, error) {
	var (
		token string
		err   error
	)
	if name, ok := strings.CutPrefix(p.id, EnvScheme); ok {
		token, err = fromEnv(name)
	} else {
		token, err = p.fromRuntimeVar(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCredential, Scheme(p.id), err)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: %s: empty value", ErrCredential, Scheme(p.id))
	}

	logging.FromContext(ctx).Info("credential fetched", "component", "credential", "source", Scheme(p.id))
	return token, nil
}

func fromEnv(name string) (string, error) {
	if name == "" {
		return "", errors.New("environment variable name is empty")
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

func (p *Provider) fromRuntimeVar(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	v, err := runtimevar.OpenVariable(ctx, p.id)
	if err != nil {
		return "", fmt.Errorf("open variable: %w", err)
	}
	defer v.Close()

	snap, err := v.Latest(ctx)
	if err != nil {
		return "", fmt.Errorf("read variable: %w", err)
	}

	switch val := snap.Value.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		return "", fmt.Errorf("unsupported variable type %T, use decoder=string", snap.Value)
	}
}

// Scheme returns the scheme of a credential id for logs, never the value.
func Scheme(id string) string {
	if strings.HasPrefix(id, EnvScheme) {
		return "env"
	}
	u, err := url.Parse(id)
	if err != nil || u.Scheme == "" {
		return "unknown"
	}
	return u.Scheme
}
