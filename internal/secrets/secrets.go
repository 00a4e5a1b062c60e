// Package secrets loads the relayer's signing key from AWS Secrets Manager
// or the process environment.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gagliardetto/solana-go"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrInvalidKey    = errors.New("secrets: invalid keypair")
)

// Provider returns the raw secret stored under name.
type Provider interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// New picks a provider by driver name.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverAWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
		}
		return NewAWS(secretsmanager.NewFromConfig(cfg))
	case DriverEnv, "":
		return Env{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type AWS struct {
	client secretsManagerAPI
}

func NewAWS(client secretsManagerAPI) (*AWS, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWS{client: client}, nil
}

func (p *AWS) Get(ctx context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return nil, fmt.Errorf("secrets: get %q: %w", name, err)
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return []byte(v), nil
		}
	}
	return nil, fmt.Errorf("%w: secret %q is empty", ErrNotFound, name)
}

// Env reads secrets from environment variables.
type Env struct{}

func (Env) Get(_ context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil, fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return []byte(v), nil
}

// LoadKeypair fetches name from p and parses it as a Solana keypair.
func LoadKeypair(ctx context.Context, p Provider, name string) (solana.PrivateKey, error) {
	raw, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return ParseKeypair(raw)
}

// ParseKeypair accepts raw 64 bytes, the CLI's JSON byte array or a base58
// string.
func ParseKeypair(raw []byte) (solana.PrivateKey, error) {
	s := strings.TrimSpace(string(raw))
	var key solana.PrivateKey
	switch {
	case len(raw) == 64:
		key = solana.PrivateKey(append([]byte(nil), raw...))
	case strings.HasPrefix(s, "["):
		var bs []byte
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte out of range", ErrInvalidKey)
			}
			bs = append(bs, byte(v))
		}
		key = solana.PrivateKey(bs)
	default:
		k, err := solana.PrivateKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key = k
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: want 64 bytes, got %d", ErrInvalidKey, len(key))
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
