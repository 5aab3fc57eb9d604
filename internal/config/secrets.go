package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

const secretTimeout = 10 * time.Second

// SecretReader resolves the proxy's credentials from AWS Secrets Manager
type SecretReader struct {
	api secretsmanageriface.SecretsManagerAPI
}

// NewSecretReader creates a reader using the default AWS session
func NewSecretReader() (*SecretReader, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &SecretReader{api: secretsmanager.New(sess)}, nil
}

// Value returns the raw secret string, or the binary secret as a string
func (r *SecretReader) Value(ctx context.Context, secretARN string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, secretTimeout)
	defer cancel()

	result, err := r.api.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value %s: %w", secretARN, err)
	}

	if result.SecretString != nil {
		return *result.SecretString, nil
	}
	return string(result.SecretBinary), nil
}

// DBPassword loads the database password. DB_PASSWORD in the environment
// wins for local development. The secret is either the plain password or a
// JSON object with a password field.
func (r *SecretReader) DBPassword(ctx context.Context, secretARN string) (string, error) {
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		return password, nil
	}
	if secretARN == "" {
		return "", fmt.Errorf("DB_PASSWORD_SECRET_ARN not set")
	}

	value, err := r.Value(ctx, secretARN)
	if err != nil {
		return "", err
	}

	var fields struct {
		Password   string `json:"password"`
		DBPassword string `json:"DB_PASSWORD"`
	}
	if json.Unmarshal([]byte(value), &fields) != nil {
		return value, nil
	}
	switch {
	case fields.Password != "":
		return fields.Password, nil
	case fields.DBPassword != "":
		return fields.DBPassword, nil
	}
	return value, nil
}

// MaskinportenKey is the signing key registered for the Maskinporten client
type MaskinportenKey struct {
	PrivateKeyPEM string `json:"private_key"`
	KeyID         string `json:"kid"`
}

// MaskinportenKey loads the client's signing key. The secret holds either
// a PEM block or a JSON object with private_key and an optional kid.
func (r *SecretReader) MaskinportenKey(ctx context.Context, secretARN string) (*MaskinportenKey, error) {
	value, err := r.Value(ctx, secretARN)
	if err != nil {
		return nil, err
	}
	return parseMaskinportenKey(value)
}

func parseMaskinportenKey(value string) (*MaskinportenKey, error) {
	key := &MaskinportenKey{}
	if err := json.Unmarshal([]byte(value), key); err != nil {
		key = &MaskinportenKey{PrivateKeyPEM: value}
	}
	// secrets entered through the console often carry escaped newlines
	key.PrivateKeyPEM = strings.ReplaceAll(strings.TrimSpace(key.PrivateKeyPEM), `\n`, "\n")
	if !strings.HasPrefix(key.PrivateKeyPEM, "-----BEGIN") {
		return nil, fmt.Errorf("maskinporten secret does not hold a PEM private key")
	}
	return key, nil
}

// resolveSecrets fills in credentials that are configured by secret ARN
func resolveSecrets(ctx context.Context, cfg *Config, newReader func() (*SecretReader, error)) error {
	needDB := cfg.DBPasswordSecretARN != "" && cfg.DBPassword == ""
	needKey := cfg.Maskinporten.PrivateKeySecretARN != "" && cfg.Maskinporten.PrivateKeyPEM == ""
	if !needDB && !needKey {
		return nil
	}

	reader, err := newReader()
	if err != nil {
		return err
	}

	if needDB {
		password, err := reader.DBPassword(ctx, cfg.DBPasswordSecretARN)
		if err != nil {
			return fmt.Errorf("failed to load DB password from secret: %w", err)
		}
		cfg.DBPassword = password
	}

	if needKey {
		key, err := reader.MaskinportenKey(ctx, cfg.Maskinporten.PrivateKeySecretARN)
		if err != nil {
			return fmt.Errorf("failed to load Maskinporten key from secret: %w", err)
		}
		cfg.Maskinporten.PrivateKeyPEM = key.PrivateKeyPEM
		if cfg.Maskinporten.KeyID == "" {
			cfg.Maskinporten.KeyID = key.KeyID
		}
	}
	return nil
}
