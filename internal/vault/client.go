// Package vault fetches venue credentials from a HashiCorp Vault KV-v2
// mount so API keys need not live in the config file or environment.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"boll-trading-bot/config"
	"boll-trading-bot/internal/errs"
)

// Credentials is the secret material the live adapter signs with.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client reads the daemon's credentials from one KV-v2 secret path.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient builds a Vault client. Call only when cfg.Enabled is set.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	if cfg.Address != "" {
		vaultConfig.Address = cfg.Address
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, errs.Config("vault_client", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// FetchCredentials reads api_key and api_secret from the configured
// secret path. The values themselves are never logged.
func (c *Client) FetchCredentials(ctx context.Context) (*Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, errs.Config("vault_read", fmt.Errorf("%s: %w", path, err))
	}
	if secret == nil || secret.Data == nil {
		return nil, errs.Config("vault_read", fmt.Errorf("no secret at %s", path))
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errs.Config("vault_read", fmt.Errorf("secret at %s is not KV-v2", path))
	}

	creds := &Credentials{
		APIKey:    stringField(data, "api_key"),
		APISecret: stringField(data, "api_secret"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, errs.Config("vault_read", fmt.Errorf("secret at %s missing api_key or api_secret", path))
	}
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
