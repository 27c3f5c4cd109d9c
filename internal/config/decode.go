package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Environment variables that override secrets from the file.
const (
	EnvTelegramToken = "CLAIMBOT_TELEGRAM_TOKEN"
	EnvUpstreamURL   = "CLAIMBOT_UPSTREAM_URL"
	EnvStorageDSN    = "CLAIMBOT_STORAGE_DSN"
)

var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{EnvTelegramToken, func(c *Config, v string) { c.Telegram.Token = v }},
	{EnvUpstreamURL, func(c *Config, v string) { c.Upstream.URL = v }},
	{EnvStorageDSN, func(c *Config, v string) {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		c.Storage.DSN = v
	}},
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	for _, o := range envOverrides {
		if v := strings.TrimSpace(getenv(o.name)); v != "" {
			o.apply(cfg, v)
		}
	}
}

// Decode strictly decodes JSON or YAML, picked by the path extension. Unknown
// keys and trailing documents are errors.
func Decode(path string, data []byte) (*Config, error) {
	raw, err := toJSON(path, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err != nil:
		return nil, err
	default:
		return nil, errors.New("invalid config: trailing data")
	}
}

// toJSON converts YAML input to JSON so both formats go through the same
// strict decoder. Files without a .yaml/.yml extension are passed through.
func toJSON(path string, data []byte) ([]byte, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// stringKeys makes every map key a string so the tree is JSON-marshalable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
