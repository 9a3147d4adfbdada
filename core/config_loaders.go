package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const DefaultEnvPrefix = "REDEMPTIONS_"

// EnvConfigLoader reads REDEMPTIONS_* variables, e.g.
// REDEMPTIONS_WORKFLOW_CONTACT_TIMEOUT=6h or REDEMPTIONS_RETRY_CONTACT_POLL_MAX_ATTEMPTS=3.
type EnvConfigLoader struct {
	Prefix      string
	Environment map[string]string
}

func NewEnvConfigLoader() *EnvConfigLoader {
	return &EnvConfigLoader{Prefix: DefaultEnvPrefix}
}

func (l *EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := DefaultEnvPrefix
	var environment map[string]string
	if l != nil {
		if strings.TrimSpace(l.Prefix) != "" {
			prefix = l.Prefix
		}
		environment = l.Environment
	}
	var cfg Config
	options := env.Options{Prefix: prefix}
	if environment != nil {
		options.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, options); err != nil {
		return nil, fmt.Errorf("core: parse environment config: %w", err)
	}
	return configToLayerMap(cfg, false), nil
}

// YAMLConfigLoader reads a YAML document shaped like Config. Durations use
// Go syntax ("30s", "24h").
type YAMLConfigLoader struct {
	Path   string
	Reader io.Reader
}

func NewYAMLConfigLoader(path string) *YAMLConfigLoader {
	return &YAMLConfigLoader{Path: path}
}

func (l *YAMLConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if l == nil {
		return map[string]any{}, nil
	}
	var payload []byte
	switch {
	case l.Reader != nil:
		data, err := io.ReadAll(l.Reader)
		if err != nil {
			return nil, fmt.Errorf("core: read yaml config: %w", err)
		}
		payload = data
	case strings.TrimSpace(l.Path) != "":
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("core: read yaml config %s: %w", l.Path, err)
		}
		payload = data
	default:
		return map[string]any{}, nil
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return map[string]any{}, nil
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("core: decode yaml config: %w", err)
	}
	return configToLayerMap(cfg, false), nil
}

// ChainedConfigLoader merges loaders in order; later loaders win per key.
type ChainedConfigLoader []RawConfigLoader

func (c ChainedConfigLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	merged := map[string]any{}
	for _, loader := range c {
		if loader == nil {
			continue
		}
		raw, err := loader.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		mergeRaw(merged, raw)
	}
	return merged, nil
}

func mergeRaw(dst map[string]any, src map[string]any) {
	for key, value := range src {
		nested, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		existing, ok := dst[key].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[key] = existing
		}
		mergeRaw(existing, nested)
	}
}

var (
	_ RawConfigLoader = (*EnvConfigLoader)(nil)
	_ RawConfigLoader = (*YAMLConfigLoader)(nil)
	_ RawConfigLoader = ChainedConfigLoader(nil)
)
