package config

import (
	"fmt"
	"net/url"
)

// Config represents the application configuration
type Config struct {
	GraphQL     GraphQLConfig `yaml:"graphql"`
	Auth        AuthConfig    `yaml:"auth"`
	Environment string        `yaml:"environment" default:"local"` // local, dev, prod
}

// GraphQLConfig holds the GraphQL engine endpoints and request defaults
type GraphQLConfig struct {
	HTTPURL        string            `yaml:"http_url"`        // required
	WSURL          string            `yaml:"ws_url"`          // optional; subscriptions disabled if empty
	DefaultHeaders map[string]string `yaml:"default_headers"` // sent with every request, keys lower-cased
	Debug          bool              `yaml:"debug"`           // verbose request/connection tracing
}

// AuthConfig holds the token endpoint configuration
type AuthConfig struct {
	TokenURL string `yaml:"token_url"` // session-credentialed endpoint returning {token, expiresAt}
}

// validate performs basic validation on the configuration
func validate(config *Config) error {
	if config.GraphQL.HTTPURL == "" {
		return fmt.Errorf("graphql.http_url is required")
	}
	if _, err := url.Parse(config.GraphQL.HTTPURL); err != nil {
		return fmt.Errorf("graphql.http_url is not a valid URL: %w", err)
	}
	if config.GraphQL.WSURL != "" {
		u, err := url.Parse(config.GraphQL.WSURL)
		if err != nil {
			return fmt.Errorf("graphql.ws_url is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("graphql.ws_url must use the ws or wss scheme, got %q", u.Scheme)
		}
	}
	if config.Auth.TokenURL == "" {
		return fmt.Errorf("auth.token_url is required")
	}
	return nil
}
