package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gqlgate/gqlgate/graphql"
	appconfig "github.com/gqlgate/gqlgate/internal/config"
	"github.com/gqlgate/gqlgate/internal/pkg/logger"
	"github.com/gqlgate/gqlgate/token"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const cliContextKey contextKey = "cliContext"

// CliContext holds shared CLI context
type CliContext struct {
	Config *Config
	Client *graphql.Client
	Logger *slog.Logger
}

// Global logging flags
var (
	logLevel      string
	logFile       string
	logToStderr   bool
	alsoLogStderr bool
	logFormat     string
)

// configFile, when set, points at a project-local config.yaml that takes
// precedence over the contexts file
var configFile string

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	var ctx CliContext

	rootCmd := &cobra.Command{
		Use:           "gqlgate",
		Short:         "CLI for querying a Hasura GraphQL backend",
		Long:          `A command line interface for running queries, mutations and subscriptions against a Hasura GraphQL endpoint, using a session-backed bearer token.`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors (main.go handles it)
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(); err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}

			ctx.Logger = logger.WithComponent(slog.Default(), "cli")
			ctx.Logger.Debug("CLI started", "command", cmd.Name())

			config, err := LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx.Config = config

			if needsGraphQLClient(cmd) {
				var client *graphql.Client
				if configFile != "" {
					client, err = newGraphQLClientFromFile(configFile)
				} else {
					client, err = newGraphQLClient(config)
				}
				if err != nil {
					return fmt.Errorf("failed to create graphql client: %w", err)
				}
				ctx.Client = client
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey, &ctx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if ctx.Client != nil {
				ctx.Client.Dispose()
			}
			return nil
		},
	}

	// Add subcommands
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newMutateCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newConfigCommand())

	// Add logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Log file path (if specified, logs to file instead of stderr)")
	rootCmd.PersistentFlags().BoolVar(&logToStderr, "logtostderr", false,
		"Log to stderr (default behavior unless --log-file specified)")
	rootCmd.PersistentFlags().BoolVar(&alsoLogStderr, "alsologtostderr", false,
		"Log to both file and stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to a config.yaml used instead of the contexts file")

	return rootCmd
}

// needsGraphQLClient reports whether a command talks to the GraphQL
// endpoint. Auth and config commands manage local state only, and cobra's
// built-in help and completion commands must work without a usable
// context.
func needsGraphQLClient(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "auth", "config", "help", "completion",
			cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

// setupLogging configures the global logger based on CLI flags
func setupLogging() error {
	// Default to stderr logging unless file is specified
	if logFile == "" {
		logToStderr = true
	}

	cfg := logger.Config{
		Level:         logger.ParseLevel(logLevel),
		LogFile:       logFile,
		LogToStderr:   logToStderr,
		AlsoLogStderr: alsoLogStderr,
		Format:        logFormat,
	}

	globalLogger, err := logger.SetupLogger(cfg)
	if err != nil {
		return err
	}

	slog.SetDefault(globalLogger)
	return nil
}

// newTokenManager builds a token manager for the current context, wiring
// in the stored session cookie when one exists.
func newTokenManager(config *Config) (*token.Manager, error) {
	cctx, err := config.GetCurrentContext()
	if err != nil {
		return nil, err
	}
	if cctx.Auth.TokenURL == "" {
		return nil, fmt.Errorf("context %q has no auth token_url", config.CurrentContext)
	}

	var opts []token.Option
	if decorate := sessionDecorator(); decorate != nil {
		opts = append(opts, token.WithRequestDecorator(decorate))
	}
	return token.NewManager(cctx.Auth.TokenURL, opts...)
}

// newGraphQLClient builds an authenticated client for the current context
func newGraphQLClient(config *Config) (*graphql.Client, error) {
	cctx, err := config.GetCurrentContext()
	if err != nil {
		return nil, err
	}

	tokens, err := newTokenManager(config)
	if err != nil {
		return nil, err
	}

	return graphql.New(graphql.Config{
		HTTPURL:        cctx.GraphQL.HTTPURL,
		WSURL:          cctx.GraphQL.WSURL,
		DefaultHeaders: cctx.Headers,
	}, tokens, slog.Default())
}

// newGraphQLClientFromFile builds a client from a yaml config file with
// env expansion and .env loading, bypassing the contexts file.
func newGraphQLClientFromFile(path string) (*graphql.Client, error) {
	cfg, err := appconfig.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	var opts []token.Option
	if decorate := sessionDecorator(); decorate != nil {
		opts = append(opts, token.WithRequestDecorator(decorate))
	}
	tokens, err := token.NewManager(cfg.Auth.TokenURL, opts...)
	if err != nil {
		return nil, err
	}

	return graphql.New(graphql.Config{
		HTTPURL:        cfg.GraphQL.HTTPURL,
		WSURL:          cfg.GraphQL.WSURL,
		DefaultHeaders: cfg.GraphQL.DefaultHeaders,
		Debug:          cfg.GraphQL.Debug,
	}, tokens, slog.Default())
}

// getCliContext extracts the CLI context from the command context
func getCliContext(cmd *cobra.Command) *CliContext {
	return cmd.Context().Value(cliContextKey).(*CliContext)
}
