package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication commands",
		Long:  `Manage the session used to obtain bearer tokens from the auth endpoint`,
	}

	cmd.AddCommand(newAuthLoginCommand())
	cmd.AddCommand(newAuthLogoutCommand())
	cmd.AddCommand(newAuthStatusCommand())
	cmd.AddCommand(newAuthTokenCommand())

	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var cookie string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a session cookie for the current context",
		Long: `Store the session cookie the token endpoint expects. The cookie is the
only credential written to disk; bearer tokens are fetched on demand and
kept in memory.

Copy the cookie header value from an authenticated browser session, then:

  gqlgate auth login

and paste it at the prompt, or pass it directly with --cookie.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cookie == "" {
				fmt.Fprint(os.Stderr, "Session cookie: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read session cookie: %w", err)
				}
				cookie = strings.TrimSpace(string(raw))
			}
			if cookie == "" {
				return fmt.Errorf("no session cookie provided")
			}

			if err := SaveSession(&Session{Cookie: cookie, CreatedAt: time.Now()}); err != nil {
				return err
			}

			// Verify the session actually yields a token
			config, err := LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tokens, err := newTokenManager(config)
			if err != nil {
				return err
			}
			if _, ok := tokens.Token(cmd.Context()); !ok {
				fmt.Println("Session saved, but the token endpoint did not issue a token. The cookie may be expired.")
				return nil
			}

			fmt.Println("Logged in.")
			return nil
		},
	}

	cmd.Flags().StringVar(&cookie, "cookie", "", "Session cookie value (prompted for if not given)")

	return cmd
}

func newAuthLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session for the current context",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := RemoveSession(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func newAuthStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the current session yields a valid token",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := LoadSession()
			if err != nil {
				fmt.Println("Not logged in.")
				return nil
			}

			config, err := LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Printf("Context: %s\n", config.CurrentContext)
			fmt.Printf("Session stored: %s\n", session.CreatedAt.Format(time.RFC3339))

			tokens, err := newTokenManager(config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			if _, ok := tokens.Token(ctx); !ok {
				fmt.Println("Token: unavailable (session may be expired)")
				return nil
			}

			if expiresAt, cached := tokens.Peek(); cached && !expiresAt.IsZero() {
				fmt.Printf("Token: valid, expires %s (in %s)\n",
					expiresAt.Format(time.RFC3339),
					time.Until(expiresAt).Round(time.Second))
			} else {
				fmt.Println("Token: valid, expiry unknown")
			}
			return nil
		},
	}
}

func newAuthTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the current session",
		Long:  `Fetch and print a bearer token, for use with curl or other tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tokens, err := newTokenManager(config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			tok, ok := tokens.Token(ctx)
			if !ok {
				return fmt.Errorf("no token available, run 'gqlgate auth login' first")
			}
			fmt.Println(tok)
			return nil
		},
	}
}
