package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gqlgate/gqlgate/graphql"
)

// readDocument returns the GraphQL document from the positional argument
// or from --file, exactly one of which must be given.
func readDocument(args []string, file string) (string, error) {
	if len(args) == 1 && file != "" {
		return "", fmt.Errorf("pass the document as an argument or with --file, not both")
	}
	if len(args) == 1 {
		return args[0], nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read document file: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no GraphQL document given")
}

func parseVariables(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("failed to parse --vars as JSON: %w", err)
	}
	return vars, nil
}

func printJSON(data json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newQueryCommand() *cobra.Command {
	var (
		file     string
		varsJSON string
		noAuth   bool
	)

	cmd := &cobra.Command{
		Use:   "query [DOCUMENT]",
		Short: "Run a GraphQL query",
		Long: `Run a GraphQL query against the current context's endpoint.

Examples:
  gqlgate query '{ users { id name } }'
  gqlgate query --file query.graphql --vars '{"limit": 10}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			doc, err := readDocument(args, file)
			if err != nil {
				return err
			}
			vars, err := parseVariables(varsJSON)
			if err != nil {
				return err
			}

			var opts []graphql.RequestOption
			if noAuth {
				opts = append(opts, graphql.SkipAuth())
			}

			var out json.RawMessage
			if err := cliCtx.Client.Query(cmd.Context(), doc, vars, &out, opts...); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the GraphQL document from a file")
	cmd.Flags().StringVar(&varsJSON, "vars", "", "Operation variables as a JSON object")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Send the request without a bearer token")

	return cmd
}

func newMutateCommand() *cobra.Command {
	var (
		file     string
		varsJSON string
	)

	cmd := &cobra.Command{
		Use:   "mutate [DOCUMENT]",
		Short: "Run a GraphQL mutation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			doc, err := readDocument(args, file)
			if err != nil {
				return err
			}
			vars, err := parseVariables(varsJSON)
			if err != nil {
				return err
			}

			var out json.RawMessage
			if err := cliCtx.Client.Mutate(cmd.Context(), doc, vars, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the GraphQL document from a file")
	cmd.Flags().StringVar(&varsJSON, "vars", "", "Operation variables as a JSON object")

	return cmd
}

func newSubscribeCommand() *cobra.Command {
	var (
		file     string
		varsJSON string
	)

	cmd := &cobra.Command{
		Use:   "subscribe [DOCUMENT]",
		Short: "Run a GraphQL subscription and stream results",
		Long: `Open a subscription over the websocket endpoint and print each payload
as a JSON line until interrupted or the server completes the stream.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			doc, err := readDocument(args, file)
			if err != nil {
				return err
			}
			vars, err := parseVariables(varsJSON)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			done := make(chan error, 1)
			stop := cliCtx.Client.Subscribe(doc, vars, graphql.Handlers{
				Next: func(data json.RawMessage) {
					fmt.Println(string(data))
				},
				Error: func(err error) {
					done <- err
				},
				Complete: func() {
					done <- nil
				},
			})
			defer stop()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				cliCtx.Logger.Debug("subscription interrupted")
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the GraphQL document from a file")
	cmd.Flags().StringVar(&varsJSON, "vars", "", "Operation variables as a JSON object")

	return cmd
}
