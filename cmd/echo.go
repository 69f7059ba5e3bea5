package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jetstack/payload-envelope/pkg/echo"
)

func newEchoCmd() *cobra.Command {
	var opts echo.Options

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "starts an echo server to test the encrypting client",
		Long: `The request command sends encrypted payloads to a server. This echo server
can be used to act as the server part and print the data received.

Envelopes are only decrypted when the client echoes its key material, which
is enabled with debug.echo-key-material. Never enable that in production.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return echo.Serve(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(
		&opts.Listen,
		"listen",
		"l",
		":8080",
		"Address where to listen.",
	)
	cmd.Flags().BoolVar(
		&opts.Compact,
		"compact",
		false,
		"Prints compact output.",
	)
	cmd.Flags().StringVar(
		&opts.AllowedToken,
		"token",
		"",
		"If set, requests must carry this bearer token.",
	)
	cmd.Flags().BoolVar(
		&opts.EncryptResponses,
		"encrypt-responses",
		true,
		"Encrypt replies with the key material echoed by the client.",
	)

	return cmd
}

func init() {
	rootCmd.AddCommand(newEchoCmd())
}
