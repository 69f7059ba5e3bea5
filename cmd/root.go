package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jetstack/payload-envelope/pkg/logs"
)

// configFilePath is shared by every subcommand which builds an encrypting
// client.
var configFilePath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "payload-envelope",
	Short: "Encrypt HTTP payloads with RSA-OAEP wrapped AES-GCM keys",
	Long: `payload-envelope encrypts JSON request payloads with a fresh AES-128-GCM
key per request, wraps the key with an RSA public key and decrypts the
matching responses.

Every flag can also be set with an ENVELOPE_ prefixed environment variable,
for example ENVELOPE_CONFIG=/etc/envelope.yaml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setFlagsFromEnv("ENVELOPE_", cmd.Flags())
		return logs.Initialize()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configFilePath,
		"config",
		"c",
		"",
		"Config file location. Defaults are used for anything the file and the ENVELOPE_* environment don't set.",
	)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	logs.AddFlags(rootCmd.PersistentFlags())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func setFlagsFromEnv(prefix string, fs *pflag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		// ignore flags set from the commandline
		if set[f.Name] {
			return
		}
		// remove trailing _ to reduce common errors with the prefix, i.e. people setting it to MY_PROG_
		cleanPrefix := strings.TrimSuffix(prefix, "_")
		name := fmt.Sprintf("%s_%s", cleanPrefix, strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_"))
		if e, ok := os.LookupEnv(name); ok {
			_ = f.Value.Set(e)
		}
	})
}
