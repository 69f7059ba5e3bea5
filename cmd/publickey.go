package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/pkg/client"
)

func newPublicKeyCmd() *cobra.Command {
	var printPEM bool

	cmd := &cobra.Command{
		Use:   "public-key",
		Short: "resolve the RSA public key and describe it",
		Long: `Resolve the RSA public key from the configured source, falling back to the
other source, and print where it came from.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			provider, err := client.NewProvider(cfg, nil)
			if err != nil {
				return err
			}

			ctx := klog.NewContext(cmd.Context(), klog.Background().WithName("public-key"))

			key, err := provider.EnsurePublicKey(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if printPEM {
				_, err := fmt.Fprint(out, key.PEM)
				return err
			}

			state := provider.State()

			w := tabwriter.NewWriter(out, 0, 4, 1, ' ', 0)
			fmt.Fprintf(w, "Source:\t%s\n", state.Source)
			fmt.Fprintf(w, "Fell back:\t%t\n", state.FellBack)
			fmt.Fprintf(w, "Key ID:\t%s\n", key.KeyID)
			fmt.Fprintf(w, "Size:\t%d bits\n", key.Key.N.BitLen())

			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&printPEM, "pem", false, "Print only the PEM encoded key.")

	return cmd
}

func init() {
	rootCmd.AddCommand(newPublicKeyCmd())
}
