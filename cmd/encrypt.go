package cmd

import (
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/internal/envelope"
	"github.com/jetstack/payload-envelope/internal/envelope/keymaterial"
	"github.com/jetstack/payload-envelope/pkg/client"
)

type keyMaterialOutput struct {
	AESKey string `json:"aesKey"`
	IV     string `json:"iv"`
}

type encryptOutput struct {
	Envelope    *envelope.Envelope `json:"envelope"`
	KeyMaterial keyMaterialOutput  `json:"keyMaterial"`
}

func newEncryptCmd() *cobra.Command {
	var showKeyMaterial bool

	cmd := &cobra.Command{
		Use:   "encrypt [FILE]",
		Short: "encrypt a payload into an envelope",
		Long: `Encrypt the payload read from FILE, or stdin when FILE is omitted or "-",
and print the envelope as JSON. Valid JSON is encrypted as a JSON document,
anything else as a string.

The RSA public key is resolved as configured, regardless of
encryption.enabled.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var path string
			if len(args) == 1 {
				path = args[0]
			}

			input, err := readInput(cmd, path)
			if err != nil {
				return err
			}

			provider, err := client.NewProvider(cfg, nil)
			if err != nil {
				return err
			}

			ctx := klog.NewContext(cmd.Context(), klog.Background().WithName("encrypt"))

			env, km, err := envelope.NewService(provider, true).EncryptPayload(ctx, payloadFromInput(input))
			if err != nil {
				return err
			}

			if !showKeyMaterial {
				return writeJSON(cmd.OutOrStdout(), env)
			}

			return writeJSON(cmd.OutOrStdout(), encryptOutput{
				Envelope:    env,
				KeyMaterial: keyMaterialFor(km),
			})
		},
	}

	cmd.Flags().BoolVar(
		&showKeyMaterial,
		"show-key-material",
		false,
		"Also print the AES key and IV, so that a reply can be decrypted with the decrypt command.",
	)

	return cmd
}

func keyMaterialFor(km keymaterial.KeyMaterial) keyMaterialOutput {
	return keyMaterialOutput{AESKey: km.AESKey, IV: km.IV}
}

func init() {
	rootCmd.AddCommand(newEncryptCmd())
}
