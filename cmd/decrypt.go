package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jetstack/payload-envelope/internal/envelope/aesgcm"
)

type decryptOptions struct {
	input      string
	ciphertext string
	key        string
	iv         string
	authTag    string
}

// encryptedDocument is an envelope or an encrypted response.
type encryptedDocument struct {
	Ciphertext string `json:"encryptedValue"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

func newDecryptCmd() *cobra.Command {
	var opts decryptOptions

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "decrypt an envelope or encrypted response with a known AES key",
		Long: `Decrypt the ciphertext of an envelope or encrypted response with an AES key
and IV, and print the plaintext. JSON plaintext is printed indented.

The ciphertext, IV and auth tag are read from the JSON document given with
--input ("-" for stdin); flags override the document's fields.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc encryptedDocument

			if opts.input != "" {
				b, err := readInput(cmd, opts.input)
				if err != nil {
					return err
				}

				if err := json.Unmarshal(b, &doc); err != nil {
					return fmt.Errorf("failed to parse %s as JSON: %w", opts.input, err)
				}
			}

			if opts.ciphertext != "" {
				doc.Ciphertext = opts.ciphertext
			}
			if opts.iv != "" {
				doc.IV = opts.iv
			}
			if opts.authTag != "" {
				doc.AuthTag = opts.authTag
			}

			payload, err := aesgcm.Decrypt(doc.Ciphertext, opts.key, doc.IV, doc.AuthTag)
			if err != nil {
				return err
			}

			if s, ok := payload.(string); ok {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), s)
				return err
			}

			return writeJSON(cmd.OutOrStdout(), payload)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "JSON document with encryptedValue, iv and authTag fields.")
	cmd.Flags().StringVar(&opts.ciphertext, "ciphertext", "", "Hex ciphertext.")
	cmd.Flags().StringVar(&opts.key, "key", "", "Hex AES-128 key.")
	cmd.Flags().StringVar(&opts.iv, "iv", "", "Hex 12 byte IV.")
	cmd.Flags().StringVar(&opts.authTag, "auth-tag", "", "Hex 16 byte auth tag.")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func init() {
	rootCmd.AddCommand(newDecryptCmd())
}
