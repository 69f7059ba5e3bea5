package cmd

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/jetstack/payload-envelope/pkg/client"
	"github.com/jetstack/payload-envelope/pkg/transport"
)

type requestOptions struct {
	data         string
	dataFile     string
	headers      []string
	include      bool
	timeout      time.Duration
	printMetrics bool
}

func newRequestCmd() *cobra.Command {
	var opts requestOptions

	cmd := &cobra.Command{
		Use:   "request METHOD URL",
		Short: "send one HTTP request through the encrypting transport",
		Long: `Send a single HTTP request through the encrypting transport and print the
(decrypted) response body.

Whether the request is encrypted follows the configuration: the method
allowlist, the exclusion patterns and the X-Skip-Encryption and
X-Force-Encryption headers, which can be given with -H.`,
		Example: `  payload-envelope request POST https://api.example.com/v1/items --data '{"name":"x"}'
  payload-envelope request GET https://api.example.com/v1/items -H 'X-Force-Encryption: true'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, url := strings.ToUpper(args[0]), args[1]

			header, err := parseHeaders(opts.headers)
			if err != nil {
				return err
			}

			var body []byte
			switch {
			case opts.data != "" && opts.dataFile != "":
				return fmt.Errorf("--data and --data-file are mutually exclusive")
			case opts.data != "":
				body = []byte(opts.data)
			case opts.dataFile != "":
				body, err = readInput(cmd, opts.dataFile)
				if err != nil {
					return err
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			if err := transport.RegisterMetrics(reg); err != nil {
				return err
			}

			c, err := client.New(cfg, client.Options{Timeout: opts.timeout})
			if err != nil {
				return err
			}

			ctx := klog.NewContext(cmd.Context(), klog.Background().WithName("request"))

			resp, err := c.Send(ctx, method, url, body, header)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()

			if opts.include {
				fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
				printHeaders(out, resp.Header)
				fmt.Fprintln(out)
			}

			if _, err := io.Copy(out, resp.Body); err != nil {
				return fmt.Errorf("failed to read response body: %w", err)
			}

			if opts.printMetrics {
				fmt.Fprintln(cmd.ErrOrStderr())
				if err := printMetrics(cmd.ErrOrStderr(), reg); err != nil {
					return err
				}
			}

			if resp.StatusCode >= 400 {
				return fmt.Errorf("received response with status code %d", resp.StatusCode)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "Request body.")
	cmd.Flags().StringVar(&opts.dataFile, "data-file", "", `File containing the request body, "-" for stdin.`)
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, `Extra header as "Name: value". Can be repeated.`)
	cmd.Flags().BoolVarP(&opts.include, "include", "i", false, "Print the response status and headers.")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Time limit for the whole request.")
	cmd.Flags().BoolVar(&opts.printMetrics, "print-metrics", false, "Print the transport counters to stderr afterwards.")

	return cmd
}

func parseHeaders(raw []string) (http.Header, error) {
	header := http.Header{}
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return header, nil
}

func printHeaders(w io.Writer, header http.Header) {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, v := range header[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
}

func init() {
	rootCmd.AddCommand(newRequestCmd())
}
