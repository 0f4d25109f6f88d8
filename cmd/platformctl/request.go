package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/platform-go/platform"
)

func newRequestCmd(a *app) *cobra.Command {
	var (
		data     string
		dataFile string
		noRetry  bool
	)
	cmd := &cobra.Command{
		Use:   "request <METHOD> <path>",
		Short: "Send a one-shot request",
		Long: `Send a request and print the response as a JSON line.

Idempotent methods are retried with backoff; POST, PUT and PATCH are sent once.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseDestination(args[1])
			if err != nil {
				return a.fail(err)
			}
			if data != "" && dataFile != "" {
				return a.fail(fmt.Errorf("%w: --data and --data-file are mutually exclusive", platform.ErrInvalidOptions))
			}

			opts := platform.NewRequestOptions(strings.ToUpper(args[0]), dest)
			opts.TokenRequired = a.tokenRequired()
			switch {
			case data != "":
				opts.Body = []byte(data)
			case dataFile != "":
				b, err := os.ReadFile(dataFile)
				if err != nil {
					return a.fail(err)
				}
				opts.Body = b
			}
			if opts.Body != nil && opts.Header.Get("Content-Type") == "" {
				opts.SetHeader("Content-Type", "application/json")
			}
			if noRetry {
				opts.RetryPolicy = platform.NeverRetry{}
			}

			c, err := a.newClient(nil)
			if err != nil {
				return a.fail(err)
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			resp, err := c.Do(ctx, opts)
			if err != nil {
				return a.fail(err)
			}
			res := Result{Type: "response", Status: resp.StatusCode, Headers: flattenHeader(resp.Header)}
			res.setBody(resp.Body)
			a.out.print(res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "read the request body from a file")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "send the request once")
	return cmd
}
