// Command platformctl subscribes to, requests from, uploads to and downloads
// from a platform service, printing each outcome as a JSON line.
package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/platform-go/platform"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run executes the command line args, releasing every resource the command
// acquired before it returns.
func run(args []string, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.shutdown()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.Execute()
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platformctl",
		Short: "Talk to a platform service from the command line",
		Long: `platformctl drives the platform client.

Every outcome is written to stdout as one JSON object per line. Logs go to
stderr. Settings come from the file named by --config and are overridden by
flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	a.flags.register(cmd)

	cmd.AddCommand(
		newSubscribeCmd(a),
		newRequestCmd(a),
		newUploadCmd(a),
		newDownloadCmd(a),
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// parseDestination accepts an absolute URL or a service-relative path with
// an optional query.
func parseDestination(raw string) (platform.Destination, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return platform.Absolute(raw), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return platform.Destination{}, fmt.Errorf("invalid path %q: %w", raw, err)
	}
	if u.Path == "" {
		return platform.Destination{}, fmt.Errorf("invalid path %q: empty", raw)
	}
	q := u.Query()
	if len(q) == 0 {
		q = nil
	}
	return platform.Relative(u.Path, q), nil
}

// fail prints err as an error result and returns it so cobra exits non-zero.
func (a *app) fail(err error) error {
	a.out.print(mapError(err))
	return err
}
