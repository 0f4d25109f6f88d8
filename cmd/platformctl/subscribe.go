package main

import (
	"net/http"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/platform-go/platform"
)

func newSubscribeCmd(a *app) *cobra.Command {
	var (
		noResume    bool
		cursorKey   string
		lastEventID string
	)
	cmd := &cobra.Command{
		Use:   "subscribe <path>",
		Short: "Stream events from a subscription",
		Long: `Open a subscription and print every event as a JSON line.

The subscription resumes from the last received event after connection loss
unless --no-resume is given. With --cursor-db the position survives restarts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseDestination(args[0])
			if err != nil {
				return a.fail(err)
			}
			c, err := a.newClient(nil)
			if err != nil {
				return a.fail(err)
			}

			opts := platform.NewRequestOptions("", dest)
			opts.TokenRequired = a.tokenRequired()
			if lastEventID != "" {
				opts.SetHeader("Last-Event-ID", lastEventID)
			}

			var (
				mu      sync.Mutex
				lastErr error
			)
			cb := platform.SubscriptionCallbacks{
				OnOpen: func(h http.Header) {
					a.out.print(Result{Type: "open", Headers: flattenHeader(h)})
				},
				OnResuming: func() {
					a.out.print(Result{Type: "resuming"})
				},
				OnEvent: func(ev *platform.Event) {
					a.out.print(Result{Type: "event", ID: ev.ID, Headers: ev.Headers, Body: ev.Body})
				},
				OnEnd: func(eos *platform.EndOfStream) {
					res := Result{Type: "end"}
					if eos != nil {
						res.Status = eos.StatusCode
						res.Headers = eos.Headers
						res.Body = eos.Info
					}
					a.out.print(res)
				},
				OnError: func(err error) {
					mu.Lock()
					lastErr = err
					mu.Unlock()
					a.out.print(mapError(err))
				},
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			var (
				done   <-chan struct{}
				cancel func()
			)
			if noResume {
				req, err := c.Subscribe(opts, cb)
				if err != nil {
					return a.fail(err)
				}
				done, cancel = req.Done(), req.Cancel
			} else {
				var resume *platform.ResumeOptions
				store, err := a.openCursorStore()
				if err != nil {
					return a.fail(err)
				}
				if store != nil {
					key := cursorKey
					if key == "" {
						key = dest.String()
					}
					resume = &platform.ResumeOptions{Store: store, Key: key}
				}
				sub, err := c.SubscribeWithResume(opts, cb, resume)
				if err != nil {
					return a.fail(err)
				}
				done, cancel = sub.Done(), sub.Unsubscribe
			}

			select {
			case <-done:
			case <-ctx.Done():
				cancel()
				<-done
			}

			mu.Lock()
			defer mu.Unlock()
			return lastErr
		},
	}
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "do not resume after errors")
	cmd.Flags().StringVar(&cursorKey, "cursor-key", "", "cursor store key (default: the path)")
	cmd.Flags().StringVar(&lastEventID, "last-event-id", "", "start after this event id")
	return cmd
}
