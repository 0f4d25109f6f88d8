package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ahimsalabs/platform-go/platform"
)

// outcome collects the single terminal result of a transfer.
type outcome struct {
	once sync.Once
	err  error
	done chan struct{}
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) settle(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// wait blocks until the transfer settles or is interrupted. An interrupted
// transfer is cancelled.
func (o *outcome) wait(cmd *cobra.Command, req *platform.Request) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		req.Cancel()
		return ctx.Err()
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		field       string
		contentType string
		fields      map[string]string
		progress    bool
	)
	cmd := &cobra.Command{
		Use:   "upload <path> <file>",
		Short: "Upload a file as multipart/form-data",
		Args:  cobra.ExactArgs(2),
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
			up := platform.UploadOptions{
				FieldName:   field,
				ContentType: contentType,
				File:        args[1],
				Fields:      fields,
			}

			o := newOutcome()
			cb := platform.UploadCallbacks{
				OnSuccess: func(resp *platform.Response) {
					res := Result{Type: "response", Status: resp.StatusCode, Headers: flattenHeader(resp.Header)}
					res.setBody(resp.Body)
					a.out.print(res)
					o.settle(nil)
				},
				OnError: func(err error) {
					a.out.print(mapError(err))
					o.settle(err)
				},
			}
			if progress {
				cb.OnProgress = func(sent, total int64) {
					a.out.print(Result{Type: "progress", Bytes: sent, Total: total})
				}
			}

			req, err := c.Upload(opts, up, cb)
			if err != nil {
				return a.fail(err)
			}
			return o.wait(cmd, req)
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "form field name for the file (default: file)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the file part")
	cmd.Flags().StringToStringVarP(&fields, "form", "F", nil, "extra form field key=value, repeatable")
	cmd.Flags().BoolVar(&progress, "progress", false, "print upload progress")
	return cmd
}

func newDownloadCmd(a *app) *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "download <path> <out>",
		Short: "Download a response body to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseDestination(args[0])
			if err != nil {
				return a.fail(err)
			}
			out, err := filepath.Abs(args[1])
			if err != nil {
				return a.fail(err)
			}
			c, err := a.newClient(func(cfg *platform.ClientConfig) {
				// Download next to the target so the final rename stays on one filesystem.
				cfg.DownloadDir = filepath.Dir(out)
			})
			if err != nil {
				return a.fail(err)
			}

			opts := platform.NewRequestOptions("", dest)
			opts.TokenRequired = a.tokenRequired()

			o := newOutcome()
			cb := platform.DownloadCallbacks{
				OnSuccess: func(d *platform.Download) {
					if err := moveFile(d.Path, out); err != nil {
						a.out.print(mapError(err))
						o.settle(err)
						return
					}
					a.out.print(Result{Type: "download", Status: d.StatusCode, Path: out, Bytes: d.Size})
					o.settle(nil)
				},
				OnError: func(err error) {
					a.out.print(mapError(err))
					o.settle(err)
				},
			}
			if progress {
				cb.OnProgress = func(received, total int64) {
					a.out.print(Result{Type: "progress", Bytes: received, Total: total})
				}
			}

			req, err := c.Download(opts, cb)
			if err != nil {
				return a.fail(err)
			}
			return o.wait(cmd, req)
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", false, "print download progress")
	return cmd
}

// moveFile renames src to dst, copying when they are on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	outFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(outFile, in); err != nil {
		outFile.Close()
		return fmt.Errorf("copy download: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
