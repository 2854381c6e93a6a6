package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adcheck/domain"
	"adcheck/registry"
)

func SubmitCmd(root *rootOptions) *cobra.Command {
	var imageRef string
	cmd := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Check text (or an uploaded image) and wait for the result",
		Long: "Submit one check and follow it until it finishes. Text comes from the\n" +
			"arguments, or from stdin when there are none. Ctrl-C cancels the check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && imageRef == "" && cmd.InOrStdin() == os.Stdin && !stdinIsPipe() {
				return errors.New("no text given: pass it as arguments or pipe it on stdin")
			}
			in, err := inputFrom(args, imageRef, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runSubmit(cmd.Context(), root, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&imageRef, "image", "", "reference of an uploaded image to check instead of text")
	return cmd
}

func inputFrom(args []string, imageRef string, stdin io.Reader) (domain.InputDescriptor, error) {
	if imageRef != "" {
		if len(args) > 0 {
			return domain.InputDescriptor{}, errors.New("pass either text or --image, not both")
		}
		in := domain.InputDescriptor{Kind: domain.InputKindImage, ImageRef: imageRef}
		return in, in.Validate()
	}
	text := strings.Join(args, " ")
	if len(args) == 0 {
		raw, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return domain.InputDescriptor{}, fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(raw), "\r\n")
	}
	in := domain.InputDescriptor{Kind: domain.InputKindText, Text: text}
	return in, in.Validate()
}

func runSubmit(parent context.Context, root *rootOptions, in domain.InputDescriptor, stdout, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, client, err := root.clientConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	finished := make(chan domain.Job, 1)
	reg := registry.New(client, cfg.Timing, registry.WithListener(func(j domain.Job) {
		// Called under the job's lock: never block here.
		fmt.Fprintln(stderr, statusLine(j))
		if j.Status.Terminal() {
			select {
			case finished <- j:
			default:
			}
		}
	}))
	defer func() {
		reg.Teardown()
		wctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = reg.Wait(wctx)
	}()

	qctx, qcancel := context.WithCancel(ctx)
	defer qcancel()
	go reg.WatchQueue(qctx, client)

	id, err := reg.Submit(in)
	if err != nil {
		return err
	}
	_ = reg.Select(id)

	var job domain.Job
	select {
	case job = <-finished:
	case <-ctx.Done():
		if err := reg.Cancel(id); err != nil && !errors.Is(err, registry.ErrUnknownJob) {
			return err
		}
		job, _ = reg.Job(id)
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		renderResult(stdout, job.Result, root.renderer())
		return nil
	case domain.JobStatusCancelled:
		return errors.New("check cancelled")
	case domain.JobStatusTimedOut:
		return fmt.Errorf("check timed out: %s", job.Error)
	default:
		return fmt.Errorf("check failed: %s", job.Error)
	}
}

func stdinIsPipe() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice == 0
}
