// Command printframectl drives a batch on the pipeline service: dispatch it,
// read its status once, or watch it until every image has settled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"printframe/internal/servicetoken"
	"printframe/pkg/domain"
	"printframe/pkg/statuspoller"
)

const (
	exitOK      = 0
	exitErr     = 1
	exitTimeout = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	addr     string
	token    string
	interval time.Duration
	timeout  time.Duration
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("printframectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.addr, "addr", envOr("PRINTFRAME_ADDR", "http://localhost:8090"), "pipeline service base URL")
	fs.StringVar(&opts.token, "token", os.Getenv("PRINTFRAME_TOKEN"), "bearer token (minted from PRINTFRAME_JWT_SECRET when empty)")
	fs.DurationVar(&opts.interval, "interval", statuspoller.DefaultInterval, "watch polling interval")
	fs.DurationVar(&opts.timeout, "timeout", statuspoller.DefaultTimeout, "watch budget")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: printframectl [flags] dispatch|status|watch <batch-id>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitErr
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return exitErr
	}
	cmd, batchID := fs.Arg(0), strings.TrimSpace(fs.Arg(1))
	if batchID == "" {
		fmt.Fprintln(stderr, "batch id required")
		return exitErr
	}
	token, err := resolveToken(opts.token)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return exitErr
	}
	client := statuspoller.NewHTTPFetcher(opts.addr, token)

	switch cmd {
	case "dispatch":
		res, err := client.Dispatch(ctx, batchID)
		if err != nil {
			fmt.Fprintf(stderr, "dispatch: %v\n", err)
			return exitErr
		}
		printJSON(stdout, res)
		if !res.Success {
			return exitErr
		}
		return exitOK
	case "status":
		agg, err := client.FetchStatus(ctx, batchID)
		if err != nil {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return exitErr
		}
		printJSON(stdout, agg)
		return exitOK
	case "watch":
		return watch(ctx, client, batchID, opts, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitErr
	}
}

func watch(ctx context.Context, fetcher statuspoller.Fetcher, batchID string, opts options, stdout, stderr io.Writer) int {
	code := exitErr
	p := statuspoller.New(fetcher, statuspoller.Config{
		BatchID:  batchID,
		Interval: opts.interval,
		Timeout:  opts.timeout,
		OnUpdate: func(agg domain.AggregateStatus) {
			fmt.Fprintf(stdout, "%3d%%  total=%d pending=%d processing=%d completed=%d failed=%d\n",
				agg.Progress, agg.Total, agg.Pending, agg.Processing, agg.Completed, agg.Failed)
		},
		OnComplete: func(agg domain.AggregateStatus) {
			code = exitOK
			fmt.Fprintf(stdout, "batch %s complete: %d completed, %d failed\n", batchID, agg.Completed, agg.Failed)
		},
		OnTimeout: func() {
			code = exitTimeout
			fmt.Fprintf(stderr, "batch %s still running after %s\n", batchID, opts.timeout)
		},
		OnError: func(err error) {
			fmt.Fprintf(stderr, "poll: %v\n", err)
		},
	})
	p.Start()
	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Stop()
		<-p.Done()
	}
	return code
}

// resolveToken returns the explicit token, or mints a short-lived one when a
// shared secret is available in the environment.
func resolveToken(token string) (string, error) {
	if strings.TrimSpace(token) != "" {
		return token, nil
	}
	secret := os.Getenv("PRINTFRAME_JWT_SECRET")
	if secret == "" {
		return "", nil
	}
	m, err := servicetoken.NewManager(servicetoken.Options{
		Secret: secret,
		Issuer: os.Getenv("PRINTFRAME_JWT_ISSUER"),
	})
	if err != nil {
		return "", err
	}
	return m.Issue("printframectl")
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
