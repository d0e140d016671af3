// File: cmd/fetch.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/h2reactor/internal/observability"
	"github.com/xkilldash9x/h2reactor/pkg/customhttp"
)

// fetchResult is the outcome of one request, as printed by fetch.
type fetchResult struct {
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	Pushed   bool                `json:"pushed,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Proto    string              `json:"proto,omitempty"`
	Header   map[string][]string `json:"header,omitempty"`
	Trailer  map[string][]string `json:"trailer,omitempty"`
	Body     string              `json:"body,omitempty"`
	Bytes    int                 `json:"bytes"`
	Duration string              `json:"duration"`
	Error    string              `json:"error,omitempty"`
}

type fetchOptions struct {
	method     string
	headers    []string
	data       string
	decompress bool
}

// pushCollector records pushed responses. AcceptAllPushes calls add from
// library goroutines.
type pushCollector struct {
	mu      sync.Mutex
	results []fetchResult
}

func (p *pushCollector) add(pr customhttp.PushedResponse) {
	r := fetchResult{Method: pr.Promise.Method, URL: pr.Promise.URL, Pushed: true, Duration: "0s"}
	if pr.Err != nil {
		r.Error = pr.Err.Error()
	} else {
		r.Status = pr.Response.StatusCode
		r.Proto = pr.Response.Proto
		r.Header = pr.Response.Header
		r.Body = string(pr.Response.Body)
		r.Bytes = len(pr.Response.Body)
	}
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

func (p *pushCollector) snapshot() []fetchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fetchResult(nil), p.results...)
}

func newFetchCmd(v *viper.Viper) *cobra.Command {
	var opts fetchOptions

	fetchCmd := &cobra.Command{
		Use:   "fetch [urls...]",
		Short: "Fetch URLs concurrently over shared HTTP/2 connections",
		Long: `Sends one request per URL. Requests to the same origin are multiplexed
onto one connection. Server pushes are accepted and reported when --push is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}

	flags := fetchCmd.Flags()
	flags.StringVarP(&opts.method, "method", "X", http.MethodGet, "request method")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	flags.StringVarP(&opts.data, "data", "d", "", "request body")
	flags.IntP("concurrency", "n", 0, "requests in flight at once")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.Bool("push", false, "accept server pushes")
	flags.Bool("decompress", false, "decode Content-Encoding of response bodies")
	flags.StringP("output", "o", "", "output format: text or json")
	flags.Duration("timeout", 0, "per-request timeout")

	// Flags take precedence over the config file and environment.
	for key, name := range map[string]string{
		"fetch.concurrency":           "concurrency",
		"client.insecure_skip_verify": "insecure",
		"client.h2.enable_push":       "push",
		"fetch.decompress":            "decompress",
		"fetch.output":                "output",
		"client.request_timeout":      "timeout",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return fetchCmd
}

func runFetch(cmd *cobra.Command, targets []string, opts fetchOptions) error {
	ctx := cmd.Context()
	cfg := configFrom(cmd)
	logger := observability.GetLogger().Named("fetch")
	opts.decompress = cfg.Fetch().Decompress

	var pushes pushCollector
	clientCfg := newClientConfig(cfg.Client())
	if cfg.Client().H2.EnablePush {
		clientCfg.PushPromiseHandler = customhttp.AcceptAllPushes(pushes.add)
	}
	client, err := customhttp.NewClient(clientCfg, logger)
	if err != nil {
		return err
	}

	results := make([]fetchResult, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(cfg.Fetch().Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = fetchOne(ctx, client, target, opts)
			return nil
		})
	}
	_ = g.Wait()

	// Pushed streams finish before the loop exits.
	client.Shutdown()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.AwaitTermination(waitCtx); err != nil {
		logger.Warn("Client did not terminate cleanly", zap.Error(err))
		client.ShutdownNow()
	}

	results = append(results, pushes.snapshot()...)
	if err := writeResults(cmd.OutOrStdout(), cfg.Fetch().Output, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(results))
	}
	return nil
}

func fetchOne(ctx context.Context, client *customhttp.Client, target string, opts fetchOptions) (result fetchResult) {
	start := time.Now()
	result = fetchResult{Method: strings.ToUpper(opts.method), URL: target}
	defer func() { result.Duration = time.Since(start).Round(time.Millisecond).String() }()

	req, err := buildRequest(target, opts)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	var resp *customhttp.Response[[]byte]
	if opts.decompress {
		resp, err = customhttp.Send(ctx, client, req, customhttp.BodyHandlers.OfDecompressedBytes())
	} else {
		resp, err = client.Do(ctx, req)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Status = resp.StatusCode
	result.Proto = resp.Proto
	result.Header = resp.Header
	result.Body = string(resp.Body)
	result.Bytes = len(resp.Body)
	if tf := resp.Trailers(); tf != nil {
		if trailers, err := tf.Get(ctx); err == nil && len(trailers) > 0 {
			result.Trailer = trailers
		}
	}
	return result
}

func buildRequest(target string, opts fetchOptions) (*customhttp.Request, error) {
	var body customhttp.BodyPublisher
	if opts.data != "" {
		body = customhttp.BodyPublishers.OfString(opts.data)
	}
	req, err := customhttp.NewRequest(opts.method, target, body)
	if err != nil {
		return nil, err
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if opts.decompress && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	return req, nil
}

func writeResults(w io.Writer, format string, results []fetchResult) error {
	if format == "json" {
		out, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	for _, r := range results {
		label := r.Method + " " + r.URL
		if r.Pushed {
			label = "PUSH " + label
		}
		if r.Error != "" {
			fmt.Fprintf(w, "%s: error: %s\n", label, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %d %s (%d bytes, %s)\n", label, r.Status, r.Proto, r.Bytes, r.Duration)
		if r.Body != "" {
			fmt.Fprintln(w, r.Body)
		}
	}
	return nil
}
