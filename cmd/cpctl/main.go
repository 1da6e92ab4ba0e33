// Command cpctl is the operator CLI (spec.md §6): a thin REST client over
// the control plane's /api/v1 surface, grounded on the teacher's own
// cmd/slctl layout (one file per resource group, a shared apiClient, a
// root dispatcher over a flag.FlagSet per subcommand).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	defaultAddr := getenv("CPCTL_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("CPCTL_TOKEN")

	root := flag.NewFlagSet("cpctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "control plane base URL (env CPCTL_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token (env CPCTL_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		printUsage()
		return 2
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		printUsage()
		return 2
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	var err error
	switch remaining[0] {
	case "cluster":
		err = handleCluster(ctx, client, remaining[1:])
	case "service":
		err = handleService(ctx, client, remaining[1:])
	case "proxy":
		err = handleProxy(ctx, client, remaining[1:])
	case "cert":
		err = handleCert(ctx, client, remaining[1:])
	case "user":
		err = handleUser(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", remaining[0])
		printUsage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			return 2
		}
		return exitCode(err)
	}
	return 0
}

// usageError signals a malformed invocation (missing required flag or
// argument), distinct from a failed API call, so run can return exit code
// 2 rather than mapping it through exitCode.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usage(msg string) error { return &usageError{msg: msg} }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`cpctl — control plane operator CLI

Usage:
  cpctl [global flags] <command> <subcommand> [flags]

Global flags:
  --addr     control plane base URL (env CPCTL_ADDR, default http://localhost:8080)
  --token    bearer token (env CPCTL_TOKEN)
  --timeout  HTTP request timeout (default 15s)

Commands:
  cluster  {create|list|get|rotate-key|delete}
  service  {create|list|get|update|delete} --cluster=<id>
  proxy    {list|revoke} --cluster=<id>
  cert     {list|revoke|rotate-ca} --cluster=<id>
  user     {create|update-role|lock|unlock}

Exit codes: 0 success, 1 generic failure, 2 usage, 3 auth, 4 not found, 5 conflict, 6 license.`)
}
