package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
)

func handleProxy(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usage(`Usage:
  cpctl proxy list --cluster <id>
  cpctl proxy revoke --cluster <id> <proxy-id>`)
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("proxy list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if clusterID == "" {
			return usage("--cluster is required")
		}
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters/"+clusterID+"/proxies", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "revoke":
		fs := flag.NewFlagSet("proxy revoke", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if clusterID == "" || len(rest) < 1 {
			return usage("--cluster and a proxy id are required")
		}
		_, err := client.request(ctx, http.MethodPost, "/api/v1/clusters/"+clusterID+"/proxies/"+rest[0]+"/revoke", nil)
		return err
	default:
		return usage(fmt.Sprintf("unknown proxy subcommand %q", args[0]))
	}
	return nil
}
