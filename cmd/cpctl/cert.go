package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
)

func handleCert(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usage(`Usage:
  cpctl cert list --cluster <id>
  cpctl cert revoke --cluster <id> [--reason <text>] <cert-id>
  cpctl cert rotate-ca --cluster <id>`)
	}

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("cert list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if clusterID == "" {
			return usage("--cluster is required")
		}
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters/"+clusterID+"/certs", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "revoke":
		fs := flag.NewFlagSet("cert revoke", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID, reason string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		fs.StringVar(&reason, "reason", "", "revocation reason")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if clusterID == "" || len(rest) < 1 {
			return usage("--cluster and a cert id are required")
		}
		var payload interface{}
		if reason != "" {
			payload = map[string]string{"reason": reason}
		}
		_, err := client.request(ctx, http.MethodPost, "/api/v1/clusters/"+clusterID+"/certs/"+rest[0]+"/revoke", payload)
		return err
	case "rotate-ca":
		fs := flag.NewFlagSet("cert rotate-ca", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if clusterID == "" {
			return usage("--cluster is required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/clusters/"+clusterID+"/ca/rotate", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return usage(fmt.Sprintf("unknown cert subcommand %q", args[0]))
	}
	return nil
}
