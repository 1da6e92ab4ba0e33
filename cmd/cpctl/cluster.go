package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
)

func handleCluster(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usage(`Usage:
  cpctl cluster create --name <name> --tier <tier>
  cpctl cluster list
  cpctl cluster get <cluster-id>
  cpctl cluster rotate-key <cluster-id>
  cpctl cluster delete <cluster-id>`)
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("cluster create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var name, tier string
		fs.StringVar(&name, "name", "", "cluster name (required)")
		fs.StringVar(&tier, "tier", "", "cluster tier (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if name == "" || tier == "" {
			return usage("--name and --tier are required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/clusters", map[string]string{
			"name": name, "tier": tier,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		if len(args) < 2 {
			return usage("cluster id required")
		}
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "rotate-key":
		if len(args) < 2 {
			return usage("cluster id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/clusters/"+args[1]+"/rotate-key", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "delete":
		if len(args) < 2 {
			return usage("cluster id required")
		}
		_, err := client.request(ctx, http.MethodDelete, "/api/v1/clusters/"+args[1], nil)
		return err
	default:
		return usage(fmt.Sprintf("unknown cluster subcommand %q", args[0]))
	}
	return nil
}
