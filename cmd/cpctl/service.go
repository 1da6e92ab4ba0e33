package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
)

// servicePortRange mirrors internal/app/domain/service.PortRange's field
// names so the JSON this CLI sends matches the wire shape serviceRequest
// expects (internal/app/httpapi/handlers_service.go).
type servicePortRange struct {
	Low  int
	High int
}

func handleService(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usage(`Usage:
  cpctl service create --cluster <id> --name <name> --address <addr> --protocol <proto> --port <port>
  cpctl service list --cluster <id>
  cpctl service get --cluster <id> <service-id>
  cpctl service update --cluster <id> --version <n> --name <name> --address <addr> --protocol <proto> --port <port> <service-id>
  cpctl service delete --cluster <id> [--cascade] <service-id>`)
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("service create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID, name, address, protocol string
		var port int
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		fs.StringVar(&name, "name", "", "service name (required)")
		fs.StringVar(&address, "address", "", "backend address (required)")
		fs.StringVar(&protocol, "protocol", "tcp", "transport protocol")
		fs.IntVar(&port, "port", 0, "port number (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if clusterID == "" || name == "" || address == "" || port == 0 {
			return usage("--cluster, --name, --address and --port are required")
		}
		payload := map[string]interface{}{
			"name":     name,
			"address":  address,
			"protocol": protocol,
			"ports":    []servicePortRange{{Low: port, High: port}},
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/clusters/"+clusterID+"/services", payload)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "list":
		fs := flag.NewFlagSet("service list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if clusterID == "" {
			return usage("--cluster is required")
		}
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters/"+clusterID+"/services", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		fs := flag.NewFlagSet("service get", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if clusterID == "" || len(rest) < 1 {
			return usage("--cluster and a service id are required")
		}
		data, err := client.request(ctx, http.MethodGet, "/api/v1/clusters/"+clusterID+"/services/"+rest[0], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "update":
		fs := flag.NewFlagSet("service update", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID, name, address, protocol string
		var port, version int
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		fs.StringVar(&name, "name", "", "service name (required)")
		fs.StringVar(&address, "address", "", "backend address (required)")
		fs.StringVar(&protocol, "protocol", "tcp", "transport protocol")
		fs.IntVar(&port, "port", 0, "port number (required)")
		fs.IntVar(&version, "version", 0, "expected current version, for optimistic concurrency (required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if clusterID == "" || name == "" || address == "" || port == 0 || version == 0 || len(rest) < 1 {
			return usage("--cluster, --name, --address, --port, --version and a service id are required")
		}
		payload := map[string]interface{}{
			"name":     name,
			"address":  address,
			"protocol": protocol,
			"ports":    []servicePortRange{{Low: port, High: port}},
			"version":  version,
		}
		data, err := client.request(ctx, http.MethodPut, "/api/v1/clusters/"+clusterID+"/services/"+rest[0], payload)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "delete":
		fs := flag.NewFlagSet("service delete", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var clusterID string
		var cascade bool
		fs.StringVar(&clusterID, "cluster", "", "cluster id (required)")
		fs.BoolVar(&cascade, "cascade", false, "also delete dependent mappings")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if clusterID == "" || len(rest) < 1 {
			return usage("--cluster and a service id are required")
		}
		path := "/api/v1/clusters/" + clusterID + "/services/" + rest[0]
		if cascade {
			path += "?cascade=true"
		}
		_, err := client.request(ctx, http.MethodDelete, path, nil)
		return err
	default:
		return usage(fmt.Sprintf("unknown service subcommand %q", args[0]))
	}
	return nil
}
