package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// cliRoleAssignment mirrors internal/app/domain/user.RoleAssignment's field
// names for wire compatibility with createUserRequest/setRolesRequest.
type cliRoleAssignment struct {
	ClusterID string
	Role      string
}

// roleFlags collects repeated --role name[:cluster-id] flags; an omitted
// cluster id assigns the role globally, matching RoleAssignment's own
// empty-ClusterID-means-global convention.
type roleFlags []cliRoleAssignment

func (r *roleFlags) String() string { return fmt.Sprint(*r) }

func (r *roleFlags) Set(value string) error {
	parts := strings.SplitN(value, ":", 2)
	ra := cliRoleAssignment{Role: parts[0]}
	if len(parts) == 2 {
		ra.ClusterID = parts[1]
	}
	*r = append(*r, ra)
	return nil
}

func handleUser(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		return usage(`Usage:
  cpctl user create --login <login> --password <password> --role <role[:cluster-id]> [--role ...]
  cpctl user update-role <user-id> --role <role[:cluster-id]> [--role ...]
  cpctl user lock <user-id>
  cpctl user unlock <user-id>`)
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("user create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var login, password string
		var roles roleFlags
		fs.StringVar(&login, "login", "", "operator login (required)")
		fs.StringVar(&password, "password", "", "operator password (required)")
		fs.Var(&roles, "role", "role assignment, role[:cluster-id] (repeatable, required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		if login == "" || password == "" || len(roles) == 0 {
			return usage("--login, --password and at least one --role are required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/users", map[string]interface{}{
			"login": login, "password": password, "roles": roles,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "update-role":
		fs := flag.NewFlagSet("user update-role", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var roles roleFlags
		fs.Var(&roles, "role", "role assignment, role[:cluster-id] (repeatable, required)")
		if err := fs.Parse(args[1:]); err != nil {
			return usage(err.Error())
		}
		rest := fs.Args()
		if len(rest) < 1 || len(roles) == 0 {
			return usage("a user id and at least one --role are required")
		}
		data, err := client.request(ctx, http.MethodPut, "/api/v1/users/"+rest[0]+"/roles", map[string]interface{}{
			"roles": roles,
		})
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "lock":
		if len(args) < 2 {
			return usage("user id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/users/"+args[1]+"/lock", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "unlock":
		if len(args) < 2 {
			return usage("user id required")
		}
		data, err := client.request(ctx, http.MethodPost, "/api/v1/users/"+args[1]+"/unlock", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return usage(fmt.Sprintf("unknown user subcommand %q", args[0]))
	}
	return nil
}
