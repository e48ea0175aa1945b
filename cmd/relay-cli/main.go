package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

type globalOptions struct {
	endpoint string
	token    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	client := newRelayClient(opts.endpoint, opts.token)
	switch args[0] {
	case "add-remarks":
		return runAddRemarks(client, args[1:], stdout, stderr)
	case "send":
		return runSend(client, args[1:], stdout, stderr)
	case "queue":
		return runQueue(client, stdout, stderr)
	case "tx":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Error: Please provide a transaction id.")
			return 1
		}
		return runTransaction(client, args[1], stdout, stderr)
	case "generate-key":
		return runGenerateKey(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRelayEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RELAY_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:3000"
}

// applyGlobalFlags strips --url and --token from anywhere in args.
func applyGlobalFlags(args []string) (globalOptions, []string, error) {
	opts := globalOptions{endpoint: defaultRelayEndpoint(), token: os.Getenv("RELAY_TOKEN")}
	targets := map[string]*string{"url": &opts.endpoint, "token": &opts.token}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		target, ok := targets[name]
		if !ok || !strings.HasPrefix(arg, "--") {
			out = append(out, arg)
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for --%s", name)
			}
			i++
			value = args[i]
		}
		*target = value
	}
	opts.endpoint = strings.TrimRight(opts.endpoint, "/")
	return opts, out, nil
}

func usage() string {
	return `Usage: relay-cli [--url <relay>] [--token <jwt>] <command> [arguments]

Commands:
  add-remarks [--concurrency N] [--wait] <count>   Queue <count> system.remark calls and report throughput
  send [--wait] <module> <method> [json-params]    Queue a single call; params is a JSON array or value
  queue                                            Show the pending dispatch queue
  tx <id>                                          Show the status of a transaction
  generate-key [keystore-path]                     Create a relay identity; writes a keystore when a path is given

Environment:
  RELAY_URL                    default relay endpoint (http://127.0.0.1:3000)
  RELAY_TOKEN                  bearer token sent with every request
  RELAY_KEYSTORE_PASSPHRASE    passphrase used by generate-key`
}
