package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nhbrelay/cmd/internal/passphrase"
	"nhbrelay/core/types"
	"nhbrelay/crypto"
)

var cliNow = time.Now

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	return fs
}

func printError(w io.Writer, format string, args ...interface{}) int {
	fmt.Fprintf(w, "Error: "+format+"\n", args...)
	return 1
}

func runAddRemarks(client *relayClient, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("add-remarks", stderr)
	concurrency := fs.Int("concurrency", 8, "parallel submissions")
	wait := fs.Bool("wait", false, "wait for each transaction to finalise")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		return printError(stderr, "Please provide the number of remarks to queue.")
	}
	count, err := strconv.Atoi(fs.Arg(0))
	if err != nil || count <= 0 {
		return printError(stderr, "count must be a positive integer.")
	}
	if *concurrency <= 0 {
		*concurrency = 1
	}

	var completed, failed atomic.Int64
	start := cliNow()
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(*concurrency)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			call, err := types.NewCall("system", "remark", fmt.Sprintf("relay-cli remark %d", i))
			if err != nil {
				return err
			}
			resp, err := client.Submit(ctx, call, *wait)
			if err != nil {
				return fmt.Errorf("remark %d: %w", i, err)
			}
			if *wait && resp.Status == string(types.StatusFailed) {
				failed.Add(1)
				fmt.Fprintf(stderr, "remark %d failed: %s\n", i, resp.Error)
				return nil
			}
			completed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	elapsed := cliNow().Sub(start)
	done := completed.Load()
	verb := "queued"
	if *wait {
		verb = "processed"
	}
	fmt.Fprintf(stdout, "%s %d/%d remarks in %s (%.1f tx/s)\n", verb, done, count, elapsed.Round(time.Millisecond), throughput(done, elapsed))
	if n := failed.Load(); n > 0 {
		fmt.Fprintf(stdout, "%d remarks failed\n", n)
	}
	if err != nil {
		return printError(stderr, "%v", err)
	}
	return 0
}

func throughput(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}

func runSend(client *relayClient, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("send", stderr)
	wait := fs.Bool("wait", false, "wait for the transaction to finalise")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return printError(stderr, "Usage: send [--wait] <module> <method> [json-params]")
	}
	call := types.Call{Module: fs.Arg(0), Method: fs.Arg(1), Params: []json.RawMessage{}}
	if fs.NArg() == 3 {
		params, err := parseParams(fs.Arg(2))
		if err != nil {
			return printError(stderr, "%v", err)
		}
		call.Params = params
	}
	resp, err := client.Submit(context.Background(), call, *wait)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	return printJSON(stdout, stderr, resp)
}

// parseParams accepts a JSON array of params or a single JSON value.
func parseParams(raw string) ([]json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params must be valid JSON: %s", raw)
	}
	var list []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	return []json.RawMessage{json.RawMessage(raw)}, nil
}

func runQueue(client *relayClient, stdout, stderr io.Writer) int {
	resp, err := client.Queue(context.Background())
	if err != nil {
		return printError(stderr, "%v", err)
	}
	return printJSON(stdout, stderr, resp)
}

func runTransaction(client *relayClient, id string, stdout, stderr io.Writer) int {
	resp, err := client.Transaction(context.Background(), id)
	if err != nil {
		return printError(stderr, "%v", err)
	}
	return printJSON(stdout, stderr, resp)
}

func printJSON(stdout, stderr io.Writer, value interface{}) int {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return printError(stderr, "encode output: %v", err)
	}
	_, _ = stdout.Write(buf.Bytes())
	return 0
}

var keystorePassphrase = func() (string, error) {
	return passphrase.NewSource("RELAY_KEYSTORE_PASSPHRASE").
		WithPrompt("Enter passphrase for the new keystore: ").Get()
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		return printError(stderr, "Usage: generate-key [keystore-path]")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, "generate key: %v", err)
	}
	identity := key.Identity()
	if len(args) == 0 {
		fmt.Fprintf(stdout, "address: %s\n", identity.Address)
		fmt.Fprintf(stdout, "private key: 0x%x\n", key.Bytes())
		fmt.Fprintln(stdout, "Append the private key to the relay keys file to use this identity.")
		return 0
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return printError(stderr, "%v", err)
	}
	if err := crypto.SaveToKeystore(args[0], key, pass, crypto.StandardKeystore); err != nil {
		return printError(stderr, "save keystore: %v", err)
	}
	fmt.Fprintf(stdout, "address: %s\n", identity.Address)
	fmt.Fprintf(stdout, "keystore: %s\n", args[0])
	return 0
}
