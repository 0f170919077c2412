package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"starmesh/internal/admin"
	"starmesh/internal/daemon"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runQuery(args[1:], stdout, stderr, "/healthz")
	case "peers":
		return runQuery(args[1:], stdout, stderr, "/peers")
	case "policy":
		return runQuery(args[1:], stdout, stderr, "/policy")
	case "netsplit":
		return runQuery(args[1:], stdout, stderr, "/netsplit")
	case "snapshot":
		return runQuery(args[1:], stdout, stderr, "/snapshot")
	case "reload":
		return runReload(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: starmesh-node <run|status|peers|policy|netsplit|snapshot|reload> [args]")
	fmt.Fprintln(w, "  run      --shard <name> [--nick n] [--listen host:port] [--seeds a,b] [--policy file] [--data dir] [--admin host:port] [--debug]")
	fmt.Fprintln(w, "  status   [--admin host:port]")
	fmt.Fprintln(w, "  peers    [--admin host:port]")
	fmt.Fprintln(w, "  policy   [--admin host:port]")
	fmt.Fprintln(w, "  netsplit [--admin host:port]")
	fmt.Fprintln(w, "  snapshot [--admin host:port]")
	fmt.Fprintln(w, "  reload   [--admin host:port]   re-read the policy file")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".starmesh")
}

const defaultAdminAddr = "127.0.0.1:7780"

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	shard := fs.String("shard", "", "shard name (required)")
	nick := fs.String("nick", "", "player nickname")
	listen := fs.String("listen", "0.0.0.0:7777", "UDP listen addr (host:port)")
	seeds := fs.String("seeds", "", "comma-separated seed addrs")
	policyPath := fs.String("policy", "", "policy file (JSON)")
	dataDir := fs.String("data", homeDir(), "data directory (secret, peer book)")
	adminAddr := fs.String("admin", defaultAdminAddr, "admin HTTP listen addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *shard == "" {
		fmt.Fprintln(stderr, "missing --shard")
		return 1
	}

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	host, port := splitListen(*listen)
	runner, err := daemon.NewRunner(daemon.Options{
		SecretHex:      os.Getenv("STARMESH_SECRET"),
		Shard:          *shard,
		Nick:           *nick,
		ListenHost:     host,
		ListenPort:     port,
		Seeds:          splitSeeds(*seeds),
		PolicyPath:     *policyPath,
		OperatorSecret: os.Getenv("STARMESH_SHARD_SECRET"),
		DataDir:        *dataDir,
		Log:            log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY sender=%s shard=%s listen_port=%d admin=%s\n",
		runner.ID.SenderID, *shard, runner.ListenPort(), *adminAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return admin.NewServer(*adminAddr, runner, log).Run(ctx) })
	if err := g.Wait(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitListen(addr string) (string, int) {
	host := addr
	port := 0
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
		fmt.Sscanf(addr[i+1:], "%d", &port)
	}
	return host, port
}

func splitSeeds(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, seed := range strings.Split(s, ",") {
		seed = strings.TrimSpace(seed)
		if seed != "" {
			out = append(out, seed)
		}
	}
	return out
}

// runReload asks the running node to re-read its policy file.
func runReload(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	adminAddr := fs.String("admin", defaultAdminAddr, "admin HTTP addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Post("http://"+*adminAddr+"/policy/reload", "application/json", nil)
	if err != nil {
		fmt.Fprintf(stderr, "node unavailable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Fprintf(stderr, "bad response: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runQuery hits the local admin API and pretty-prints the JSON response.
func runQuery(args []string, stdout, stderr io.Writer, path string) int {
	fs := flag.NewFlagSet(path, flag.ContinueOnError)
	fs.SetOutput(stderr)
	adminAddr := fs.String("admin", defaultAdminAddr, "admin HTTP addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + *adminAddr + path)
	if err != nil {
		fmt.Fprintf(stderr, "node unavailable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Fprintf(stderr, "bad response: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(stdout, string(out))
	return 0
}
