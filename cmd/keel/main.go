// keel is the OS process subsystem of the Drossel runtime, runnable
// standalone: spawn sandboxed children, run worker pools, manage the spawn
// policy, and serve the inspection API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/drossel-lang/keel/internal/abi"
	"github.com/drossel-lang/keel/internal/api"
	"github.com/drossel-lang/keel/internal/events"
	"github.com/drossel-lang/keel/internal/ledger"
	"github.com/drossel-lang/keel/internal/lock"
	"github.com/drossel-lang/keel/internal/log"
	"github.com/drossel-lang/keel/internal/policy"
	"github.com/drossel-lang/keel/internal/pool"
	"github.com/drossel-lang/keel/internal/proc"
	"github.com/drossel-lang/keel/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runRun(args)
	case "pool":
		return runPoolNoun(args)
	case "policy":
		return runPolicyNoun(args)
	case "serve":
		return runServe(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

// loadPolicy reads the policy file, enforcing the lock manifest when one
// exists. An empty path yields the deny-everything defaults.
func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Defaults(), nil
	}
	if err := policy.Verify(path); err != nil && !errors.Is(err, policy.ErrNotLocked) {
		return nil, err
	}
	return policy.Load(path)
}

type envFlags []abi.EnvEntry

func (e *envFlags) String() string { return fmt.Sprintf("%v", []abi.EnvEntry(*e)) }

func (e *envFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("env entry %q is not KEY=VALUE", v)
	}
	*e = append(*e, abi.EnvEntry{Key: key, Value: value})
	return nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "Policy file (YAML)")
	workdir := fs.String("workdir", "", "Working directory for the child")
	stdinData := fs.String("stdin", "", "Bytes to feed the child's stdin")
	timeoutMS := fs.Uint64("timeout-ms", 0, "Runtime deadline override in milliseconds")
	maxStdout := fs.Uint64("max-stdout", 0, "Stdout byte cap override")
	maxStderr := fs.Uint64("max-stderr", 0, "Stderr byte cap override")
	logLevel := fs.String("log-level", "WARN", "Log level (DEBUG, INFO, WARN, ERROR)")
	var env envFlags
	fs.Var(&env, "env", "Environment entry KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keel run [flags] -- <exe> [args...]")
		return 1
	}
	log.Setup(*logLevel)

	pol, err := loadPolicy(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy error: %v\n", err)
		return 1
	}

	req := &abi.Request{
		Exe:  fs.Arg(0),
		Args: fs.Args()[1:],
		Env:  env,
	}
	if *workdir != "" {
		req.Workdir = *workdir
		req.HasWorkdir = true
	}
	if *stdinData != "" {
		req.Stdin = []byte(*stdinData)
		req.HasStdin = true
	}
	caps := abi.Caps{
		MaxStdoutBytes: *maxStdout,
		MaxStderrBytes: *maxStderr,
		TimeoutMillis:  *timeoutMS,
	}

	tab := proc.New(pol, proc.NewBackend())
	sup := proc.NewSupervisor(tab, 0)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sup.Start(ctx)
	defer sup.Stop()

	h, doc := tab.Spawn(req, caps)
	if doc == nil {
		doc, err = tab.Join(h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Join failed: %v\n", err)
			return 1
		}
		defer tab.Drop(h)
	}

	os.Stdout.Write(doc.Stdout)
	os.Stderr.Write(doc.Stderr)
	if !doc.Ok {
		fmt.Fprintf(os.Stderr, "keel: %s\n", doc.Err)
		return 1
	}
	return int(doc.ExitCode)
}

func runPoolNoun(args []string) int {
	if len(args) < 1 || args[0] != "map" {
		fmt.Fprintln(os.Stderr, "Usage: keel pool map [flags] -- <exe> [args...]")
		return 1
	}
	return runPoolMap(args[1:])
}

// runPoolMap reads one input per line from stdin, fans them over a worker
// pool, and prints one output per line in input order.
func runPoolMap(args []string) int {
	fs := flag.NewFlagSet("pool map", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "Policy file (YAML)")
	workers := fs.Int("workers", 4, "Worker process count")
	timeoutMS := fs.Uint64("timeout-ms", 600_000, "Per-worker runtime deadline in milliseconds")
	logLevel := fs.String("log-level", "WARN", "Log level")
	var env envFlags
	fs.Var(&env, "env", "Environment entry KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keel pool map [flags] -- <exe> [args...]")
		return 1
	}
	log.Setup(*logLevel)

	pol, err := loadPolicy(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy error: %v\n", err)
		return 1
	}

	var inputs [][]byte
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		inputs = append(inputs, line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Read stdin: %v\n", err)
		return 1
	}

	tab := proc.New(pol, proc.NewBackend())
	p, err := pool.New(tab, pool.Config{
		Exe:     fs.Arg(0),
		Args:    fs.Args()[1:],
		Env:     env,
		Workers: *workers,
		Caps:    abi.Caps{TimeoutMillis: *timeoutMS},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pool start failed: %v\n", err)
		return 1
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	outputs, err := p.Map(ctx, inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Map failed: %v\n", err)
		return 1
	}
	for _, out := range outputs {
		os.Stdout.Write(out)
		fmt.Println()
	}
	return 0
}

func runPolicyNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: keel policy <check|lock> [flags]")
		return 1
	}
	switch args[0] {
	case "check":
		return runPolicyCheck(args[1:])
	case "lock":
		return runPolicyLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown policy action: %s\n", args[0])
		return 1
	}
}

func runPolicyCheck(args []string) int {
	fs := flag.NewFlagSet("policy check", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "Policy file (YAML)")
	exe := fs.String("exe", "", "Probe: would this executable be allowed?")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *policyPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: keel policy check --policy <file> [--exe <path>]")
		return 1
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy invalid: %v\n", err)
		return 1
	}

	switch err := policy.Verify(*policyPath); {
	case err == nil:
		fmt.Println("Integrity: locked, hash matches")
	case errors.Is(err, policy.ErrNotLocked):
		fmt.Println("Integrity: not locked (run 'keel policy lock')")
	default:
		fmt.Fprintf(os.Stderr, "Integrity: %v\n", err)
		return 1
	}

	if *exe != "" {
		if d := pol.Check(&abi.Request{Exe: *exe}); d != nil {
			fmt.Printf("Probe %s: denied (%s)\n", *exe, d.Reason)
			return 1
		}
		fmt.Printf("Probe %s: allowed\n", *exe)
	}
	fmt.Println("Policy OK")
	return 0
}

func runPolicyLock(args []string) int {
	fs := flag.NewFlagSet("policy lock", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "Policy file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *policyPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: keel policy lock --policy <file>")
		return 1
	}
	if _, err := policy.Load(*policyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid policy: %v\n", err)
		return 1
	}
	m, err := policy.Lock(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s (%s)\n", *policyPath, m.Hash[:12])
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "Policy file (YAML)")
	listen := fs.String("listen", "127.0.0.1:7411", "Inspection API listen address")
	apiKey := fs.String("api-key", "", "Bearer token for the inspection API")
	dbPath := fs.String("db", "keel.db", "Run ledger database path")
	lockPath := fs.String("lock", "keel.lock", "PID lock path")
	logLevel := fs.String("log-level", "INFO", "Log level")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log.Setup(*logLevel)
	logger := log.WithComponent("serve")

	pol, err := loadPolicy(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy error: %v\n", err)
		return 1
	}

	pidLock, err := lock.Acquire(*lockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Another instance is running? %v\n", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	led, err := ledger.Open(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Open ledger: %v\n", err)
		return 1
	}
	defer led.Close()

	hub := events.NewHub(256)
	tab := proc.New(pol, proc.NewBackend())
	tab.SetNotify(makeNotifier(ctx, hub, led))

	sup := proc.NewSupervisor(tab, 0)
	sup.Start(ctx)
	defer sup.Stop()

	srv := api.New(api.Config{Listen: *listen, APIKey: *apiKey}, tab, led, hub, log.Get())
	logger.Info("keel serving", "listen", *listen, "policy", *policyPath, "db", *dbPath)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api server failed", "error", err)
		return 1
	}
	return 0
}

// makeNotifier bridges table transitions to the events hub and the ledger.
func makeNotifier(ctx context.Context, hub *events.Hub, led *ledger.Ledger) func(proc.Event) {
	logger := log.WithComponent("notifier")
	return func(ev proc.Event) {
		payload := map[string]any{
			"handle":   ev.Handle.String(),
			"spawn_id": ev.SpawnID,
			"exe":      ev.Exe,
			"mode":     ev.Mode,
			"pid":      ev.PID,
		}
		switch ev.Kind {
		case "spawned":
			hub.Publish(events.TypeSpawned, payload)
			err := led.RecordSpawn(ctx, ledger.Record{
				SpawnID:   ev.SpawnID,
				Handle:    ev.Handle.String(),
				Exe:       ev.Exe,
				Args:      ev.Args,
				Mode:      ev.Mode,
				PID:       ev.PID,
				State:     "running",
				SpawnedAt: time.Now(),
			})
			if err != nil {
				logger.Error("ledger record failed", "spawn_id", ev.SpawnID, "error", err)
			}
		case "exited", "killed", "failed":
			payload["exit_code"] = ev.ExitCode
			if ev.Kind == "failed" {
				payload["error_code"] = ev.Code.String()
			}
			hub.Publish("proc."+ev.Kind, payload)

			var exitCode *int32
			errorCode := ""
			if ev.Kind == "failed" {
				errorCode = ev.Code.String()
			} else {
				v := ev.ExitCode
				exitCode = &v
			}
			err := led.Finalize(ctx, ev.SpawnID, ev.Kind, exitCode, errorCode,
				ev.StdoutBytes, ev.StderrBytes, ev.Runtime)
			if err != nil {
				logger.Error("ledger finalize failed", "spawn_id", ev.SpawnID, "error", err)
			}
		case "dropped":
			hub.Publish(events.TypeDropped, payload)
		}
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:7411", "Inspection API base URL")
	apiKey := fs.String("key", "", "Bearer token")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("keel %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	buildTime := strings.TrimSpace(buildDate)
	if buildTime == "" || buildTime == "unknown" {
		buildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(buildTime); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`keel - sandboxed OS process subsystem of the Drossel runtime

Usage:
  keel <command> [flags]

Commands:
  run        Spawn one process under policy and wait for its result
  pool map   Fan stdin lines over a worker pool (one output line per input)
  policy     Validate (check) or authorize (lock) a policy file
  serve      Run the supervisor with the read-only inspection API
  watch      Real-time process monitor TUI against a serve instance
  version    Show version information

Examples:
  keel run --policy keel.yaml -- /usr/bin/sort -r
  echo -e "a\nb" | keel pool map --policy keel.yaml --workers 2 -- ./worker
  keel policy lock --policy keel.yaml
  keel serve --policy keel.yaml --api-key secret

Use 'keel <command> --help' for flags.
`)
}
