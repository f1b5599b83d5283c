package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"

	"github.com/docopt/docopt-go"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/engine"
	"desync-engine/internal/policy"
)

// Build info, injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

const usage = `Desync replay.

Runs a pcap capture through the bypass engine and writes every packet the
engine passed or injected to a new pcap. Source addresses inside a --local
prefix are treated as outbound; without --local every packet is outbound.

Usage:
    desync-replay run --in=<pcap> --out=<pcap> [--config=<path>]
        [--policies=<path>] [--profile-args=<args>] [--local=<prefix>]...
        [--workers=<n>] [--inject] [--json]
    desync-replay compile --policies=<path> [--json]
    desync-replay -h | --help
    desync-replay --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --in=<pcap>             Input capture (Ethernet, raw IP or Linux cooked).
    --out=<pcap>            Output capture (raw IP).
    --config=<path>         Engine config YAML. Defaults apply when omitted.
    --policies=<path>       Flow policy document (YAML or JSON).
    --profile-args=<args>   zapret-style arguments applied on top of the profile.
    --local=<prefix>        Local network prefix, e.g. 192.168.1.0/24.
    --workers=<n>           Packet workers; flows are pinned to one worker [default: 1].
    --inject                Also send generated packets through a raw socket
                            (Linux, needs CAP_NET_RAW).
    --json                  Print results as JSON.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], fmt.Sprintf("desync-replay %s (commit=%s)", version, commit))
	if err != nil {
		fatal("%v", err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		err = runCmd(opts)
	} else if compile_, _ := opts.Bool("compile"); compile_ {
		err = compileCmd(opts)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "desync-replay: "+format+"\n", args...)
	os.Exit(1)
}

func runCmd(opts docopt.Opts) error {
	jsonOut, _ := opts.Bool("--json")
	in, _ := opts.String("--in")
	out, _ := opts.String("--out")

	workers := 1
	if s, err := opts.String("--workers"); err == nil && s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return fmt.Errorf("--workers must be a positive integer, got %q", s)
		}
		workers = n
	}

	var local []netip.Prefix
	if raw, ok := opts["--local"].([]string); ok {
		for _, s := range raw {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("--local %q: %w", s, err)
			}
			local = append(local, p)
		}
	}

	// === 1. Config ===
	bus := core.NewEventBus()
	cm, err := loadConfig(opts, bus)
	if err != nil {
		return err
	}
	cfg := cm.Get()
	core.Log = core.NewLogger(cfg.Logging)

	// === 2. Engine ===
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := engine.NewController(engine.ControllerDeps{Config: cm, Bus: bus})
	if err != nil {
		return err
	}
	if err := ctrl.Init(ctx); err != nil {
		return err
	}
	core.Log.Infof("Replay", "Profile: %s", ctrl.Bypass().Profile())

	// === 3. Replay ===
	inFile, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("[Replay] open input: %w", err)
	}
	defer inFile.Close()
	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("[Replay] create output: %w", err)
	}
	defer outFile.Close()

	ropts := ReplayOptions{Local: local, Workers: workers}
	if inject, _ := opts.Bool("--inject"); inject {
		raw, err := capture.NewRawInjector()
		if err != nil {
			return err
		}
		defer raw.Close()
		ropts.Inject = raw
	}

	stats, err := Replay(ctx, ctrl, inFile, outFile, ropts)
	if err != nil {
		return err
	}
	return printResult(stats, ctrl.Metrics().Snapshot(), jsonOut)
}

// loadConfig reads --config when given and applies the command-line overrides.
func loadConfig(opts docopt.Opts, bus *core.EventBus) (*core.ConfigManager, error) {
	path, _ := opts.String("--config")
	cm := core.NewConfigManager(path, bus)
	if path != "" {
		if err := cm.Load(); err != nil {
			return nil, err
		}
	} else {
		cm.Set(core.DefaultConfig())
	}

	cfg := cm.Get()
	if p, _ := opts.String("--policies"); p != "" {
		cfg.Policies.File = p
	}
	if a, _ := opts.String("--profile-args"); a != "" {
		cfg.ProfileArgs = a
	}
	cm.Set(cfg)
	return cm, nil
}

type runResult struct {
	Replay  ReplayStats            `json:"replay"`
	Metrics engine.MetricsSnapshot `json:"metrics"`
}

func printResult(stats ReplayStats, m engine.MetricsSnapshot, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runResult{Replay: stats, Metrics: m})
	}

	fmt.Printf("frames read:        %d (skipped %d non-IP)\n", stats.Read, stats.Skipped)
	fmt.Printf("packets written:    %d (passed %d, dropped %d)\n", stats.Written, stats.Passed, stats.Dropped)
	fmt.Printf("processed:          %d (probe %d)\n", m.PacketsProcessed, m.ProbePackets)
	fmt.Printf("client hellos:      observed %d, short %d, non-443 %d, no-SNI %d\n",
		m.ClientHellosObserved, m.ClientHellosShort, m.ClientHellosNon443, m.ClientHellosNoSNI)
	fmt.Printf("tls handled:        %d (fragmented %d, last plan %q)\n",
		m.TLSHandled, m.ClientHellosFragmented, m.LastFragmentPlan)
	fmt.Printf("rst dropped:        %d (relevant %d)\n", m.RstDropped, m.RstDroppedRelevant)
	fmt.Printf("udp/443 dropped:    %d\n", m.UDP443Dropped)
	fmt.Printf("http host split:    %d\n", m.HTTPHostSplit)
	fmt.Printf("endpoint blocked:   %d\n", m.EndpointBlocked)
	fmt.Printf("filter faults:      %d\n", m.FilterFaults)
	for id, n := range m.PolicyApplied {
		fmt.Printf("policy %-12s matched %d, applied %d\n", id, m.PolicyMatched[id], n)
	}
	return nil
}

type compileResult struct {
	Policies  int               `json:"policies"`
	Buckets   []bucketView      `json:"buckets,omitempty"`
	Conflicts []policy.Conflict `json:"conflicts,omitempty"`
}

type bucketView struct {
	Protocol string   `json:"protocol"`
	Port     uint16   `json:"port"`
	IDs      []string `json:"ids"`
}

func compileCmd(opts docopt.Opts) error {
	jsonOut, _ := opts.Bool("--json")
	path, _ := opts.String("--policies")

	res, err := CompilePolicies(path)
	if err != nil && len(res.Conflicts) == 0 {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	} else {
		fmt.Printf("%d policies\n", res.Policies)
		for _, b := range res.Buckets {
			fmt.Printf("  %s/%d: %v\n", b.Protocol, b.Port, b.IDs)
		}
		for _, c := range res.Conflicts {
			fmt.Printf("  conflict: %s\n", c)
		}
	}
	return err
}

// CompilePolicies loads and compiles a policy document. On conflicts the
// result lists them and the compile error is returned alongside.
func CompilePolicies(path string) (compileResult, error) {
	ps, err := policy.LoadDocuments(path)
	if err != nil {
		return compileResult{}, err
	}
	res := compileResult{Policies: len(ps)}

	snap, err := policy.Compile(ps)
	if err != nil {
		var ce *policy.CompileError
		if errors.As(err, &ce) {
			res.Conflicts = ce.Conflicts
		}
		return res, err
	}
	for _, b := range snap.Buckets() {
		res.Buckets = append(res.Buckets, bucketView{Protocol: b.Protocol.String(), Port: b.Port, IDs: b.IDs})
	}
	return res, nil
}
