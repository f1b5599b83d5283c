package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/desync"
	"desync-engine/internal/dpi"
	"desync-engine/internal/flow"
	"desync-engine/internal/policy"
)

// Controller owns the engine: it builds the profile and gates from config,
// keeps the policy snapshot in sync with the policy file and the runtime
// store, and runs the filter chain and the state sweepers.
type Controller struct {
	cfg   *core.ConfigManager
	bus   *core.EventBus
	gates Gates

	holder       *policy.Holder
	store        *policy.Store
	filePolicies []policy.FlowPolicy

	conns    *flow.ConnTable
	httpKeys *flow.KeySet
	probes   *flow.ProbeRegistry
	metrics  *Metrics
	exec     *desync.Executor
	chain    *Chain
	now      func() time.Time

	mu       sync.Mutex
	bypass   *Bypass
	blocks   []*EndpointBlock
	stateTTL time.Duration
	sweepInt time.Duration
}

// ControllerDeps holds what NewController needs.
type ControllerDeps struct {
	Config *core.ConfigManager
	Bus    *core.EventBus
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewController builds the engine from the current configuration. Call Init
// to load policies and start the background sweepers.
func NewController(deps ControllerDeps) (*Controller, error) {
	if deps.Config == nil {
		return nil, errors.New("[Engine] controller needs a config manager")
	}
	if deps.Bus == nil {
		deps.Bus = core.NewEventBus()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg := deps.Config.Get()

	metrics := NewMetrics()
	c := &Controller{
		cfg:      deps.Config,
		bus:      deps.Bus,
		gates:    GatesFromConfig(cfg.Gates),
		holder:   policy.NewHolder(deps.Bus),
		conns:    flow.NewConnTable(cfg.State.ConnStateMax),
		httpKeys: flow.NewKeySet(),
		probes:   flow.NewProbeRegistry(),
		metrics:  metrics,
		exec:     desync.NewExecutor(),
		chain:    NewChain(metrics),
		now:      deps.Now,
		stateTTL: core.ParseDurationOr(cfg.State.ConnStateTTL, flow.DefaultConnStateTTL),
		sweepInt: core.ParseDurationOr(cfg.State.SweepInterval, flow.DefaultSweepInterval),
	}
	if cfg.Policies.StorePath != "" {
		c.store = policy.NewStore(cfg.Policies.StorePath, deps.Bus)
	}

	profile, err := BuildProfile(cfg)
	if err != nil {
		return nil, err
	}
	c.installBypass(profile)
	c.SetUDP443Targets(parseTargets(cfg.UDP443Targets))

	for _, bc := range cfg.EndpointBlocks {
		if err := c.AddEndpointBlock(bc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BuildProfile converts the profile section, then applies ProfileArgs on top.
func BuildProfile(cfg core.Config) (dpi.Profile, error) {
	p, err := dpi.ProfileFromConfig(cfg.Profile)
	if err != nil {
		return dpi.Profile{}, err
	}
	if cfg.ProfileArgs != "" {
		p, err = dpi.ParseProfileArgs(cfg.ProfileArgs, p)
		if err != nil {
			return dpi.Profile{}, fmt.Errorf("[Engine] profile_args: %w", err)
		}
	}
	return p, nil
}

func parseTargets(entries []string) []netip.Addr {
	return lo.FilterMap(entries, func(s string, _ int) (netip.Addr, bool) {
		a, err := netip.ParseAddr(s)
		if err != nil {
			core.Log.Warnf("Engine", "Ignoring UDP/443 target %q: %v", s, err)
			return netip.Addr{}, false
		}
		return a, true
	})
}

// Init loads the policy file and the store, installs the first snapshot,
// subscribes to policy and config changes and starts the sweepers.
func (c *Controller) Init(ctx context.Context) error {
	cfg := c.cfg.Get()

	if cfg.Policies.File != "" {
		ps, err := policy.LoadDocuments(cfg.Policies.File)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.filePolicies = ps
		c.mu.Unlock()
		core.Log.Infof("Engine", "Loaded %d policies from %s", len(ps), cfg.Policies.File)
	}

	c.bus.Subscribe(core.EventPolicySetChanged, func(core.Event) {
		if err := c.Reinstall(); err != nil {
			core.Log.Warnf("Engine", "Policy reinstall: %v", err)
		}
	})
	c.bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		if err := c.reloadConfig(); err != nil {
			core.Log.Errorf("Engine", "Config reload: %v", err)
		}
	})

	if c.store != nil {
		if err := c.store.Load(); err != nil {
			core.Log.Warnf("Engine", "Policy store load failed: %v", err)
		}
	}
	if err := c.Reinstall(); err != nil {
		// Legacy paths stay active; the error is already logged by the holder.
		core.Log.Warnf("Engine", "Starting without policy snapshot")
	}

	c.conns.StartSweeper(ctx, c.sweepInt, c.stateTTL)
	go c.sweepLoop(ctx)
	return nil
}

// Reinstall compiles the file policies plus the store policies and swaps the
// snapshot in. On failure the snapshot is cleared.
func (c *Controller) Reinstall() error {
	c.mu.Lock()
	ps := slices.Clone(c.filePolicies)
	c.mu.Unlock()
	if c.store != nil {
		ps = append(ps, c.store.Policies()...)
	}
	return c.holder.Install(ps)
}

func (c *Controller) reloadConfig() error {
	cfg := c.cfg.Get()
	if g, ok := c.gates.(*StaticGates); ok && cfg.Gates.Source != core.GateSourceEnv {
		g.Apply(cfg.Gates)
	}
	profile, err := BuildProfile(cfg)
	if err != nil {
		return err
	}
	c.installBypass(profile)
	c.SetUDP443Targets(append(c.Bypass().UDP443Targets(), parseTargets(cfg.UDP443Targets)...))
	core.Log.Infof("Engine", "Profile reloaded: %s", profile)
	return nil
}

// installBypass replaces the bypass filter. Connection state, probes and
// counters carry over.
func (c *Controller) installBypass(profile dpi.Profile) {
	b := NewBypass(BypassConfig{
		Profile:  profile,
		Gates:    c.gates,
		Holder:   c.holder,
		Conns:    c.conns,
		HTTPKeys: c.httpKeys,
		Probes:   c.probes,
		Metrics:  c.metrics,
		Executor: c.exec,
		Now:      c.now,
	})

	c.mu.Lock()
	old := c.bypass
	c.bypass = b
	c.mu.Unlock()

	if old != nil {
		b.SetUDP443Targets(old.UDP443Targets())
	}
	c.chain.Replace(b)
}

// AddEndpointBlock installs a temporary block filter. Names must be unique
// across the chain; an unnamed block gets a generated one.
func (c *Controller) AddEndpointBlock(cfg core.EndpointBlockConfig) error {
	eb, err := NewEndpointBlock(cfg, c.gates, c.metrics, c.now)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.ContainsFunc(c.chain.Filters(), func(f Filter) bool { return f.Name() == eb.Name() }) {
		return fmt.Errorf("[Engine] endpoint block %q: name already registered", eb.Name())
	}
	c.blocks = append(c.blocks, eb)
	c.chain.Register(eb)
	return nil
}

// SetUDP443Targets replaces the QUIC drop allowlist and announces it.
func (c *Controller) SetUDP443Targets(addrs []netip.Addr) {
	b := c.Bypass()
	b.SetUDP443Targets(addrs)
	c.bus.Publish(core.Event{Type: core.EventUDP443TargetsChanged, Payload: b.UDP443Targets()})
}

// RegisterProbeFlow marks key as a probe flow for ttl.
func (c *Controller) RegisterProbeFlow(key flow.ConnectionKey, ttl time.Duration) {
	c.probes.Register(key, ttl, c.now())
}

// Process runs pkt through the filter chain.
func (c *Controller) Process(pkt *capture.Packet, s capture.Sender) Verdict {
	return c.chain.Process(pkt, s)
}

func (c *Controller) Bypass() *Bypass {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bypass
}

func (c *Controller) Chain() *Chain               { return c.chain }
func (c *Controller) Metrics() *Metrics           { return c.metrics }
func (c *Controller) Holder() *policy.Holder      { return c.holder }
func (c *Controller) Gates() Gates                { return c.gates }
func (c *Controller) Conns() *flow.ConnTable      { return c.conns }
func (c *Controller) Probes() *flow.ProbeRegistry { return c.probes }

// Store returns the runtime policy store, or nil when persistence is off.
func (c *Controller) Store() *policy.Store { return c.store }

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// Sweep forgets idle HTTP split markers, prunes expired store policies and
// unregisters endpoint blocks whose TTL ran out.
func (c *Controller) Sweep(now time.Time) {
	if n := c.httpKeys.Sweep(now, c.stateTTL); n > 0 {
		core.Log.Debugf("Engine", "HTTP split sweep: removed %d keys", n)
	}
	if c.store != nil {
		if n, err := c.store.PruneExpired(now); err != nil {
			core.Log.Warnf("Engine", "Policy prune: %v", err)
		} else if n > 0 {
			core.Log.Infof("Engine", "Pruned %d expired policies", n)
		}
	}

	c.mu.Lock()
	expired, live := lo.FilterReject(c.blocks, func(eb *EndpointBlock, _ int) bool {
		return !now.Before(eb.Expires())
	})
	c.blocks = live
	c.mu.Unlock()
	for _, eb := range expired {
		c.chain.RemoveFilter(eb)
		core.Log.Infof("Engine", "Endpoint block %s expired", eb.Name())
	}
}
