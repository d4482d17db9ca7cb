package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"viewport-engine/src/config"
	"viewport-engine/src/internal/common"
	"viewport-engine/src/render/degrade"
	"viewport-engine/src/render/engine"
	"viewport-engine/src/render/monitor"
	"viewport-engine/src/render/section"
	"viewport-engine/src/render/types"
)

const (
	defaultInterval = 16 * time.Millisecond
	contactShape    = "contact"
)

// SimulateOptions controls a simulation run
type SimulateOptions struct {
	Items        int
	Steps        int
	StepDistance float64
	Interval     time.Duration
	SettleTicks  int
	PrepareCost  time.Duration
	FailureRate  float64
	Jumps        []string
	Format       string
	MetricsAddr  string
	Seed         int64
	Timeout      time.Duration
}

var (
	firstNames = []string{"Ana", "Bjørn", "Chloé", "Dmitri", "Élodie", "Farah", "Grace", "Håkon", "Ines", "José",
		"Kenji", "Léa", "Mateo", "Nora", "Òscar", "Priya", "Quinn", "Renée", "Søren", "Tomás", "Uma", "Vera", "Wei", "Yara", "Zoë"}
	lastNames = []string{"Álvarez", "Baker", "Çelik", "Dubois", "Eriksen", "Fischer", "García", "Hoang", "Ito", "Jensen",
		"Kowalski", "López", "Müller", "Nakamura", "Ødegaard", "Petrov", "Quintero", "Rossi", "Šimić", "Tanaka",
		"Ulloa", "Vargas", "Weber", "Xu", "Yilmaz", "Zhang", "42 Labs", "3M Support"}
)

type contact struct {
	id   string
	name string
	fail bool
}

func (c contact) ItemID() string { return c.id }

func contactName(it types.Item) string {
	if c, ok := it.(contact); ok {
		return c.name
	}
	return ""
}

type contactHandle struct {
	text string
}

func (h *contactHandle) Shape() string { return contactShape }
func (h *contactHandle) Reset()        { h.text = "" }

// syntheticHost stands in for a UI toolkit: preparation sleeps, finalization binds text
type syntheticHost struct {
	cost time.Duration
}

func (h *syntheticHost) prepare(ctx context.Context, item types.Item) (types.Payload, error) {
	c := item.(contact)
	if h.cost > 0 {
		timer := time.NewTimer(h.cost)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return types.Payload{}, ctx.Err()
		}
	}
	if c.fail {
		return types.Payload{}, fmt.Errorf("prepare %s: synthetic failure", c.id)
	}
	return types.Payload{ItemID: c.id, Shape: contactShape, Data: strings.ToUpper(c.name)}, nil
}

func (h *syntheticHost) finalize(handle types.RenderHandle, payload types.Payload) error {
	ch, ok := handle.(*contactHandle)
	if !ok {
		return fmt.Errorf("unexpected handle shape %q", handle.Shape())
	}
	ch.text, _ = payload.Data.(string)
	return nil
}

func (h *syntheticHost) newHandle(shape string) (types.RenderHandle, error) {
	return &contactHandle{}, nil
}

func (h *syntheticHost) host() engine.Host {
	return engine.Host{Prepare: h.prepare, Finalize: h.finalize, NewHandle: h.newHandle}
}

// generateContacts builds n contacts. Failures are decided up front so a seed reproduces a run.
func generateContacts(n int, failureRate float64, seed int64) []types.Item {
	rng := rand.New(rand.NewSource(seed))
	items := make([]types.Item, n)
	for i := range items {
		name := fmt.Sprintf("%s %s", lastNames[rng.Intn(len(lastNames))], firstNames[rng.Intn(len(firstNames))])
		items[i] = contact{
			id:   fmt.Sprintf("contact-%06d", i),
			name: name,
			fail: failureRate > 0 && rng.Float64() < failureRate,
		}
	}
	return items
}

func (o *SimulateOptions) normalize() error {
	if o.Items <= 0 {
		return fmt.Errorf("--%s must be positive, got %d", FlagItems, o.Items)
	}
	if o.Steps < 0 || o.SettleTicks < 0 {
		return fmt.Errorf("--%s and --%s must not be negative", FlagSteps, FlagSettle)
	}
	if o.FailureRate < 0 || o.FailureRate > 1 {
		return fmt.Errorf("--%s must be within [0,1], got %g", FlagFailure, o.FailureRate)
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	switch o.Format {
	case "":
		o.Format = FormatYAML
	case FormatYAML, FormatJSON:
	default:
		return fmt.Errorf("unsupported --%s %q, use %s or %s", FlagFormat, o.Format, FormatYAML, FormatJSON)
	}
	return nil
}

// RunSimulation drives an engine over a synthetic collection and writes its final snapshot to out
func RunSimulation(ctx context.Context, cfg *config.Config, opts SimulateOptions, out io.Writer) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	ctx, cancel := common.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	logger := common.CLILogger.Named("simulate")
	engineOpts := []engine.Option{engine.WithLogger(common.EngineLogger)}

	metricsAddr := opts.MetricsAddr
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Address
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		engineOpts = append(engineOpts, engine.WithMetrics(monitor.NewMetrics(cfg.Metrics.Namespace, reg)))
		go func() {
			if err := monitor.StartServer(metricsAddr, reg); err != nil {
				logger.Error("Metrics server on %s stopped: %v", metricsAddr, err)
			}
		}()
		logger.Info("Serving metrics on %s/metrics", metricsAddr)
	}

	host := &syntheticHost{cost: opts.PrepareCost}
	eng := engine.New(engine.FromConfig(cfg.Engine), host.host(), engineOpts...)
	defer func() {
		if err := eng.Shutdown(); err != nil {
			logger.Warn("Engine shutdown: %v", err)
		}
	}()

	unsubscribe := eng.Events().Degraded.Subscribe(func(disabled degrade.FeatureSet) {
		logger.Info("Disabled features: [%s]", disabled)
	})
	defer unsubscribe()

	items := generateContacts(opts.Items, opts.FailureRate, opts.Seed)
	if err := eng.SetCollection(items, section.FirstLetterKey(contactName), section.CollatedSort(contactName, language.English)); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	logger.Info("Loaded %d contacts in %d sections", opts.Items, len(eng.Index().KeysInOrder()))

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	tick := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		eng.Tick()
		return nil
	}

	position := 0.0
	for step := 0; step < opts.Steps; step++ {
		position += opts.StepDistance
		eng.OnScroll(position)
		if err := tick(); err != nil {
			return fmt.Errorf("simulation interrupted at step %d: %w", step, err)
		}
	}
	eng.FlushScroll()

	for _, key := range opts.Jumps {
		idx, err := eng.JumpToSection(key)
		if err != nil {
			return err
		}
		logger.Info("Jumped to section %s at index %d", key, idx)
		if err := tick(); err != nil {
			return fmt.Errorf("simulation interrupted after jump to %s: %w", key, err)
		}
	}

	for i := 0; i < opts.SettleTicks; i++ {
		if err := tick(); err != nil {
			return fmt.Errorf("simulation interrupted while settling: %w", err)
		}
	}

	return writeSnapshot(out, eng.Snapshot(), opts.Format)
}

func writeSnapshot(out io.Writer, snap engine.Snapshot, format string) error {
	if format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}
