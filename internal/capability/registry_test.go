package capability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-mic/internal/bus/bustest"
	"github.com/loqalabs/loqa-mic/internal/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestWatchFollowsHealth(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &Registry{
		cfg:      config.NodeConfig{ID: "mic-1", HeartbeatTimeout: 6000},
		nodes:    make(map[string]*NodeInfo),
		watchers: make(map[int]*watcher),
		now:      func() time.Time { return now },
	}

	var seen []bool
	stop := r.Watch("stt.stream", func(v bool) { seen = append(seen, v) })

	r.updateNode("stt-1", "stt", []Capability{{Name: "stt.stream"}}, now)
	if !r.Available("stt.stream") {
		t.Fatal("expected stt.stream available")
	}

	// A heartbeat without capabilities keeps the advertised set.
	r.updateNode("stt-1", "", nil, now)

	now = now.Add(10 * time.Second)
	r.evaluateHealth()
	if r.Available("stt.stream") {
		t.Fatal("expected stt.stream unavailable after heartbeat timeout")
	}

	stop()
	r.updateNode("stt-1", "", nil, now)

	want := []bool{false, true, false}
	if len(seen) != len(want) {
		t.Fatalf("expected notifications %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected notifications %v, got %v", want, seen)
		}
	}
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	client := bustest.Connect(t)
	ctx := context.Background()

	mic, err := NewRegistry(ctx, config.NodeConfig{
		ID: "mic-1", Role: "mic", HeartbeatInterval: 50, HeartbeatTimeout: 500,
		Capabilities: []config.NodeCapability{{Name: "capture.microphone"}},
	}, client, bustest.Logger())
	if err != nil {
		t.Fatalf("mic registry: %v", err)
	}
	t.Cleanup(mic.Close)

	var mu sync.Mutex
	available := false
	mic.Watch("stt.stream", func(v bool) {
		mu.Lock()
		available = v
		mu.Unlock()
	})

	worker, err := NewRegistry(ctx, config.NodeConfig{
		ID: "stt-1", Role: "stt", HeartbeatInterval: 50, HeartbeatTimeout: 500,
		Capabilities: []config.NodeCapability{{Name: "stt.stream", Tier: "balanced"}},
	}, client, bustest.Logger())
	if err != nil {
		t.Fatalf("worker registry: %v", err)
	}
	t.Cleanup(worker.Close)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := available
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if !available {
		t.Fatal("expected stt.stream to become available")
	}
	if !mic.Healthy() {
		t.Fatal("expected mic registry healthy")
	}
	if nodes := mic.Query(WithCapabilityFilter("stt.stream")); len(nodes) != 1 || nodes[0].ID != "stt-1" {
		t.Fatalf("unexpected query result %+v", nodes)
	}
}

func TestRegistryGaugesUseMeterProvider(t *testing.T) {
	client := bustest.Connect(t)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r, err := NewRegistry(context.Background(), config.NodeConfig{
		ID: "mic-1", Role: "mic", HeartbeatInterval: 50, HeartbeatTimeout: 500,
		Capabilities: []config.NodeCapability{{Name: "capture.microphone"}, {Name: "stt.stream"}},
	}, client, bustest.Logger(), WithMeterProvider(provider))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	deadline := time.Now().Add(3 * time.Second)
	for !r.Healthy() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !r.Healthy() {
		t.Fatal("expected registry to see its own node")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				got[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	if got["loqa.capabilities.nodes"] != 1 || got["loqa.capabilities.total"] != 2 {
		t.Fatalf("unexpected gauges %v", got)
	}
}
