// Package mock plays the KPI backend in-process so the dashboard can run
// without the real notification channel.
package mock

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikosSpanos/health-monitoring-app/internal/events"
	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
)

// MinuteLayout formats the minute buckets of generated KPIs.
const MinuteLayout = "2006-01-02 15:04"

// Device is a simulated wearable.
type Device struct {
	ID   string
	Type string
}

// DefaultDevices are used when Options.Devices is empty.
var DefaultDevices = []Device{
	{ID: "1", Type: "smartwatch"},
	{ID: "2", Type: "chest-strap"},
	{ID: "3", Type: "finger-clip"},
}

// Sample is one heart-rate reading.
type Sample struct {
	DeviceID  string
	HeartRate int
	Timestamp time.Time
}

type Options struct {
	Devices []Device

	// ReadyAfter is how many check_task_status requests answer Pending
	// before the task result is delivered.
	ReadyAfter int
	// CompleteAfter > 0 finishes every task on its own after this long and
	// pushes kpi_data without waiting for another status check.
	CompleteAfter time.Duration
	// Latency delays every reply. Zero replies immediately.
	Latency time.Duration

	SampleInterval time.Duration
	// PushInterval > 0 pushes unsolicited kpi_data periodically.
	PushInterval time.Duration
	// Window bounds the sample history kept per device.
	Window time.Duration
	// Backfill seeds this much history on Start.
	Backfill time.Duration

	Seed   int64
	Now    func() time.Time
	Logger *slog.Logger
}

type task struct {
	checks int
}

// Backend answers the dashboard's emissions on bus.
type Backend struct {
	bus  *events.Bus
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	samples []Sample
	tasks   map[string]*task
}

func NewBackend(bus *events.Bus, opts Options) *Backend {
	if len(opts.Devices) == 0 {
		opts.Devices = DefaultDevices
	}
	if opts.ReadyAfter < 0 {
		opts.ReadyAfter = 0
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 5 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Backend{
		bus:   bus,
		opts:  opts,
		log:   log.With("component", "mock"),
		rng:   rand.New(rand.NewSource(opts.Seed)),
		tasks: make(map[string]*task),
	}
	bus.OnEmit(b.onEmit)
	return b
}

// Start seeds the sample history, announces the connection and keeps
// generating readings until ctx is cancelled.
func (b *Backend) Start(ctx context.Context) {
	now := b.opts.Now()
	for t := now.Add(-b.opts.Backfill); !t.After(now); t = t.Add(b.opts.SampleInterval) {
		b.sample(t)
	}

	b.post(events.Connect, nil)
	go b.run(ctx)
}

func (b *Backend) run(ctx context.Context) {
	sampleTicker := time.NewTicker(b.opts.SampleInterval)
	defer sampleTicker.Stop()

	var push <-chan time.Time
	if b.opts.PushInterval > 0 {
		pushTicker := time.NewTicker(b.opts.PushInterval)
		defer pushTicker.Stop()
		push = pushTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			b.sample(b.opts.Now())
		case <-push:
			b.post(events.KPIData, b.KPIs())
		}
	}
}

func (b *Backend) onEmit(e events.Emission) {
	switch e.Event {
	case events.FetchKPIs:
		id := uuid.NewString()
		b.mu.Lock()
		b.tasks[id] = &task{}
		b.mu.Unlock()
		b.log.Debug("task started", "task_id", id)
		b.post(events.TaskStarted, map[string]string{"task_id": id})
		if b.opts.CompleteAfter > 0 {
			time.AfterFunc(b.opts.CompleteAfter, func() { b.complete(id) })
		}

	case events.CheckTaskStatus:
		var id string
		if err := json.Unmarshal(e.Payload, &id); err != nil {
			b.log.Warn("check_task_status without task id", "payload", string(e.Payload))
			return
		}
		if b.ready(id) {
			b.post(events.KPIData, b.KPIs())
			return
		}
		b.post(events.TaskStatus, map[string]string{"status": "Pending"})
	}
}

// ready counts one status check for id. Unknown ids stay Pending forever.
func (b *Backend) ready(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return false
	}
	if t.checks < b.opts.ReadyAfter {
		t.checks++
		return false
	}
	delete(b.tasks, id)
	return true
}

// complete finishes id if a status check has not already done so.
func (b *Backend) complete(id string) {
	b.mu.Lock()
	_, ok := b.tasks[id]
	delete(b.tasks, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.log.Debug("task completed", "task_id", id)
	b.post(events.KPIData, b.KPIs())
}

func (b *Backend) post(event string, payload any) {
	deliver := func() {
		if err := b.bus.Post(event, payload); err != nil {
			b.log.Error("mock post failed", "event", event, "error", err)
		}
	}
	if b.opts.Latency <= 0 {
		deliver()
		return
	}
	time.AfterFunc(b.opts.Latency, deliver)
}

func (b *Backend) sample(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.opts.Devices {
		b.samples = append(b.samples, Sample{
			DeviceID:  d.ID,
			HeartRate: b.rng.Intn(100) + 150,
			Timestamp: at,
		})
	}

	cutoff := at.Add(-b.opts.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

// AddSample records a reading, e.g. from a test.
func (b *Backend) AddSample(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, s)
	sort.SliceStable(b.samples, func(i, j int) bool {
		return b.samples[i].Timestamp.Before(b.samples[j].Timestamp)
	})
}

// KPIs returns the current per-minute averages of every device.
func (b *Backend) KPIs() []kpi.DeviceKPI {
	b.mu.Lock()
	samples := append([]Sample(nil), b.samples...)
	b.mu.Unlock()
	return Aggregate(b.opts.Devices, samples)
}

// Aggregate averages samples per device and minute. Devices keep their
// order; minutes are ascending. A device without samples gets an empty
// series.
func Aggregate(devices []Device, samples []Sample) []kpi.DeviceKPI {
	type bucket struct {
		sum   int
		count int
	}
	perDevice := make(map[string]map[time.Time]*bucket, len(devices))
	for _, s := range samples {
		minute := s.Timestamp.Truncate(time.Minute)
		m := perDevice[s.DeviceID]
		if m == nil {
			m = make(map[time.Time]*bucket)
			perDevice[s.DeviceID] = m
		}
		bk := m[minute]
		if bk == nil {
			bk = &bucket{}
			m[minute] = bk
		}
		bk.sum += s.HeartRate
		bk.count++
	}

	out := make([]kpi.DeviceKPI, 0, len(devices))
	for _, d := range devices {
		buckets := perDevice[d.ID]
		minutes := make([]time.Time, 0, len(buckets))
		for m := range buckets {
			minutes = append(minutes, m)
		}
		sort.Slice(minutes, func(i, j int) bool { return minutes[i].Before(minutes[j]) })

		series := make([]kpi.MinuteAverage, 0, len(minutes))
		for _, m := range minutes {
			bk := buckets[m]
			series = append(series, kpi.MinuteAverage{
				Minute:       kpi.Minute(m.Format(MinuteLayout)),
				AvgHeartRate: float64(bk.sum) / float64(bk.count),
			})
		}
		out = append(out, kpi.DeviceKPI{
			DeviceID:              kpi.ID(d.ID),
			DeviceType:            d.Type,
			AvgHeartRatePerMinute: series,
		})
	}
	return out
}
