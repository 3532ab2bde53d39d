package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"fencesync/internal/backend"
	"fencesync/internal/fence"
	"fencesync/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fencesync"

// Operation labels.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// Registry owns every fencesync collector on a private prometheus registry.
type Registry struct {
	registry     *prometheus.Registry
	submissions  *prometheus.CounterVec
	submitErrors *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	resyncs      prometheus.Counter
	resyncItems  *prometheus.CounterVec
	storeEntries *prometheus.GaugeVec
}

// New creates registry with fencesync and runtime collectors.
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Fence submissions handed to the backend connector",
		}, []string{"op"}),
		submitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_errors_total",
			Help:      "Fence submissions the connector refused synchronously",
		}, []string{"op"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Fence submission outcomes delivered to listeners",
		}, []string{"op", "result"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Completed resync passes",
		}),
		resyncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_items_total",
			Help:      "Fences touched by resync passes by kind",
		}, []string{"kind"}),
		storeEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Entries per durable fence namespace",
		}, []string{"namespace"}),
	}
	r.registry.MustRegister(
		r.submissions,
		r.submitErrors,
		r.outcomes,
		r.resyncs,
		r.resyncItems,
		r.storeEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveResync records one finished resync pass; suitable as reconcile.Options.OnResync.
func (r *Registry) ObserveResync(stats reconcile.ResyncStats) {
	r.resyncs.Inc()
	r.resyncItems.WithLabelValues("add").Add(float64(stats.Adds))
	r.resyncItems.WithLabelValues("remove").Add(float64(stats.Removes))
	r.resyncItems.WithLabelValues("resubmitted").Add(float64(stats.Resubmitted))
	r.resyncItems.WithLabelValues("skipped").Add(float64(stats.Skipped))
}

// OnFenceAddResult counts add outcomes.
func (r *Registry) OnFenceAddResult(_ fence.Record, outcome backend.Outcome) {
	r.outcomes.WithLabelValues(OpAdd, outcome.Result()).Inc()
}

// OnFenceRemoveResult counts remove outcomes.
func (r *Registry) OnFenceRemoveResult(_ string, outcome backend.Outcome) {
	r.outcomes.WithLabelValues(OpRemove, outcome.Result()).Inc()
}

// SetStoreEntries records current size of one namespace.
func (r *Registry) SetStoreEntries(namespace string, n int) {
	r.storeEntries.WithLabelValues(namespace).Set(float64(n))
}

// Connector wraps a backend connector and counts submissions and synchronous refusals.
type Connector struct {
	backend.Connector
	metrics *Registry
}

// InstrumentConnector decorates connector with submission counters.
func InstrumentConnector(connector backend.Connector, metrics *Registry) *Connector {
	return &Connector{Connector: connector, metrics: metrics}
}

// SubmitAdd forwards add and counts it.
func (c *Connector) SubmitAdd(ctx context.Context, id string, condition fence.Condition, target string, cb backend.Callback) error {
	c.metrics.submissions.WithLabelValues(OpAdd).Inc()
	err := c.Connector.SubmitAdd(ctx, id, condition, target, cb)
	if err != nil {
		c.metrics.submitErrors.WithLabelValues(OpAdd).Inc()
	}
	return err
}

// SubmitRemove forwards remove and counts it.
func (c *Connector) SubmitRemove(ctx context.Context, id string, cb backend.Callback) error {
	c.metrics.submissions.WithLabelValues(OpRemove).Inc()
	err := c.Connector.SubmitRemove(ctx, id, cb)
	if err != nil {
		c.metrics.submitErrors.WithLabelValues(OpRemove).Inc()
	}
	return err
}

// Sizer reports entry count of one namespace.
type Sizer interface {
	Namespace() string
	Len(ctx context.Context) (int, error)
}

// StoreRefresher samples namespace sizes into the store_entries gauge.
type StoreRefresher struct {
	metrics  *Registry
	stores   []Sizer
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStoreRefresher creates sampler for stores.
// Params: registry, sampling interval, logger, and namespaces to sample.
// Returns: idle refresher; call Start to begin sampling.
func NewStoreRefresher(metrics *Registry, interval time.Duration, logger *slog.Logger, stores ...Sizer) *StoreRefresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRefresher{
		metrics:  metrics,
		stores:   stores,
		interval: interval,
		logger:   logger.With("component", "store_refresher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Refresh samples every store once.
func (r *StoreRefresher) Refresh(ctx context.Context) {
	for _, s := range r.stores {
		n, err := s.Len(ctx)
		if err != nil {
			r.logger.Warn("sample store size failed", "namespace", s.Namespace(), "error", err.Error())
			continue
		}
		r.metrics.SetStoreEntries(s.Namespace(), n)
	}
}

// Start samples immediately and then every interval until Stop.
func (r *StoreRefresher) Start(ctx context.Context) {
	r.Refresh(ctx)
	if r.interval <= 0 {
		close(r.done)
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

// Stop ends sampling loop and waits for it; call only after Start.
func (r *StoreRefresher) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
