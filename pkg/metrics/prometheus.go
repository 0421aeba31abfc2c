package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgl_runsync"

// PrometheusMetrics exports the counters on a Prometheus registry while
// keeping the in-process totals for LogSummary.
type PrometheusMetrics struct {
	SyncMetrics

	filesSelected prom.Counter
	archives      *prom.CounterVec
	bytes         *prom.CounterVec
	uploadSeconds prom.Histogram
	syncs         *prom.CounterVec
	runFolders    *prom.CounterVec
}

// NewPrometheusMetrics constructs the collectors and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusMetrics(reg *prom.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pm := &PrometheusMetrics{
		filesSelected: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "files_selected_total",
			Help:      "Files and directories selected for archiving",
		}),
		archives: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "archives_total",
			Help:      "Archive lifecycle transitions by state",
		}, []string{"state"}),
		bytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Bytes read from the run folder and written to archives",
		}, []string{"kind"}),
		uploadSeconds: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of single archive uploads",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		syncs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Sync tasks dispatched by the monitor by result",
		}, []string{"result"}),
		runFolders: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "run_folders_total",
			Help:      "Run folders seen per poll by classification",
		}, []string{"class"}),
	}
	reg.MustRegister(pm.filesSelected, pm.archives, pm.bytes, pm.uploadSeconds, pm.syncs, pm.runFolders)
	return pm
}

func (p *PrometheusMetrics) AddFilesSelected(n int64) {
	p.SyncMetrics.AddFilesSelected(n)
	p.filesSelected.Add(float64(n))
}

func (p *PrometheusMetrics) AddArchivesBuilt(n int64) {
	p.SyncMetrics.AddArchivesBuilt(n)
	p.archives.WithLabelValues("built").Add(float64(n))
}

func (p *PrometheusMetrics) AddArchivesUploaded(n int64) {
	p.SyncMetrics.AddArchivesUploaded(n)
	p.archives.WithLabelValues("uploaded").Add(float64(n))
}

func (p *PrometheusMetrics) AddArchivesRemoved(n int64) {
	p.SyncMetrics.AddArchivesRemoved(n)
	p.archives.WithLabelValues("removed").Add(float64(n))
}

func (p *PrometheusMetrics) AddArchivesFailed(n int64) {
	p.SyncMetrics.AddArchivesFailed(n)
	p.archives.WithLabelValues("failed").Add(float64(n))
}

func (p *PrometheusMetrics) AddOriginalBytes(n int64) {
	p.SyncMetrics.AddOriginalBytes(n)
	p.bytes.WithLabelValues("original").Add(float64(n))
}

func (p *PrometheusMetrics) AddCompressedBytes(n int64) {
	p.SyncMetrics.AddCompressedBytes(n)
	p.bytes.WithLabelValues("compressed").Add(float64(n))
}

func (p *PrometheusMetrics) ObserveUpload(d time.Duration) {
	p.SyncMetrics.ObserveUpload(d)
	p.uploadSeconds.Observe(d.Seconds())
}

func (p *PrometheusMetrics) AddSyncsDispatched(n int64) {
	p.SyncMetrics.AddSyncsDispatched(n)
	p.syncs.WithLabelValues("dispatched").Add(float64(n))
}

func (p *PrometheusMetrics) AddSyncsFailed(n int64) {
	p.SyncMetrics.AddSyncsFailed(n)
	p.syncs.WithLabelValues("failed").Add(float64(n))
}

func (p *PrometheusMetrics) AddRunFolders(class string, n int64) {
	p.SyncMetrics.AddRunFolders(class, n)
	p.runFolders.WithLabelValues(class).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

var _ Metrics = (*PrometheusMetrics)(nil)
