// Package metrics holds the prometheus instruments for backup, retention,
// restore and off-site operations. A nil *Metrics records nothing.
//
// The CLI is short-lived, so metrics are exported with WriteTextfile for the
// node exporter textfile collector rather than served over HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rowjay/posvault/internal/model"
)

type Metrics struct {
	Registry *prometheus.Registry

	backupsTotal      *prometheus.CounterVec
	backupDuration    *prometheus.HistogramVec
	backupBytes       *prometheus.CounterVec
	lastBackupSuccess *prometheus.GaugeVec
	restoresTotal     *prometheus.CounterVec
	restoreDuration   *prometheus.HistogramVec
	retentionDeleted  *prometheus.CounterVec
	retentionErrors   *prometheus.CounterVec
	offsiteUploads    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		backupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_backups_total",
			Help: "Backup jobs reaching a terminal state.",
		}, []string{"store", "scope", "outcome"}),
		backupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posvault_backup_duration_seconds",
			Help:    "Wall time of backup jobs.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"scope"}),
		backupBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_backup_archive_bytes_total",
			Help: "Bytes written to sealed archives.",
		}, []string{"store", "scope"}),
		lastBackupSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posvault_last_backup_success_timestamp",
			Help: "Unix time of the last completed backup.",
		}, []string{"store", "scope"}),
		restoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_restores_total",
			Help: "Restore jobs reaching a terminal state.",
		}, []string{"store", "scope", "outcome"}),
		restoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "posvault_restore_duration_seconds",
			Help:    "Wall time of restore jobs.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"scope"}),
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_retention_deleted_total",
			Help: "Backup jobs deleted by retention.",
		}, []string{"store"}),
		retentionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_retention_errors_total",
			Help: "Per-job deletion failures during retention.",
		}, []string{"store"}),
		offsiteUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "posvault_offsite_uploads_total",
			Help: "Off-site mirror attempts.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(
		m.backupsTotal, m.backupDuration, m.backupBytes, m.lastBackupSuccess,
		m.restoresTotal, m.restoreDuration,
		m.retentionDeleted, m.retentionErrors,
		m.offsiteUploads,
	)
	return m
}

// ObserveBackup records a terminal backup job.
func (m *Metrics) ObserveBackup(job model.BackupJob, elapsed time.Duration) {
	if m == nil {
		return
	}
	scope := job.Scope.String()
	m.backupsTotal.WithLabelValues(job.StoreID, scope, job.Status.String()).Inc()
	m.backupDuration.WithLabelValues(scope).Observe(elapsed.Seconds())
	if job.Status == model.JobCompleted {
		m.backupBytes.WithLabelValues(job.StoreID, scope).Add(float64(job.SizeBytes))
		at := time.Now()
		if job.CompletedAt != nil {
			at = *job.CompletedAt
		}
		m.lastBackupSuccess.WithLabelValues(job.StoreID, scope).Set(float64(at.Unix()))
	}
}

// ObserveRestore records a terminal restore job.
func (m *Metrics) ObserveRestore(job model.RestoreJob, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.restoresTotal.WithLabelValues(job.StoreID, job.Scope.String(), job.Status.String()).Inc()
	m.restoreDuration.WithLabelValues(job.Scope.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetention(storeID string, deleted, errs int) {
	if m == nil {
		return
	}
	m.retentionDeleted.WithLabelValues(storeID).Add(float64(deleted))
	m.retentionErrors.WithLabelValues(storeID).Add(float64(errs))
}

func (m *Metrics) ObserveUpload(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.offsiteUploads.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the registry in text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
