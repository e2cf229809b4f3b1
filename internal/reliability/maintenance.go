package reliability

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/openquant/tradecore/internal/database"
)

// Disk space thresholds for the data directory, in gigabytes.
const (
	diskCriticalGB = 0.5
	diskWarnGB     = 5.0
)

// AuditVerifier is the slice of the audit log the maintenance jobs need.
type AuditVerifier interface {
	VerifyAll() error
}

// SignalPurger removes expired signals. Satisfied by dispatch.SignalStore.
type SignalPurger interface {
	PurgeExpired(now time.Time) (int64, error)
}

// Maintenance runs periodic database housekeeping: daily WAL checkpoints,
// integrity checks and audit chain verification, weekly VACUUM of the
// cache-profile databases.
type Maintenance struct {
	databases []*database.DB
	auditor   AuditVerifier
	signals   SignalPurger
	dataDir   string
	cron      *cron.Cron
	log       zerolog.Logger
}

// NewMaintenance creates a stopped maintenance service over the given
// databases. auditor and signals may be nil.
func NewMaintenance(databases []*database.DB, auditor AuditVerifier, signals SignalPurger, dataDir string, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		databases: databases,
		auditor:   auditor,
		signals:   signals,
		dataDir:   dataDir,
		cron:      cron.New(),
		log:       log.With().Str("module", "maintenance").Logger(),
	}
}

// Start schedules the daily (02:00) and weekly (Sunday 03:00) jobs.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc("0 2 * * *", func() {
		if err := m.RunDaily(); err != nil {
			m.log.Error().Err(err).Msg("Daily maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule daily maintenance: %w", err)
	}
	if _, err := m.cron.AddFunc("0 3 * * 0", func() {
		if err := m.RunWeekly(); err != nil {
			m.log.Error().Err(err).Msg("Weekly maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule weekly maintenance: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// RunDaily checkpoints WAL files, verifies database and audit integrity,
// purges expired signals and checks disk headroom.
func (m *Maintenance) RunDaily() error {
	m.log.Info().Msg("Starting daily maintenance")
	start := time.Now()

	for _, db := range m.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}

		var result string
		if err := db.Conn().QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
			return fmt.Errorf("failed to check %s integrity: %w", db.Name(), err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity check failed for %s: %s", db.Name(), result)
		}
	}

	if m.auditor != nil {
		if err := m.auditor.VerifyAll(); err != nil {
			return fmt.Errorf("audit chain verification failed: %w", err)
		}
	}

	if m.signals != nil {
		purged, err := m.signals.PurgeExpired(time.Now().UTC())
		if err != nil {
			m.log.Warn().Err(err).Msg("Signal purge failed")
		} else if purged > 0 {
			m.log.Info().Int64("purged", purged).Msg("Expired signals removed")
		}
	}

	if err := m.checkDiskSpace(); err != nil {
		return err
	}

	m.log.Info().Dur("duration", time.Since(start)).Msg("Daily maintenance completed")
	return nil
}

// RunWeekly vacuums the cache-profile databases. Audit storage is append-only
// and never vacuumed.
func (m *Maintenance) RunWeekly() error {
	m.log.Info().Msg("Starting weekly maintenance")
	start := time.Now()

	for _, db := range m.databases {
		if db.Profile() != database.ProfileCache {
			continue
		}
		if err := m.vacuum(db); err != nil {
			m.log.Error().Err(err).Str("database", db.Name()).Msg("VACUUM failed")
		}
	}

	m.log.Info().Dur("duration", time.Since(start)).Msg("Weekly maintenance completed")
	return nil
}

func (m *Maintenance) vacuum(db *database.DB) error {
	var pageCount, pageSize int
	db.Conn().QueryRow("PRAGMA page_count").Scan(&pageCount)
	db.Conn().QueryRow("PRAGMA page_size").Scan(&pageSize)
	sizeBefore := float64(pageCount*pageSize) / 1024 / 1024

	if _, err := db.Conn().Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum %s: %w", db.Name(), err)
	}

	db.Conn().QueryRow("PRAGMA page_count").Scan(&pageCount)
	sizeAfter := float64(pageCount*pageSize) / 1024 / 1024

	m.log.Info().
		Str("database", db.Name()).
		Float64("size_before_mb", sizeBefore).
		Float64("size_after_mb", sizeAfter).
		Msg("VACUUM completed")
	return nil
}

func (m *Maintenance) checkDiskSpace() error {
	if m.dataDir == "" {
		return nil
	}
	usage, err := disk.Usage(m.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat data directory: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	m.log.Debug().Float64("free_gb", freeGB).Msg("Disk space check")

	if freeGB < diskCriticalGB {
		return fmt.Errorf("only %.2f GB free on %s", freeGB, m.dataDir)
	}
	if freeGB < diskWarnGB {
		m.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}
