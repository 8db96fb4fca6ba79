package calibration

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	goversion "github.com/hashicorp/go-version"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/cwsl/rfdemod/demod/chromaafc"
)

// ErrNotFound is returned by Lookup when no compatible fit is stored
var ErrNotFound = errors.New("no calibration for key")

// Config holds store configuration
type Config struct {
	Path string // Path to the SQLite database file
	// DecoderVersion is recorded with every fit; fits from another major
	// version are ignored
	DecoderVersion string
}

// Key identifies the capture setup a linearization fit belongs to
type Key struct {
	Format     string
	System     string
	SampleRate float64
	MeasureLen int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%.0fHz/%d", k.Format, k.System, k.SampleRate, k.MeasureLen)
}

// Fit is one stored linearization result
type Fit struct {
	ID         uint    `gorm:"primarykey"`
	Format     string  `gorm:"uniqueIndex:idx_fit_key;size:16;not null"`
	System     string  `gorm:"uniqueIndex:idx_fit_key;size:8;not null"`
	SampleRate float64 `gorm:"uniqueIndex:idx_fit_key;not null"`
	MeasureLen int     `gorm:"uniqueIndex:idx_fit_key;not null"`
	Slope      float64
	Intercept  float64
	Points     int
	Version    string `gorm:"size:32"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName specifies the table name for GORM
func (Fit) TableName() string {
	return "afc_fits"
}

// Correction returns the fit in the form the AFC applies
func (f Fit) Correction() chromaafc.Fit {
	return chromaafc.Fit{Slope: f.Slope, Intercept: f.Intercept}
}

// Store persists AFC linearization fits
type Store struct {
	db      *gorm.DB
	version *goversion.Version
	log     *log.Logger
}

// Open creates or opens the store with the pure Go SQLite driver
func Open(cfg Config, l *log.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("calibration store path is empty")
	}
	ver, err := goversion.NewVersion(cfg.DecoderVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decoder version %q: %w", cfg.DecoderVersion, err)
	}

	var gormLog logger.Interface
	if l != nil {
		gormLog = logger.New(l, logger.Config{
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		})
	} else {
		gormLog = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: cfg.Path}, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open calibration store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := configureSQLite(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to configure calibration store: %w", err)
	}
	if err := db.AutoMigrate(&Fit{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate calibration store: %w", err)
	}
	if l != nil {
		l.Printf("Calibration store initialized: %s", cfg.Path)
	}
	return &Store{db: db, version: ver, log: l}, nil
}

func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the stored fit for key. Fits written by a decoder with a
// different major version are reported as ErrNotFound.
func (s *Store) Lookup(key Key) (*Fit, error) {
	var fit Fit
	err := s.db.Where("format = ? AND system = ? AND sample_rate = ? AND measure_len = ?",
		key.Format, key.System, key.SampleRate, key.MeasureLen).First(&fit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up calibration %s: %w", key, err)
	}
	if !s.compatible(fit.Version) {
		s.logf("Calibration for %s was recorded by version %s, ignoring it", key, fit.Version)
		return nil, ErrNotFound
	}
	return &fit, nil
}

// Save stores fit for key, replacing an existing one
func (s *Store) Save(key Key, fit chromaafc.Fit, points int) error {
	var existing Fit
	err := s.db.Where("format = ? AND system = ? AND sample_rate = ? AND measure_len = ?",
		key.Format, key.System, key.SampleRate, key.MeasureLen).First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to look up calibration %s: %w", key, err)
	}
	existing.Format = key.Format
	existing.System = key.System
	existing.SampleRate = key.SampleRate
	existing.MeasureLen = key.MeasureLen
	existing.Slope = fit.Slope
	existing.Intercept = fit.Intercept
	existing.Points = points
	existing.Version = s.version.String()
	if err := s.db.Save(&existing).Error; err != nil {
		return fmt.Errorf("failed to save calibration %s: %w", key, err)
	}
	return nil
}

// Delete removes the fit for key
func (s *Store) Delete(key Key) error {
	return s.db.Where("format = ? AND system = ? AND sample_rate = ? AND measure_len = ?",
		key.Format, key.System, key.SampleRate, key.MeasureLen).Delete(&Fit{}).Error
}

// Count returns the number of stored fits
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&Fit{}).Count(&n).Error
	return n, err
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) compatible(recorded string) bool {
	v, err := goversion.NewVersion(recorded)
	if err != nil {
		return false
	}
	return v.Segments()[0] == s.version.Segments()[0]
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
