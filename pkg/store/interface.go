package store

import (
	"errors"
	"time"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrLockNotFound  = errors.New("lock record not found")

	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for orchestrator persistence.
// Memory, SQLite and PostgreSQL implement this interface. All mutations of
// jobs go through the store so concurrent workers never lose an update.
type Store interface {
	// Lock record operations
	SaveLockRecord(rec *style.Record) error
	GetLockRecord(projectID string) (*style.Record, error)
	DeleteLockRecord(projectID string) error

	// Batch operations
	CreateBatch(b *models.BatchRun) error
	GetBatch(id string) (*models.BatchRun, error)
	ListBatches() ([]*models.BatchRun, error)
	UpdateBatch(b *models.BatchRun) error

	// Job operations
	CreateJob(j *models.GenerationJob) error
	GetJob(id string) (*models.GenerationJob, error)
	GetBatchJobs(batchID string) ([]*models.GenerationJob, error)
	// BeginAttempt atomically moves a Pending job to InFlight and
	// increments its attempt count, returning the updated snapshot.
	BeginAttempt(id string) (*models.GenerationJob, error)
	// TransitionJob applies an FSM-validated state change.
	TransitionJob(id string, to models.JobStatus, reason string) error
	AppendScore(id string, score models.ConsistencyScore) error

	// Attempt results (immutable, one per adapter call)
	RecordResult(res *models.GenerationResult) error
	GetJobResults(jobID string) ([]*models.GenerationResult, error)

	// Metrics operations
	GetBatchMetrics() (*BatchMetrics, error)

	// Lifecycle
	HealthCheck() error
	Close() error
}

// BatchMetrics contains aggregated statistics for the metrics endpoint
type BatchMetrics struct {
	TotalBatches    int
	TotalJobs       int
	ActiveJobs      int
	JobsByStatus    map[models.JobStatus]int
	BatchesByStatus map[models.BatchStatus]int
	TotalAttempts   int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string (postgres) or file path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "styleforge.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
