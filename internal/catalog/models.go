package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

var allStatuses = []Status{StatusPending, StatusSuccess, StatusFailed}

// AllStatuses returns every record status in display order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a case-insensitive status name.
func ParseStatus(value string) (Status, bool) {
	for _, status := range allStatuses {
		if strings.EqualFold(strings.TrimSpace(value), string(status)) {
			return status, true
		}
	}
	return "", false
}

// Stage identifies a pipeline stage.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageRadon   Stage = "radon"
	StageAugment Stage = "augment"
)

var allStages = []Stage{StageFetch, StageRadon, StageAugment}

// AllStages returns the stages in dispatch order.
func AllStages() []Stage {
	return append([]Stage(nil), allStages...)
}

// ParseStage converts a case-insensitive stage name.
func ParseStage(value string) (Stage, bool) {
	for _, stage := range allStages {
		if strings.EqualFold(strings.TrimSpace(value), string(stage)) {
			return stage, true
		}
	}
	return "", false
}

// BandLevel reports whether work for this stage is tracked per band.
func (s Stage) BandLevel() bool {
	return s != StageFetch
}

// ItemKey identifies one unit of work. Band is empty for record-level stages.
type ItemKey struct {
	RecordID int64
	Band     string
	Stage    Stage
}

func (k ItemKey) String() string {
	band := k.Band
	if band == "" {
		band = "-"
	}
	return fmt.Sprintf("%d/%s/%s", k.RecordID, band, k.Stage)
}

// Record is one physical object tracked through the pipeline.
type Record struct {
	ID             int64
	ExternalID     string
	RA             float64
	Dec            float64
	Probability    float64
	BinID          int64
	Status         Status
	FailedAttempts int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewRecord carries the ingest fields of a record.
type NewRecord struct {
	ExternalID  string
	RA          float64
	Dec         float64
	Probability float64
	BinID       int64
}

// Locations points a worker at a band's source data.
type Locations struct {
	BinID     int64 `json:"bin_id"`
	BatchID   int64 `json:"batch_id"`
	FitsIndex int64 `json:"fits_index"`
}

// Band is one spectral-channel data unit of a record.
type Band struct {
	ID        int64
	RecordID  int64
	Code      string
	Locations Locations
	HasError  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBand carries the fields a fetch success supplies for a band.
type NewBand struct {
	Code      string
	Locations Locations
}

// Measurement is the streaming rotation aggregate of a band.
type Measurement struct {
	BandID       int64
	HasData      bool
	Degree       float64
	TotalError   float64
	RunningCount int
	UpdatedAt    time.Time
}

// AverageError returns total_error / running_count, or false when no samples were accepted.
func (m Measurement) AverageError() (float64, bool) {
	if m.RunningCount <= 0 {
		return 0, false
	}
	return m.TotalError / float64(m.RunningCount), true
}

// Attempt is the retry counter for one work item.
type Attempt struct {
	Key            ItemKey
	FailedAttempts int
	NextEligibleAt time.Time
	LastError      string
	UpdatedAt      time.Time
}

// Lease is a time-bounded exclusive claim on a work item.
type Lease struct {
	Key        ItemKey
	Token      string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// WorkItem is a selected (record/band, stage) pair ready for a lease attempt.
type WorkItem struct {
	Key            ItemKey
	ExternalID     string
	RA             float64
	Dec            float64
	Locations      Locations
	FailedAttempts int
	RunningCount   int
	UpdatedAt      time.Time
}

// BandDetail groups a band with its measurement and retry counters.
type BandDetail struct {
	Band        Band
	Measurement Measurement
	Attempts    []Attempt
}

// RecordDetail is the full status view of one record.
type RecordDetail struct {
	Record   Record
	Bands    []BandDetail
	Attempts []Attempt
	Leases   []Lease
}
