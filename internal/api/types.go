package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StageStatus describes dispatch state for one pipeline stage.
type StageStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Paused  bool   `json:"paused"`
	Ready   bool   `json:"ready"`
	Detail  string `json:"detail,omitempty"`
}

// Worker is a running worker process.
type Worker struct {
	RecordID   int64  `json:"recordId"`
	ExternalID string `json:"externalId"`
	Band       string `json:"band,omitempty"`
	Stage      string `json:"stage"`
	PID        int    `json:"pid"`
	StartedAt  string `json:"startedAt,omitempty"`
	Deadline   string `json:"deadline,omitempty"`
	LeaseToken string `json:"leaseToken"`
	LeaseUntil string `json:"leaseExpiresAt,omitempty"`
}

// WorkflowStatus summarizes scheduler execution state.
type WorkflowStatus struct {
	Running        bool             `json:"running"`
	StoreAvailable bool             `json:"storeAvailable"`
	StoreRetryAt   string           `json:"storeRetryAt,omitempty"`
	Cycles         int64            `json:"cycles"`
	LastCycleAt    string           `json:"lastCycleAt,omitempty"`
	Dispatched     int64            `json:"dispatched"`
	Outcomes       map[string]int64 `json:"outcomes"`
	LastError      string           `json:"lastError,omitempty"`
	Capacity       int              `json:"capacity"`
	Available      int              `json:"available"`
	Stages         []StageStatus    `json:"stages"`
	Workers        []Worker         `json:"workers"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	CatalogPath  string         `json:"catalogPath"`
	LockFilePath string         `json:"lockFilePath"`
	Workflow     WorkflowStatus `json:"workflow"`
}

// Measurement is the running rotation estimate of one band.
type Measurement struct {
	HasData      bool     `json:"hasData"`
	Degree       float64  `json:"degree"`
	TotalError   float64  `json:"totalError"`
	RunningCount int      `json:"runningCount"`
	AverageError *float64 `json:"averageError,omitempty"`
	Converged    bool     `json:"converged"`
	UpdatedAt    string   `json:"updatedAt,omitempty"`
}

// Attempt reports the retry counter of one (record, band, stage).
type Attempt struct {
	Band           string `json:"band,omitempty"`
	Stage          string `json:"stage"`
	FailedAttempts int    `json:"failedAttempts"`
	NextEligibleAt string `json:"nextEligibleAt,omitempty"`
	LastError      string `json:"lastError,omitempty"`
}

// Lease is a live claim on a work item of the record.
type Lease struct {
	Band      string `json:"band,omitempty"`
	Stage     string `json:"stage"`
	Owner     string `json:"owner"`
	ExpiresAt string `json:"expiresAt"`
}

// BandView describes one band of a record.
type BandView struct {
	Code        string      `json:"code"`
	BinID       int64       `json:"binId"`
	BatchID     int64       `json:"batchId"`
	FitsIndex   int64       `json:"fitsIndex"`
	HasError    bool        `json:"hasError"`
	Measurement Measurement `json:"measurement"`
	Attempts    []Attempt   `json:"attempts,omitempty"`
}

// RecordView is the full status view of one record.
type RecordView struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"externalId"`
	RA             float64    `json:"ra"`
	Dec            float64    `json:"dec"`
	Probability    float64    `json:"probability"`
	BinID          int64      `json:"binId"`
	Status         string     `json:"status"`
	FailedAttempts int        `json:"failedAttempts"`
	CreatedAt      string     `json:"createdAt,omitempty"`
	UpdatedAt      string     `json:"updatedAt,omitempty"`
	Bands          []BandView `json:"bands"`
	Attempts       []Attempt  `json:"attempts,omitempty"`
	Leases         []Lease    `json:"leases,omitempty"`
}

// Summary reports pipeline-wide counts.
type Summary struct {
	Eligible       map[string]int `json:"eligible"`
	Records        map[string]int `json:"records"`
	TotalRecords   int            `json:"totalRecords"`
	Bands          int            `json:"bands"`
	BandsWithData  int            `json:"bandsWithData"`
	BandsConverged int            `json:"bandsConverged"`
	BandsErrored   int            `json:"bandsErrored"`
	Samples        int64          `json:"samples"`
	ActiveLeases   int            `json:"activeLeases"`
	GeneratedAt    string         `json:"generatedAt"`
}

// WorkersResponse wraps the running worker list.
type WorkersResponse struct {
	Workers []Worker `json:"workers"`
}

// ActionResponse acknowledges a control request.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}
