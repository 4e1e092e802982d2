package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Report records what executing a single Step did.
type Report struct {
	ID        string       `json:"id"`
	Contract  string       `json:"contract"`
	Write     string       `json:"write"`
	Outcome   Outcome      `json:"outcome"`
	TxHash    common.Hash  `json:"txHash,omitempty"`
	Timestamp *time.Time   `json:"timestamp"`
	Err       *ReportError `json:"error,omitempty"`
}

// NewReport creates a report for a step and its result.
func NewReport(step Step, res Result, err error) Report {
	now := time.Now()
	r := Report{
		ID:        uuid.New().String(),
		Contract:  step.Contract.Name,
		Write:     step.Write,
		Outcome:   res.Outcome,
		TxHash:    res.TxHash,
		Timestamp: &now,
	}
	if err != nil {
		r.Err = &ReportError{Message: err.Error()}
	}

	return r
}

// ReportError represents an error in the Report.
// Its purpose is to have an exported field `Message` for marshalling as the
// native error cant be marshaled to JSON.
type ReportError struct {
	Message string `json:"message"`
}

// Error implements the error interface.
func (o ReportError) Error() string {
	return o.Message
}

var ErrReportNotFound = errors.New("report not found")

// Reporter collects step reports.
type Reporter interface {
	AddReport(report Report) error
	GetReport(id string) (Report, error)
	GetReports() ([]Report, error)
}

// Summary counts reports by outcome. Failed reports are counted separately.
type Summary struct {
	Skipped   int
	Applied   int
	Staged    int
	Simulated int
	Failed    int
}

// Summarize counts reports by outcome.
func Summarize(reports []Report) Summary {
	var s Summary
	for _, r := range reports {
		if r.Err != nil {
			s.Failed++

			continue
		}
		switch r.Outcome {
		case Skipped:
			s.Skipped++
		case Applied:
			s.Applied++
		case Staged:
			s.Staged++
		case Simulated:
			s.Simulated++
		}
	}

	return s
}

// MemoryReporter stores reports in memory.
// This is thread-safe and can be used in a multi-threaded environment.
type MemoryReporter struct {
	reports []Report
	mu      sync.RWMutex
}

// NewMemoryReporter creates a new MemoryReporter.
func NewMemoryReporter() *MemoryReporter {
	return &MemoryReporter{}
}

// AddReport adds a report to the memory reporter.
func (e *MemoryReporter) AddReport(report Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reports = append(e.reports, report)

	return nil
}

// GetReports returns all reports.
func (e *MemoryReporter) GetReports() ([]Report, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reports := make([]Report, len(e.reports))
	copy(reports, e.reports)

	return reports, nil
}

// GetReport returns a report by ID.
// Returns ErrReportNotFound if the report is not found.
func (e *MemoryReporter) GetReport(id string) (Report, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, report := range e.reports {
		if report.ID == id {
			return report, nil
		}
	}

	return Report{}, fmt.Errorf("report_id %s: %w", id, ErrReportNotFound)
}
