package models

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a Run.
// The set is closed: ParseStatus rejects anything not listed here.
type Status string

const (
	StatusUploading      Status = "uploading"
	StatusJobFileMissing Status = "job-file-missing"
	StatusUploadFailed   Status = "upload-failed"
	StatusSubmitted      Status = "submitted" // sbatch accepted, not yet seen by reconciliation
	StatusSubmitFailed   Status = "submit-failed"
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusFinished       Status = "finished" // synthesized when the remote queue no longer lists the job
	StatusCancelled      Status = "cancelled"
	StatusDownloading    Status = "downloading"
	StatusDownloaded     Status = "downloaded"
	StatusDownloadFailed Status = "download-failed"
)

var allStatuses = []Status{
	StatusUploading,
	StatusJobFileMissing,
	StatusUploadFailed,
	StatusSubmitted,
	StatusSubmitFailed,
	StatusPending,
	StatusRunning,
	StatusFinished,
	StatusCancelled,
	StatusDownloading,
	StatusDownloaded,
	StatusDownloadFailed,
}

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a persisted status string into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// ParseRemoteStatus maps a scheduler state code (SLURM short or long form)
// onto the pending/running pair. Any job still listed by the queue that is
// not actively running is reported as pending.
func ParseRemoteStatus(code string) Status {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "R", "RUNNING", "CG", "COMPLETING", "SO", "STAGE_OUT", "SI", "SIGNALING", "RS", "RESIZING":
		return StatusRunning
	default:
		return StatusPending
	}
}

// IsValid reports whether s is a member of the status set.
func (s Status) IsValid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsError reports whether s is one of the terminal error statuses.
func (s Status) IsError() bool {
	switch s {
	case StatusJobFileMissing, StatusUploadFailed, StatusSubmitFailed, StatusDownloadFailed:
		return true
	}
	return false
}

// IsProtected reports whether remote queue data must never overwrite s.
// These statuses carry knowledge only the local side has.
func (s Status) IsProtected() bool {
	if s.IsError() {
		return true
	}
	switch s {
	case StatusCancelled, StatusUploading, StatusDownloading, StatusDownloaded:
		return true
	}
	return false
}

// IsInFlight reports whether s is only true while a background transfer runs.
func (s Status) IsInFlight() bool {
	return s == StatusUploading || s == StatusDownloading
}

// Interrupted returns the failure status an in-flight status becomes when its
// transfer did not finish. Other statuses are returned unchanged.
func (s Status) Interrupted() Status {
	switch s {
	case StatusUploading:
		return StatusUploadFailed
	case StatusDownloading:
		return StatusDownloadFailed
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown values.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Label returns a human readable description of the status.
func (s Status) Label() string {
	switch s {
	case StatusUploading:
		return "Uploading"
	case StatusJobFileMissing:
		return "Error: no job file found"
	case StatusUploadFailed:
		return "Error: upload failed"
	case StatusSubmitted:
		return "Submitted"
	case StatusSubmitFailed:
		return "Error: sbatch error"
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusFinished:
		return "Finished"
	case StatusCancelled:
		return "Cancelled"
	case StatusDownloading:
		return "Downloading"
	case StatusDownloaded:
		return "Downloaded"
	case StatusDownloadFailed:
		return "Error: download failed"
	}
	return string(s)
}
