package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionsFor_Table(t *testing.T) {
	tests := []struct {
		status Status
		def    Action
		all    []Action
	}{
		{StatusPending, ActionCancel, []Action{ActionCancel, ActionRepeat}},
		{StatusRunning, ActionCancel, []Action{ActionCancel, ActionRepeat}},
		{StatusFinished, ActionDownload, []Action{ActionDownload, ActionRemove, ActionRepeat}},
		{StatusDownloaded, ActionBrowse, []Action{ActionBrowse, ActionDownload, ActionRemove, ActionRepeat}},
		{StatusDownloadFailed, ActionDownload, []Action{ActionDownload, ActionRemove, ActionRepeat}},
		{StatusSubmitFailed, ActionRemove, []Action{ActionRemove, ActionDownload, ActionRepeat}},
		{StatusUploadFailed, ActionRemove, []Action{ActionRemove, ActionRepeat}},
		{StatusJobFileMissing, ActionRemove, []Action{ActionRemove, ActionRepeat}},
		{StatusCancelled, ActionRemove, []Action{ActionRemove, ActionRepeat}},
		{StatusUploading, ActionRepeat, []Action{ActionRepeat}},
		{StatusDownloading, ActionRepeat, []Action{ActionRepeat}},
		{StatusSubmitted, ActionCancel, []Action{ActionCancel, ActionRepeat}},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			set := ActionsFor(tt.status)
			assert.Equal(t, tt.def, set.Default)
			assert.Equal(t, tt.all, set.All)
			assert.True(t, set.Allows(set.Default), "default action must be permitted")
		})
	}
}

func TestActionsFor_CoversEveryStatus(t *testing.T) {
	for _, st := range AllStatuses() {
		set := ActionsFor(st)
		assert.NotEmpty(t, set.All, "status %s has no actions", st)
	}
}

func TestStatus_Protected(t *testing.T) {
	protected := map[Status]bool{
		StatusJobFileMissing: true,
		StatusUploadFailed:   true,
		StatusSubmitFailed:   true,
		StatusDownloadFailed: true,
		StatusCancelled:      true,
		StatusUploading:      true,
		StatusDownloading:    true,
		StatusDownloaded:     true,
	}
	for _, st := range AllStatuses() {
		assert.Equal(t, protected[st], st.IsProtected(), "status %s", st)
	}
}

func TestStatus_Interrupted(t *testing.T) {
	for _, st := range AllStatuses() {
		assert.Equal(t, st.IsInFlight(), st.Interrupted() != st, "status %s", st)
	}
	assert.Equal(t, StatusUploadFailed, StatusUploading.Interrupted())
	assert.Equal(t, StatusDownloadFailed, StatusDownloading.Interrupted())
}

func TestParseRemoteStatus(t *testing.T) {
	tests := map[string]Status{
		"R":          StatusRunning,
		"running":    StatusRunning,
		"CG":         StatusRunning,
		"PD":         StatusPending,
		"pending":    StatusPending,
		"CF":         StatusPending,
		"S":          StatusPending,
		" R ":        StatusRunning,
		"COMPLETING": StatusRunning,
	}
	for code, want := range tests {
		assert.Equal(t, want, ParseRemoteStatus(code), "code %q", code)
	}
}

func TestStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var r Run
	err := json.Unmarshal([]byte(`{"run_id":"a","status":"E-weird"}`), &r)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"run_id":"a","status":"download-failed"}`), &r)
	require.NoError(t, err)
	assert.Equal(t, StatusDownloadFailed, r.Status)
}

func TestRun_HasJobFile(t *testing.T) {
	assert.False(t, Run{JobFile: JobFileNotFound}.HasJobFile())
	assert.False(t, Run{}.HasJobFile())
	assert.True(t, Run{JobFile: "job.job"}.HasJobFile())
}
