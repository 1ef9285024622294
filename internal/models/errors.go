package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the archive, acquisition and parsing layers.
var (
	ErrArchiveNotFound  = errors.New("archive record not found")
	ErrMissingTimestamp = errors.New("archive record has no download timestamp")
	ErrMarkerAbsent     = errors.New("response does not contain the freshness marker")
)

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Message)
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// TransportError wraps a network level failure while fetching a key.
type TransportError struct {
	Key        ArchiveKey
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http status %d", e.Key, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; the retry controller may try again.
func (e *TransportError) IsTransient() bool {
	return true
}

// SessionError means the per-run session could not be established.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session acquisition failed: %v", e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsTransient returns false; a run without a session is aborted.
func (e *SessionError) IsTransient() bool {
	return false
}

// MalformedArchiveError describes an archive the parser could not interpret.
type MalformedArchiveError struct {
	Source string
	Reason string
}

func (e *MalformedArchiveError) Error() string {
	return fmt.Sprintf("malformed archive %s: %s", e.Source, e.Reason)
}

// IsTransient returns false as the stored bytes will not change by themselves
func (e *MalformedArchiveError) IsTransient() bool {
	return false
}

// RowArityError reports a data row with an unexpected number of fields.
type RowArityError struct {
	Source string
	Line   int
	Got    int
	Want   int
}

func (e *RowArityError) Error() string {
	return fmt.Sprintf("%s line %d: expected %d fields, got %d", e.Source, e.Line, e.Want, e.Got)
}

// IsTransient returns false
func (e *RowArityError) IsTransient() bool {
	return false
}
