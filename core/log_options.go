// Package core provides fundamental utilities shared by the sync engine packages.
// This file contains option functions for customizing log entries.
package core

import (
	"github.com/leafymarket/leafsync/domain"
)

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithRecord is an option to associate a log entry with a stored record.
func LogWithRecord(kind domain.Kind, id string) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Kind = &kind
		log.RecordID = &id
		return nil
	}
}
