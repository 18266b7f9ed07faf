// Package jobs provides the job service: the only valid way to run a
// typed background job. It ties the job store, the task runner, and
// the event hub together and enforces per-type mutual exclusion.
package jobs

import (
	"github.com/stashhog/stashhog/storage"
)

// Lock group names. Types sharing a group are mutually exclusive with
// each other; every other non-concurrent type locks against itself.
const (
	lockGroupAnalysis = "analysis"
	lockGroupSync     = "sync"
)

// TypeMeta describes one entry of the closed JobType set.
type TypeMeta struct {
	Label           string
	Category        string
	ProgressUnit    string
	AllowConcurrent bool
	IsWorkflow      bool

	// LockGroup names the shared mutual-exclusion group. Empty means
	// the type locks against itself (non-concurrent types) or not at
	// all (concurrent types).
	LockGroup string
}

// typeRegistry is the closed set of job types. Handler registration
// for a type outside this table is rejected.
var typeRegistry = map[storage.JobType]TypeMeta{
	storage.JobTypeSync:                   {Label: "Full Sync", Category: "sync", ProgressUnit: "entities", LockGroup: lockGroupSync, IsWorkflow: true},
	storage.JobTypeSyncScenes:             {Label: "Scene Sync", Category: "sync", ProgressUnit: "scenes", LockGroup: lockGroupSync},
	storage.JobTypeSyncPerformers:         {Label: "Performer Sync", Category: "sync", ProgressUnit: "performers", LockGroup: lockGroupSync},
	storage.JobTypeSyncTags:               {Label: "Tag Sync", Category: "sync", ProgressUnit: "tags", LockGroup: lockGroupSync},
	storage.JobTypeSyncStudios:            {Label: "Studio Sync", Category: "sync", ProgressUnit: "studios", LockGroup: lockGroupSync},
	storage.JobTypeAnalysis:               {Label: "Analysis", Category: "analysis", ProgressUnit: "scenes", LockGroup: lockGroupAnalysis},
	storage.JobTypeNonAIAnalysis:          {Label: "Non-AI Analysis", Category: "analysis", ProgressUnit: "scenes", LockGroup: lockGroupAnalysis},
	storage.JobTypeApplyPlan:              {Label: "Apply Plan", Category: "analysis", ProgressUnit: "changes", LockGroup: lockGroupAnalysis},
	storage.JobTypeGenerateDetails:        {Label: "Generate Details", Category: "analysis", ProgressUnit: "scenes", LockGroup: lockGroupAnalysis},
	storage.JobTypeStashScan:              {Label: "Stash Scan", Category: "maintenance", ProgressUnit: "files"},
	storage.JobTypeStashGenerate:          {Label: "Stash Generate", Category: "maintenance", ProgressUnit: "scenes"},
	storage.JobTypeCheckStashGenerate:     {Label: "Check Stash Generate", Category: "maintenance", ProgressUnit: "scenes", AllowConcurrent: true},
	storage.JobTypeLocalGenerate:          {Label: "Local Generate", Category: "maintenance", ProgressUnit: "scenes"},
	storage.JobTypeProcessDownloads:       {Label: "Process Downloads", Category: "workflow", ProgressUnit: "files", IsWorkflow: true},
	storage.JobTypeProcessNewScenes:       {Label: "Process New Scenes", Category: "workflow", ProgressUnit: "scenes", IsWorkflow: true},
	storage.JobTypeCleanup:                {Label: "Cleanup", Category: "maintenance", ProgressUnit: "rows"},
	storage.JobTypeRemoveOrphanedEntities: {Label: "Remove Orphaned Entities", Category: "maintenance", ProgressUnit: "entities"},
	storage.JobTypeExport:                 {Label: "Export", Category: "maintenance", ProgressUnit: "records"},
	storage.JobTypeImport:                 {Label: "Import", Category: "maintenance", ProgressUnit: "records"},
	storage.JobTypeTest:                   {Label: "Test", Category: "test", ProgressUnit: "steps"},
}

// KnownType reports whether jt is part of the closed set.
func KnownType(jt storage.JobType) bool {
	_, ok := typeRegistry[jt]
	return ok
}

// MetaFor returns the type's metadata.
func MetaFor(jt storage.JobType) (TypeMeta, bool) {
	m, ok := typeRegistry[jt]
	return m, ok
}

// lockGroupFor returns the name of the mutual-exclusion group the type
// participates in, or "" for allow_concurrent types which take no lock.
func lockGroupFor(jt storage.JobType) string {
	meta, ok := typeRegistry[jt]
	if !ok || meta.AllowConcurrent {
		return ""
	}
	if meta.LockGroup != "" {
		return meta.LockGroup
	}
	return string(jt)
}

// waitLabelFor is the human-readable group name used in the
// "Waiting for another <label> job to complete" message.
func waitLabelFor(jt storage.JobType) string {
	meta := typeRegistry[jt]
	if meta.LockGroup != "" {
		return meta.LockGroup
	}
	return meta.Label
}
