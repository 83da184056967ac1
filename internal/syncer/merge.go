package syncer

import (
	"sort"

	"github.com/theirongolddev/envsync/internal/model"
)

// MetadataKey names the budget metadata in an Ambiguity.
const MetadataKey = "metadata"

// Ambiguity records two versions of one record with the same timestamp but
// different content. The remote copy is kept.
type Ambiguity struct {
	Collection   string `json:"collection"`
	ID           string `json:"id,omitempty"`
	LastModified int64  `json:"lastModified"`
}

// Report describes what a merge took from each side.
type Report struct {
	// Pushed counts records where the local version won over a missing or
	// older remote one.
	Pushed int
	// Pulled counts records where the remote version won.
	Pulled int
	// Conflicts counts records present on both sides with different versions.
	Conflicts   int
	Tombstones  int
	Ambiguities []Ambiguity

	// Pull holds the remote-won entities that the local store lacks.
	Pull map[string][]model.Entity
	// PullMetadata is set when the remote metadata won.
	PullMetadata *model.Metadata
	// PushMetadata is set when the local metadata won.
	PushMetadata bool
}

// NeedsPush reports whether the merged snapshot differs from remote.
func (r Report) NeedsPush() bool {
	return r.Pushed > 0 || r.PushMetadata
}

// Merge reconciles local and remote record by record. The version with the
// greater LastModified wins; tombstones compete like any other version.
// Equal timestamps with different content resolve to the remote copy and
// are listed in Report.Ambiguities. Collections unknown to this build are
// carried from remote unchanged.
func Merge(local, remote model.Snapshot) (model.Snapshot, Report) {
	budgetID := local.BudgetID
	if budgetID == "" {
		budgetID = remote.BudgetID
	}
	merged := model.NewSnapshot(budgetID)
	merged.SyncVersion = remote.SyncVersion
	report := Report{Pull: make(map[string][]model.Entity)}

	for key, entities := range remote.Collections {
		if !model.IsCollection(key) {
			merged.Collections[key] = append([]model.Entity(nil), entities...)
		}
	}
	for _, key := range model.Collections {
		merged.Collections[key] = mergeCollection(key, local.Collections[key], remote.Collections[key], &report)
	}

	merged.Metadata = mergeMetadata(local.Metadata, remote.Metadata, &report)
	merged.Touch()
	return merged, report
}

func mergeCollection(key string, local, remote []model.Entity, report *Report) []model.Entity {
	byID := make(map[string]model.Entity, len(local)+len(remote))
	for _, e := range local {
		byID[e.ID] = e
	}
	for _, r := range remote {
		l, ok := byID[r.ID]
		switch {
		case !ok:
			byID[r.ID] = r
			report.pull(key, r)
		case l.Same(r):
		case l.LastModified > r.LastModified:
			report.Conflicts++
		case l.LastModified == r.LastModified:
			report.Conflicts++
			report.Ambiguities = append(report.Ambiguities, Ambiguity{Collection: key, ID: r.ID, LastModified: r.LastModified})
			byID[r.ID] = r
			report.pull(key, r)
		default:
			report.Conflicts++
			byID[r.ID] = r
			report.pull(key, r)
		}
	}

	remoteIDs := make(map[string]model.Entity, len(remote))
	for _, r := range remote {
		remoteIDs[r.ID] = r
	}
	for _, l := range local {
		r, ok := remoteIDs[l.ID]
		if !ok || l.LastModified > r.LastModified {
			report.Pushed++
			if l.Deleted {
				report.Tombstones++
			}
		}
	}

	out := make([]model.Entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	model.SortEntities(out)
	return out
}

func (r *Report) pull(key string, e model.Entity) {
	r.Pulled++
	if e.Deleted {
		r.Tombstones++
	}
	r.Pull[key] = append(r.Pull[key], e)
}

func sameMetadata(a, b model.Metadata) bool {
	return a.LastModified == b.LastModified &&
		a.UnassignedCash.Equal(b.UnassignedCash) &&
		a.ActualBalance.Equal(b.ActualBalance)
}

func mergeMetadata(local, remote model.Metadata, report *Report) model.Metadata {
	switch {
	case sameMetadata(local, remote):
		return local
	case local.LastModified > remote.LastModified:
		report.PushMetadata = true
		return local
	case local.LastModified == remote.LastModified:
		report.Ambiguities = append(report.Ambiguities, Ambiguity{Collection: MetadataKey, LastModified: remote.LastModified})
	}
	m := remote
	report.PullMetadata = &m
	return remote
}

// SortAmbiguities orders ambiguities for stable output.
func SortAmbiguities(a []Ambiguity) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Collection != a[j].Collection {
			return a[i].Collection < a[j].Collection
		}
		return a[i].ID < a[j].ID
	})
}
