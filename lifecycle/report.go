package lifecycle

import (
	"time"

	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/retention"
)

// CacheStatus counts artifacts by cache state.
type CacheStatus struct {
	Keyed          int `json:"keyed"`
	Invalidated    int `json:"invalidated"`
	CleanupPending int `json:"cleanup_pending"`
}

// Report summarizes the registry.
type Report struct {
	Timestamp       time.Time               `json:"timestamp"`
	TotalArtifacts  int                     `json:"total_artifacts"`
	ByStage         map[registry.Stage]int  `json:"by_stage"`
	ByKind          map[registry.Kind]int   `json:"by_type"`
	ByStatus        map[registry.Status]int `json:"by_status"`
	RetentionStatus []retention.StageStatus `json:"retention_status"`
	CacheStatus     CacheStatus             `json:"cache_status"`
}

// Report builds a lifecycle report of the current registry state.
func (s *System) Report() Report {
	all := s.registry.Find(registry.All())
	r := Report{
		Timestamp:       s.now().UTC(),
		TotalArtifacts:  len(all),
		ByStage:         make(map[registry.Stage]int),
		ByKind:          make(map[registry.Kind]int),
		ByStatus:        make(map[registry.Status]int),
		RetentionStatus: s.retention.Status(),
	}
	for _, a := range all {
		r.ByStage[a.Stage]++
		r.ByKind[a.Kind]++
		r.ByStatus[a.Status]++
		if !a.CacheKeys.IsZero() {
			r.CacheStatus.Keyed++
		}
		if a.Status == registry.StatusInvalidated {
			r.CacheStatus.Invalidated++
		}
		if a.CleanupPending {
			r.CacheStatus.CleanupPending++
		}
	}
	return r
}
