package contributors

import (
	"context"

	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/patterncache"
)

// DatacenterIP flags clients connecting from known cloud and datacenter
// address space. Residential browsers rarely originate there; scrapers
// almost always do.
type DatacenterIP struct {
	detection.Meta
	cache *patterncache.Cache
}

// NewDatacenterIP creates the contributor over the shared CIDR cache.
func NewDatacenterIP(cache *patterncache.Cache) *DatacenterIP {
	return &DatacenterIP{
		Meta:  detection.Meta{ContributorName: "DatacenterIP", RunPriority: 11},
		cache: cache,
	}
}

// Detect implements detection.Contributor.
func (d *DatacenterIP) Detect(_ context.Context, bb *detection.Blackboard) ([]detection.Contribution, error) {
	if bb.ClientIP == "" || bb.SignalBool(detection.SignalIPIsLocal) {
		return []detection.Contribution{detection.NoSignals(d.Name())}, nil
	}

	inRange, matched := d.cache.IsInAnyCIDRRange(bb.ClientIP)
	if !inRange {
		return []detection.Contribution{detection.NoSignals(d.Name())}, nil
	}

	return []detection.Contribution{{
		Category:        "DatacenterIP",
		Reason:          "client IP in datacenter range " + matched,
		ConfidenceDelta: 0.3,
		Signals: map[string]any{
			"ip_datacenter":       true,
			"ip_datacenter_range": matched,
		},
	}}, nil
}
