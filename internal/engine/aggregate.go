package engine

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/buildwatch/internal/protocol"
)

// AggregateStatus is the single status line summarizing all tracked
// workspaces: failed wins over building, building wins over idle.
type AggregateStatus string

const (
	AggregateIdle     AggregateStatus = "idle"
	AggregateBuilding AggregateStatus = "building"
	AggregateFailed   AggregateStatus = "failed"
	// AggregateUnsupported means every tracked workspace is talking to a
	// server without status support.
	AggregateUnsupported AggregateStatus = "unsupported"
	// AggregateUnavailable means no workspace has reported a status yet.
	AggregateUnavailable AggregateStatus = "unavailable"
)

// AggregateResult combines every workspace into one view for the status
// bar and the admin endpoint.
type AggregateResult struct {
	Status  AggregateStatus `json:"status"`
	Message string          `json:"message,omitempty"`
	// Failed lists the roots currently in failed state, in sort order.
	Failed []string `json:"failed,omitempty"`
	// Building lists the roots currently building, in sort order.
	Building []string `json:"building,omitempty"`
	// Tracked counts workspaces contributing to the aggregate, excluding
	// unsupported ones.
	Tracked int `json:"tracked"`
}

// Aggregator folds per-workspace state into one status. It reads the
// store only; it never mutates workspace state.
type Aggregator struct {
	store *Store
}

func NewAggregator(store *Store) *Aggregator {
	return &Aggregator{store: store}
}

func (a *Aggregator) Aggregate() AggregateResult {
	workspaces := a.store.All()
	if len(workspaces) == 0 {
		return AggregateResult{Status: AggregateUnavailable}
	}

	var result AggregateResult
	var errs []string
	unsupported := 0
	known := 0

	for _, ws := range workspaces {
		if ws.Capability(protocol.MethodBuildStatus) == CapabilityUnsupported {
			unsupported++
			continue
		}
		result.Tracked++
		status, lastError := ws.Status()
		if status != protocol.StatusUnknown {
			known++
		}
		switch status {
		case protocol.StatusFailed:
			result.Failed = append(result.Failed, ws.Root())
			if lastError != "" {
				errs = append(errs, fmt.Sprintf("%s: %s", shortRoot(ws.Root()), lastError))
			}
		case protocol.StatusBuilding:
			result.Building = append(result.Building, ws.Root())
		}
	}

	switch {
	case unsupported == len(workspaces):
		result.Status = AggregateUnsupported
	case len(result.Failed) > 0:
		result.Status = AggregateFailed
		result.Message = strings.Join(errs, "; ")
		if result.Message == "" {
			result.Message = fmt.Sprintf("%d workspace(s) failed to build", len(result.Failed))
		}
	case len(result.Building) > 0:
		result.Status = AggregateBuilding
		result.Message = fmt.Sprintf("building %d of %d workspace(s)", len(result.Building), result.Tracked)
	case known == 0:
		result.Status = AggregateUnavailable
	default:
		result.Status = AggregateIdle
	}
	return result
}

// shortRoot trims a workspace root to its last path element for messages.
func shortRoot(root string) string {
	root = strings.TrimRight(root, "/")
	if idx := strings.LastIndexByte(root, '/'); idx >= 0 && idx < len(root)-1 {
		return root[idx+1:]
	}
	return root
}
