package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/storage"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Query returns one page of matching events, through the index when it can serve
// the filter and from the store otherwise.
func (p *Pipeline) Query(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]domain.AuditEvent, int, error) {
	page = page.Normalize()
	if p.index != nil && !p.indexStale.Load() {
		seqs, total, err := p.index.Sequences(ctx, filter, page)
		switch {
		case err == nil:
			events, err := p.store.Lookup(ctx, seqs)
			if err != nil {
				return nil, 0, fmt.Errorf("audit: query: %w", err)
			}
			if len(events) == len(seqs) {
				return events, total, nil
			}
			p.logger.Warn("audit index names missing events, scanning store",
				"indexed", len(seqs),
				"found", len(events),
			)
		case !errors.Is(err, storage.ErrNoIndex):
			p.logger.Warn("audit index unavailable, scanning store", "error", err)
		}
	}

	events, total, err := p.store.Query(ctx, filter, page)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: query: %w", err)
	}
	return events, total, nil
}

// each pages through every event matching filter.
func (p *Pipeline) each(ctx context.Context, filter domain.AuditFilter, fn func(domain.AuditEvent) error) error {
	page := domain.Page{Limit: domain.MaxPageSize}
	for {
		events, total, err := p.store.Query(ctx, filter, page)
		if err != nil {
			return fmt.Errorf("audit: read events: %w", err)
		}
		for _, event := range events {
			if err := fn(event); err != nil {
				return err
			}
		}
		page.Offset += len(events)
		if len(events) == 0 || page.Offset >= total {
			return nil
		}
	}
}

var csvHeader = []string{
	"sequence", "id", "timestamp_utc", "event_type", "actor_id", "resource_type", "resource_id",
	"action", "result", "severity", "prev_hash", "hash", "details",
}

// Export writes every event matching filter to w as a JSON array or CSV with a header row.
func (p *Pipeline) Export(ctx context.Context, w io.Writer, filter domain.AuditFilter, format string) error {
	switch format {
	case FormatCSV:
		return p.exportCSV(ctx, w, filter)
	case FormatJSON, "":
		return p.exportJSON(ctx, w, filter)
	default:
		return fmt.Errorf("audit: unsupported export format %q", format)
	}
}

func (p *Pipeline) exportCSV(ctx context.Context, w io.Writer, filter domain.AuditFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := p.each(ctx, filter, func(e domain.AuditEvent) error {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		return cw.Write([]string{
			strconv.FormatUint(e.Sequence, 10), e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.EventType, e.ActorID, e.ResourceType, e.ResourceID, e.Action, e.Result,
			string(e.Severity), e.PrevHash, e.Hash, string(details),
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// exportedEvent is the JSON export shape, matching the persisted columns.
type exportedEvent struct {
	Sequence     uint64         `json:"sequence"`
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp_utc"`
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       string         `json:"action"`
	Result       string         `json:"result"`
	Severity     string         `json:"severity"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
	Details      map[string]any `json:"details"`
}

// Exported converts an event to its export shape.
func Exported(e domain.AuditEvent) any {
	return exportedEvent{
		Sequence: e.Sequence, ID: e.ID, Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType: e.EventType, ActorID: e.ActorID, ResourceType: e.ResourceType, ResourceID: e.ResourceID,
		Action: e.Action, Result: e.Result, Severity: string(e.Severity),
		PrevHash: e.PrevHash, Hash: e.Hash, Details: e.Details,
	}
}

func (p *Pipeline) exportJSON(ctx context.Context, w io.Writer, filter domain.AuditFilter) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	err := p.each(ctx, filter, func(e domain.AuditEvent) error {
		raw, err := json.Marshal(Exported(e))
		if err != nil {
			return err
		}
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		_, err = w.Write(raw)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

// ComplianceReport aggregates the audit trail over [From, To).
type ComplianceReport struct {
	From                 time.Time               `json:"from"`
	To                   time.Time               `json:"to"`
	TotalEvents          int                     `json:"total_events"`
	UniqueActors         int                     `json:"unique_actors"`
	EventsByType         map[string]int          `json:"events_by_type"`
	Denials              int                     `json:"denials"`
	LookupFailures       int                     `json:"lookup_failures"`
	EvaluationErrors     int                     `json:"evaluation_errors"`
	ViolationsBySeverity map[domain.Severity]int `json:"violations_by_severity"`
	TopViolatedPolicies  []PolicyCount           `json:"top_violated_policies"`
	FirstSequence        uint64                  `json:"first_sequence"`
	LastSequence         uint64                  `json:"last_sequence"`
}

// PolicyCount is a policy id with its violation count.
type PolicyCount struct {
	PolicyID string `json:"policy_id"`
	Count    int    `json:"count"`
}

const topPolicies = 10

// ComplianceReport summarises events in [from, to).
func (p *Pipeline) ComplianceReport(ctx context.Context, from, to time.Time) (ComplianceReport, error) {
	report := ComplianceReport{
		From:                 from.UTC(),
		To:                   to.UTC(),
		EventsByType:         map[string]int{},
		ViolationsBySeverity: map[domain.Severity]int{},
	}
	actors := map[string]struct{}{}
	policies := map[string]int{}

	err := p.each(ctx, domain.AuditFilter{From: from, To: to}, func(e domain.AuditEvent) error {
		report.TotalEvents++
		report.EventsByType[e.EventType]++
		if e.ActorID != "" {
			actors[e.ActorID] = struct{}{}
		}
		if report.FirstSequence == 0 {
			report.FirstSequence = e.Sequence
		}
		report.LastSequence = e.Sequence

		switch e.EventType {
		case domain.EventAuthzDecision:
			if e.Result == domain.ResultDeny {
				report.Denials++
			}
		case domain.EventAuthzLookupFailure:
			report.LookupFailures++
			report.Denials++
		case domain.EventPolicyEvalError:
			report.EvaluationErrors++
		case domain.EventPolicyViolation:
			report.ViolationsBySeverity[e.Severity]++
			if id, ok := e.Details[domain.DetailPolicyID].(string); ok {
				policies[id]++
			}
		}
		return nil
	})
	if err != nil {
		return ComplianceReport{}, err
	}

	report.UniqueActors = len(actors)
	for id, n := range policies {
		report.TopViolatedPolicies = append(report.TopViolatedPolicies, PolicyCount{PolicyID: id, Count: n})
	}
	sort.Slice(report.TopViolatedPolicies, func(i, j int) bool {
		a, b := report.TopViolatedPolicies[i], report.TopViolatedPolicies[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.PolicyID < b.PolicyID
	})
	if len(report.TopViolatedPolicies) > topPolicies {
		report.TopViolatedPolicies = report.TopViolatedPolicies[:topPolicies]
	}
	return report, nil
}
