package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/ingest"
	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

const WarningTypeSchemaDrift = "SCHEMA_DRIFT"

const (
	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Policy holds the drift thresholds. These are configuration, not law:
// tenants with volatile upstream schemas run looser policies.
type Policy struct {
	CriticalFields       []string
	HighMissingPercent   float64
	HighNewFields        int
	MediumMissingPercent float64
	MediumNewFields      int
	// Field lists in alert messages are cut to this many entries.
	TruncateAt int
}

func DefaultPolicy() Policy {
	return Policy{
		HighMissingPercent:   20,
		HighNewFields:        5,
		MediumMissingPercent: 10,
		MediumNewFields:      2,
		TruncateAt:           5,
	}
}

// TypeChange records a field whose inferred type moved between runs.
type TypeChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Report is the outcome of comparing a new fingerprint against the baseline.
type Report struct {
	MissingFields  []string     `json:"missing_fields"`
	NewFields      []string     `json:"new_fields"`
	ChangedTypes   []TypeChange `json:"changed_types"`
	MissingPercent float64      `json:"missing_percent"`
	Severity       string       `json:"severity"`
}

// Detect compares fingerprints. A nil baseline means this run establishes
// the baseline: no drift by definition.
func Detect(policy Policy, baseline *ingest.Fingerprint, current ingest.Fingerprint) Report {
	if baseline == nil || len(baseline.Fields) == 0 {
		return Report{Severity: SeverityNone}
	}

	var report Report
	for field, baseType := range baseline.Fields {
		curType, ok := current.Fields[field]
		if !ok {
			report.MissingFields = append(report.MissingFields, field)
			continue
		}
		if curType != baseType {
			report.ChangedTypes = append(report.ChangedTypes, TypeChange{Field: field, From: baseType, To: curType})
		}
	}
	for field := range current.Fields {
		if _, ok := baseline.Fields[field]; !ok {
			report.NewFields = append(report.NewFields, field)
		}
	}
	sort.Strings(report.MissingFields)
	sort.Strings(report.NewFields)
	sort.Slice(report.ChangedTypes, func(i, j int) bool { return report.ChangedTypes[i].Field < report.ChangedTypes[j].Field })

	report.MissingPercent = 100 * float64(len(report.MissingFields)) / float64(len(baseline.Fields))
	report.Severity = severity(policy, report)
	return report
}

func severity(policy Policy, report Report) string {
	if len(report.MissingFields) == 0 && len(report.NewFields) == 0 && len(report.ChangedTypes) == 0 {
		return SeverityNone
	}
	for _, critical := range policy.CriticalFields {
		for _, missing := range report.MissingFields {
			if missing == critical {
				return SeverityHigh
			}
		}
	}
	if report.MissingPercent > policy.HighMissingPercent || len(report.NewFields) > policy.HighNewFields {
		return SeverityHigh
	}
	if report.MissingPercent > policy.MediumMissingPercent || len(report.NewFields) > policy.MediumNewFields || len(report.ChangedTypes) > 0 {
		return SeverityMedium
	}
	return SeverityLow
}

// Detector evaluates completed batches and records alerts on them.
type Detector struct {
	Batches store.BatchStore
	Policy  Policy
	Logger  *logrus.Logger
}

// Evaluate runs detection for a finished batch and appends an alert warning
// for medium/high severity. Low-severity drift is deliberately silent.
func (d *Detector) Evaluate(ctx context.Context, source *models.SyncSource, batchId uint, baseline *ingest.Fingerprint, current ingest.Fingerprint) error {
	policy := d.Policy
	if len(source.CriticalFieldsJSON) > 0 {
		var fields []string
		if err := json.Unmarshal(source.CriticalFieldsJSON, &fields); err != nil {
			return fmt.Errorf("decode critical fields for source %d: %w", source.ID, err)
		}
		policy.CriticalFields = fields
	}

	report := Detect(policy, baseline, current)
	if report.Severity == SeverityNone || report.Severity == SeverityLow {
		return nil
	}

	details, err := json.Marshal(report)
	if err != nil {
		return err
	}
	warning := models.BatchWarning{
		Type:      WarningTypeSchemaDrift,
		Severity:  report.Severity,
		Message:   alertMessage(policy, report),
		Details:   details,
		Timestamp: time.Now(),
	}
	if err := d.Batches.AppendWarning(ctx, batchId, warning); err != nil {
		return err
	}
	d.Logger.WithFields(logrus.Fields{
		"tenant_id": source.TenantId,
		"source_id": source.ID,
		"batch_id":  batchId,
		"severity":  report.Severity,
	}).Warn("drift: schema drift detected")
	return nil
}

func alertMessage(policy Policy, report Report) string {
	tag := "[WARNING]"
	if report.Severity == SeverityHigh {
		tag = "[CRITICAL]"
	}
	var parts []string
	if len(report.MissingFields) > 0 {
		parts = append(parts, fmt.Sprintf("missing fields: %s (%.0f%%)", truncateList(report.MissingFields, policy.TruncateAt), report.MissingPercent))
	}
	if len(report.NewFields) > 0 {
		parts = append(parts, "new fields: "+truncateList(report.NewFields, policy.TruncateAt))
	}
	if len(report.ChangedTypes) > 0 {
		changed := make([]string, len(report.ChangedTypes))
		for i, c := range report.ChangedTypes {
			changed[i] = fmt.Sprintf("%s (%s->%s)", c.Field, c.From, c.To)
		}
		parts = append(parts, "changed types: "+truncateList(changed, policy.TruncateAt))
	}
	return tag + " schema drift: " + strings.Join(parts, "; ")
}

func truncateList(items []string, limit int) string {
	if limit <= 0 || len(items) <= limit {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:limit], ", ") + fmt.Sprintf(", +%d more", len(items)-limit)
}

// Alert is one stored drift warning with its batch context.
type Alert struct {
	BatchId  uint                `json:"batch_id"`
	Severity string              `json:"severity"`
	Warning  models.BatchWarning `json:"warning"`
}

// RecentAlerts returns the drift warnings stored on the source's recent
// batches, newest batch first.
func (d *Detector) RecentAlerts(ctx context.Context, tenantId string, sourceId uint, limit int) ([]Alert, error) {
	batches, err := d.Batches.Recent(ctx, tenantId, sourceId, limit)
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	for _, batch := range batches {
		for _, warning := range decodeWarnings(batch.WarningsJSON) {
			if warning.Type != WarningTypeSchemaDrift {
				continue
			}
			alerts = append(alerts, Alert{BatchId: batch.ID, Severity: warning.Severity, Warning: warning})
		}
	}
	return alerts, nil
}

// ActiveDrift reduces the recent alerts to the most severe one, preferring
// newer batches on ties. Nil when nothing recent drifted.
func (d *Detector) ActiveDrift(ctx context.Context, tenantId string, sourceId uint, limit int) (*Alert, error) {
	alerts, err := d.RecentAlerts(ctx, tenantId, sourceId, limit)
	if err != nil {
		return nil, err
	}
	var active *Alert
	for i := range alerts {
		if active == nil || severityRank(alerts[i].Severity) > severityRank(active.Severity) {
			active = &alerts[i]
		}
	}
	return active, nil
}

func severityRank(s string) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func decodeWarnings(data []byte) []models.BatchWarning {
	if len(data) == 0 {
		return nil
	}
	var warnings []models.BatchWarning
	if err := json.Unmarshal(data, &warnings); err != nil {
		return nil
	}
	return warnings
}
