// Package usage records access decisions and watches them for abuse:
// excessive denials, device churn, and geo probing. Critical findings can
// suspend the offending policy automatically.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"rights-control-engine/internal/audit"
	"rights-control-engine/internal/usage/domain"
	"rights-control-engine/internal/usage/repository"
	"rights-control-engine/internal/validate"
)

// ErrViolationNotFound is returned when a resolution targets an unknown
// violation id.
var ErrViolationNotFound = errors.New("violation not found")

// PolicySuspender is the policy write path used for automatic response.
type PolicySuspender interface {
	Suspend(ctx context.Context, id string) error
}

// Notifier publishes fire-and-forget usage notifications.
type Notifier interface {
	CriticalViolation(ctx context.Context, policyID, principalID, violationType string, observed, threshold float64)
	UsageRecorded(ctx context.Context, payload map[string]any)
}

// Thresholds are the detection lines for the analyzer. GeoProbe is a
// count of distinct denied locations and ConcurrencyAbuse a count of
// concurrency denials; the other two are ratios.
type Thresholds struct {
	DenialRate       float64
	DeviceChurn      float64
	GeoProbe         int
	ConcurrencyAbuse int
}

// ThreatAnalysis is the result of one analysis pass.
type ThreatAnalysis struct {
	Window         time.Duration       `json:"window"`
	GeneratedAt    time.Time           `json:"generated_at"`
	EventsAnalyzed int                 `json:"events_analyzed"`
	Violations     []*domain.Violation `json:"violations"`
}

// FrameworkResult is one framework's slice of a compliance report.
type FrameworkResult struct {
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
	Violations int     `json:"violations"`
}

// ComplianceReport summarizes violations over a period against the
// requested frameworks.
type ComplianceReport struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Period       time.Duration     `json:"period"`
	OverallScore float64           `json:"overall_score"`
	Frameworks   []FrameworkResult `json:"frameworks"`
}

// Monitor records decisions and analyzes them for threats.
type Monitor struct {
	repo        repository.Repository
	notifier    Notifier
	policies    PolicySuspender
	auditor     audit.Logger
	thresholds  Thresholds
	autoRespond bool
	nowF        func() time.Time
}

// NewMonitor wires the monitor. notifier and policies may be nil; with a
// nil policies the monitor never auto-suspends.
func NewMonitor(repo repository.Repository, notifier Notifier, policies PolicySuspender, auditor audit.Logger, thresholds Thresholds, autoRespond bool) *Monitor {
	if thresholds.GeoProbe <= 0 {
		thresholds.GeoProbe = 3
	}
	if thresholds.ConcurrencyAbuse <= 0 {
		thresholds.ConcurrencyAbuse = 5
	}
	return &Monitor{
		repo:        repo,
		notifier:    notifier,
		policies:    policies,
		auditor:     auditor,
		thresholds:  thresholds,
		autoRespond: autoRespond,
		nowF:        time.Now,
	}
}

// RecordDecision stores one access decision. Persistence failures are
// logged, never propagated, so recording cannot break the access path.
func (m *Monitor) RecordDecision(ctx context.Context, e validate.DecisionEvent) {
	ev := &domain.UsageEvent{
		ID:                uuid.New().String(),
		PrincipalID:       e.PrincipalID,
		PolicyID:          e.PolicyID,
		ItemID:            e.ItemID,
		Action:            e.Action,
		Location:          e.Location,
		DeviceFingerprint: e.DeviceFingerprint,
		Granted:           e.Granted,
		Reason:            e.Reason,
		OccurredAt:        e.OccurredAt,
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = m.nowF().UTC()
	}
	if err := m.repo.CreateEvent(ctx, ev); err != nil {
		log.Printf("usage: record decision: %v", err)
	}
	if m.notifier != nil {
		m.notifier.UsageRecorded(ctx, map[string]any{
			"principal_id": ev.PrincipalID,
			"policy_id":    ev.PolicyID,
			"action":       ev.Action,
			"granted":      ev.Granted,
			"reason":       ev.Reason,
		})
	}
}

// minDenialSample is the fewest events a policy needs in the window
// before its denial rate is judged at all.
const minDenialSample = 10

// Analyze inspects the events of the last window for the requested
// violation types. An empty types list means all types. Detected
// violations are persisted; critical ones are escalated.
func (m *Monitor) Analyze(ctx context.Context, window time.Duration, types []domain.ViolationType) (*ThreatAnalysis, error) {
	now := m.nowF().UTC()
	events, err := m.repo.ListEventsSince(ctx, now.Add(-window))
	if err != nil {
		return nil, err
	}

	wanted := func(t domain.ViolationType) bool {
		if len(types) == 0 {
			return true
		}
		for _, w := range types {
			if w == t {
				return true
			}
		}
		return false
	}

	var found []*domain.Violation
	if wanted(domain.ViolationExcessiveDenials) {
		found = append(found, m.detectExcessiveDenials(events, now)...)
	}
	if wanted(domain.ViolationDeviceChurn) {
		found = append(found, m.detectDeviceChurn(events, now)...)
	}
	if wanted(domain.ViolationGeoProbing) {
		found = append(found, m.detectGeoProbing(events, now)...)
	}
	if wanted(domain.ViolationConcurrencyAbuse) {
		found = append(found, m.detectConcurrencyAbuse(events, now)...)
	}

	for _, v := range found {
		if v.Severity == domain.SeverityCritical {
			m.escalate(ctx, v)
		}
		if err := m.repo.CreateViolation(ctx, v); err != nil {
			log.Printf("usage: persist violation: %v", err)
		}
	}

	return &ThreatAnalysis{
		Window:         window,
		GeneratedAt:    now,
		EventsAnalyzed: len(events),
		Violations:     found,
	}, nil
}

func (m *Monitor) detectExcessiveDenials(events []*domain.UsageEvent, now time.Time) []*domain.Violation {
	type tally struct{ total, denied int }
	perPolicy := make(map[string]*tally)
	for _, e := range events {
		if e.PolicyID == "" {
			continue
		}
		t := perPolicy[e.PolicyID]
		if t == nil {
			t = &tally{}
			perPolicy[e.PolicyID] = t
		}
		t.total++
		if !e.Granted {
			t.denied++
		}
	}

	var out []*domain.Violation
	for policyID, t := range perPolicy {
		if t.total < minDenialSample {
			continue
		}
		rate := float64(t.denied) / float64(t.total)
		if rate <= m.thresholds.DenialRate {
			continue
		}
		out = append(out, m.violation(domain.ViolationExcessiveDenials, policyID, "",
			rate, m.thresholds.DenialRate, now))
	}
	sortViolations(out)
	return out
}

func (m *Monitor) detectDeviceChurn(events []*domain.UsageEvent, now time.Time) []*domain.Violation {
	type pair struct{ principal, policy string }
	devices := make(map[pair]map[string]struct{})
	for _, e := range events {
		if e.PrincipalID == "" || e.DeviceFingerprint == "" {
			continue
		}
		k := pair{e.PrincipalID, e.PolicyID}
		if devices[k] == nil {
			devices[k] = make(map[string]struct{})
		}
		devices[k][e.DeviceFingerprint] = struct{}{}
	}

	var out []*domain.Violation
	for k, fps := range devices {
		n := float64(len(fps))
		if n <= m.thresholds.DeviceChurn {
			continue
		}
		out = append(out, m.violation(domain.ViolationDeviceChurn, k.policy, k.principal,
			n, m.thresholds.DeviceChurn, now))
	}
	sortViolations(out)
	return out
}

func (m *Monitor) detectGeoProbing(events []*domain.UsageEvent, now time.Time) []*domain.Violation {
	locations := make(map[string]map[string]struct{})
	policyOf := make(map[string]string)
	for _, e := range events {
		if e.Granted || e.Reason != validate.ReasonGeoRestricted || e.PrincipalID == "" {
			continue
		}
		if locations[e.PrincipalID] == nil {
			locations[e.PrincipalID] = make(map[string]struct{})
		}
		locations[e.PrincipalID][e.Location] = struct{}{}
		policyOf[e.PrincipalID] = e.PolicyID
	}

	threshold := float64(m.thresholds.GeoProbe)
	var out []*domain.Violation
	for principal, locs := range locations {
		n := float64(len(locs))
		if n < threshold {
			continue
		}
		out = append(out, m.violation(domain.ViolationGeoProbing, policyOf[principal], principal,
			n, threshold, now))
	}
	sortViolations(out)
	return out
}

func (m *Monitor) detectConcurrencyAbuse(events []*domain.UsageEvent, now time.Time) []*domain.Violation {
	type pair struct{ principal, policy string }
	denials := make(map[pair]int)
	for _, e := range events {
		if e.Granted || e.Reason != validate.ReasonConcurrencyLimitExceeded || e.PrincipalID == "" {
			continue
		}
		denials[pair{e.PrincipalID, e.PolicyID}]++
	}

	threshold := float64(m.thresholds.ConcurrencyAbuse)
	var out []*domain.Violation
	for k, n := range denials {
		if float64(n) < threshold {
			continue
		}
		out = append(out, m.violation(domain.ViolationConcurrencyAbuse, k.policy, k.principal,
			float64(n), threshold, now))
	}
	sortViolations(out)
	return out
}

func (m *Monitor) violation(t domain.ViolationType, policyID, principalID string, observed, threshold float64, now time.Time) *domain.Violation {
	return &domain.Violation{
		ID:          uuid.New().String(),
		PolicyID:    policyID,
		PrincipalID: principalID,
		Type:        t,
		Severity:    domain.SeverityFor(observed / threshold),
		Observed:    observed,
		Threshold:   threshold,
		DetectedAt:  now,
		Status:      domain.ViolationStatusOpen,
	}
}

func (m *Monitor) escalate(ctx context.Context, v *domain.Violation) {
	if m.notifier != nil {
		m.notifier.CriticalViolation(ctx, v.PolicyID, v.PrincipalID, string(v.Type), v.Observed, v.Threshold)
	}
	if !m.autoRespond || m.policies == nil || v.PolicyID == "" {
		return
	}
	if err := m.policies.Suspend(ctx, v.PolicyID); err != nil {
		log.Printf("usage: auto-suspend policy %s: %v", v.PolicyID, err)
		return
	}
	v.Status = domain.ViolationStatusEscalated
	audit.Log(ctx, m.auditor, "policy.auto_suspended", v.PolicyID,
		fmt.Sprintf(`{"violation":%q,"observed":%g,"threshold":%g}`, v.Type, v.Observed, v.Threshold))
	log.Printf("usage: auto-suspended policy %s after critical %s", v.PolicyID, v.Type)
}

// ResolveViolation marks a finding resolved. Resolving an already-resolved
// finding is a no-op; an unknown id fails with ErrViolationNotFound.
func (m *Monitor) ResolveViolation(ctx context.Context, id string) (*domain.Violation, error) {
	v, err := m.repo.GetViolation(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrViolationNotFound
	}
	if v.Status == domain.ViolationStatusResolved {
		return v, nil
	}
	if err := m.repo.UpdateViolationStatus(ctx, id, domain.ViolationStatusResolved); err != nil {
		return nil, err
	}
	v.Status = domain.ViolationStatusResolved
	audit.Log(ctx, m.auditor, "violation.resolved", v.ID,
		fmt.Sprintf(`{"type":%q,"policy_id":%q}`, v.Type, v.PolicyID))
	return v, nil
}

func sortViolations(vs []*domain.Violation) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].PolicyID != vs[j].PolicyID {
			return vs[i].PolicyID < vs[j].PolicyID
		}
		return vs[i].PrincipalID < vs[j].PrincipalID
	})
}

// frameworkTypes maps a compliance framework to the violation types it
// cares about. Unknown frameworks are scored against everything.
var frameworkTypes = map[string][]domain.ViolationType{
	"dmca": {domain.ViolationExcessiveDenials, domain.ViolationDeviceChurn, domain.ViolationConcurrencyAbuse},
	"gdpr": {domain.ViolationGeoProbing, domain.ViolationDeviceChurn},
}

func severityDeduction(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return 20
	case domain.SeverityHigh:
		return 10
	case domain.SeverityMedium:
		return 5
	default:
		return 2
	}
}

// Audit scores the period's violations against the requested frameworks.
// An empty frameworks list scores everything under "general".
func (m *Monitor) Audit(ctx context.Context, frameworks []string, period time.Duration) (*ComplianceReport, error) {
	now := m.nowF().UTC()
	violations, err := m.repo.ListViolationsSince(ctx, now.Add(-period))
	if err != nil {
		return nil, err
	}
	if len(frameworks) == 0 {
		frameworks = []string{"general"}
	}

	report := &ComplianceReport{
		GeneratedAt: now,
		Period:      period,
	}
	var sum float64
	for _, name := range frameworks {
		relevant := frameworkTypes[name]
		score := 100.0
		count := 0
		for _, v := range violations {
			if relevant != nil && !containsType(relevant, v.Type) {
				continue
			}
			score -= severityDeduction(v.Severity)
			count++
		}
		if score < 0 {
			score = 0
		}
		report.Frameworks = append(report.Frameworks, FrameworkResult{
			Name:       name,
			Score:      score,
			Violations: count,
		})
		sum += score
	}
	report.OverallScore = sum / float64(len(report.Frameworks))
	return report, nil
}

func containsType(list []domain.ViolationType, t domain.ViolationType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}
