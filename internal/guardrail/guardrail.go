// Package guardrail implements the Guardrail Detector (spec §4.E): a
// keyword-pattern classifier that flags tasks for human review, with
// confidence scoring, feedback-driven pattern learning, and adaptive
// threshold tuning. Grounded on the teacher's
// internal/supervisor/decision.go keyword-classification approach,
// generalized from a one-shot report analyzer into a persistent,
// feedback-trained detector.
package guardrail

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

var logger = log.New(log.Writer(), "[GUARDRAIL] ", log.LstdFlags)

// MemoryStore is the narrow persistence surface the detector needs;
// internal/memstore.Store satisfies it structurally.
type MemoryStore interface {
	RecordFeedback(detectionID string, wasCorrect bool, actualNeed, comment string) error
	UpsertLearning(pattern string, dtp, dfp, dfn int) error
	GetLearning(pattern string) (tp, fp, fn int, ok bool)
}

// AnalyzeContext bundles the inputs to analyze.
type AnalyzeContext struct {
	Task  string
	Phase string
	Type  string
}

// Detection is a single analyze() result, retained for later feedback.
type Detection struct {
	ID             string
	TaskFingerprint string
	Pattern        string
	Keywords       []string
	Confidence     float64
	RequiresHuman  bool
}

type pattern struct {
	name          string
	keywords      map[string]bool
	baseConfidence float64
	reinforcements int
}

var builtinPatterns = []struct {
	name          string
	keywords      []string
	baseConfidence float64
}{
	{"highRisk", []string{"production", "delete", "drop table", "irreversible", "destructive", "rm -rf", "force push", "credentials", "secret key"}, 0.75},
	{"design", []string{"architecture", "redesign", "migration", "rewrite", "schema change"}, 0.55},
	{"manualTest", []string{"manual test", "exploratory test", "user acceptance", "uat"}, 0.50},
	{"strategic", []string{"roadmap", "pricing", "partnership", "compliance", "legal risk"}, 0.60},
	{"legal", []string{"license", "gdpr", "data retention", "privacy policy", "terms of service"}, 0.65},
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "have": true, "will": true, "into": true, "about": true, "your": true,
	"task": true, "need": true, "needs": true, "should": true, "would": true, "could": true,
}

// Detector implements spec §4.E over a Memory Store backed by
// persistent aggregates and an in-memory LRU of pending detections.
type Detector struct {
	mu sync.Mutex

	cfg   config.GuardrailConfig
	store MemoryStore
	bus   *events.Bus

	patterns  []*pattern
	threshold float64

	detections   map[string]*Detection
	detectionLRU []string // oldest first

	totalDetections int
	globalTP        int
	globalFP        int
	globalFN        int

	learnedSeq int
}

// New constructs a Detector seeded with the built-in pattern families.
func New(cfg config.GuardrailConfig, store MemoryStore, bus *events.Bus) *Detector {
	d := &Detector{
		cfg: cfg, store: store, bus: bus,
		threshold:  cfg.InitialThreshold,
		detections: make(map[string]*Detection),
	}
	for _, bp := range builtinPatterns {
		kw := make(map[string]bool, len(bp.keywords))
		for _, k := range bp.keywords {
			kw[k] = true
		}
		d.patterns = append(d.patterns, &pattern{name: bp.name, keywords: kw, baseConfidence: bp.baseConfidence})
	}
	return d
}

// Analyze classifies a task against the built-in and learned pattern
// families and records a detection for later feedback.
func (d *Detector) Analyze(ctx context.Context, ac AnalyzeContext) *Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	text := normalize(ac.Task)
	if strings.TrimSpace(text) == "" {
		return &Detection{ID: uuid.New().String(), TaskFingerprint: fingerprint(ac.Task), RequiresHuman: false}
	}

	var bestPattern *pattern
	var bestConfidence float64
	var bestKeywords []string

	for _, p := range d.patterns {
		matched := matchKeywords(text, p.keywords)
		if len(matched) == 0 {
			continue
		}
		confidence := p.baseConfidence + 0.10*float64(len(matched)-1)
		if confidence > 1 {
			confidence = 1
		}
		if confidence > bestConfidence {
			bestConfidence = confidence
			bestPattern = p
			bestKeywords = matched
		}
	}

	det := &Detection{
		ID:              uuid.New().String(),
		TaskFingerprint: fingerprint(ac.Task),
		Keywords:        bestKeywords,
	}
	if bestPattern != nil {
		det.Pattern = bestPattern.name
		det.Confidence = bestConfidence
		det.RequiresHuman = bestConfidence >= d.threshold
	}

	d.remember(det)
	d.totalDetections++

	if d.bus != nil {
		d.bus.Publish(events.New(events.GuardrailDetected, "guardrail", map[string]interface{}{
			"id": det.ID, "pattern": det.Pattern, "confidence": det.Confidence, "requiresHuman": det.RequiresHuman,
		}))
	}

	return det
}

func (d *Detector) remember(det *Detection) {
	d.detections[det.ID] = det
	d.detectionLRU = append(d.detectionLRU, det.ID)
	cap := d.cfg.DetectionCacheCap
	if cap <= 0 {
		cap = 500
	}
	for len(d.detectionLRU) > cap {
		evictID := d.detectionLRU[0]
		d.detectionLRU = d.detectionLRU[1:]
		delete(d.detections, evictID)
	}
}

// FeedbackOpts carries the fields of a feedback submission.
type FeedbackOpts struct {
	WasCorrect bool
	ActualNeed string // "yes" or "no"
	Comment    string
}

// RecordFeedback updates TP/FP/FN counters, persists through the
// Memory Store, and may spawn a learned pattern. Feedback for an
// unknown detection id is accepted as a stored hint and never raises.
func (d *Detector) RecordFeedback(detectionID string, opts FeedbackOpts) {
	d.mu.Lock()
	defer d.mu.Unlock()

	det, known := d.detections[detectionID]
	if !known {
		logger.Printf("feedback for unknown detection %s accepted as a hint", detectionID)
	}

	actualYes := opts.ActualNeed == "yes"
	var outcome string
	switch {
	case det != nil && det.RequiresHuman && actualYes:
		outcome = "TP"
		d.globalTP++
	case det != nil && det.RequiresHuman && !actualYes:
		outcome = "FP"
		d.globalFP++
	case det != nil && !det.RequiresHuman && actualYes:
		outcome = "FN"
		d.globalFN++
	case !actualYes:
		outcome = "TN"
	default:
		outcome = "FN"
		d.globalFN++
	}

	patternName := "unknown"
	if det != nil && det.Pattern != "" {
		patternName = det.Pattern
	}
	dtp, dfp, dfn := 0, 0, 0
	switch outcome {
	case "TP":
		dtp = 1
	case "FP":
		dfp = 1
	case "FN":
		dfn = 1
	}
	if d.store != nil {
		if err := d.store.UpsertLearning(patternName, dtp, dfp, dfn); err != nil {
			logger.Printf("learning upsert failed for pattern %s: %v", patternName, err)
		}
		if err := d.store.RecordFeedback(detectionID, opts.WasCorrect, opts.ActualNeed, opts.Comment); err != nil {
			logger.Printf("feedback persist failed for detection %s: %v", detectionID, err)
		}
	}

	if d.cfg.AdaptiveThresholds {
		d.tuneThreshold()
	}

	if d.bus != nil {
		d.bus.Publish(events.New(events.GuardrailFeedback, "guardrail", map[string]interface{}{
			"detectionId": detectionID, "outcome": outcome, "pattern": patternName,
		}))
	}
}

// RecordFeedbackForTask is the spec-complete feedback entry point: a
// detection only retains a fingerprint of its task text, so
// learned-pattern extraction on a false negative needs the caller to
// supply the original text alongside the feedback.
func (d *Detector) RecordFeedbackForTask(detectionID, taskText string, opts FeedbackOpts) {
	d.RecordFeedback(detectionID, opts)
	if opts.ActualNeed != "yes" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	det := d.detections[detectionID]
	if det != nil && det.RequiresHuman {
		return
	}
	d.maybeLearnPattern(taskText)
}

// maybeLearnPattern extracts candidate keywords (tokens ≥3 chars, not
// stopwords) from taskText and, if ≥2 of them are not already covered
// by a built-in pattern, creates a learned pattern.
func (d *Detector) maybeLearnPattern(taskText string) {
	if strings.TrimSpace(taskText) == "" {
		return
	}
	candidates := extractCandidates(taskText)
	var uncovered []string
	for _, c := range candidates {
		if d.coveredByBuiltin(c) {
			continue
		}
		uncovered = append(uncovered, c)
	}
	if len(uncovered) < 2 {
		return
	}

	if existing := d.findLearnedPattern(uncovered); existing != nil {
		existing.reinforcements++
		existing.baseConfidence = reinforcedConfidence(existing.reinforcements)
		if d.bus != nil {
			d.bus.Publish(events.New(events.GuardrailPatternLearned, "guardrail", map[string]interface{}{
				"pattern": existing.name, "keywords": uncovered, "reinforced": true,
			}))
		}
		return
	}

	d.learnedSeq++
	name := fmt.Sprintf("learned_%d", d.learnedSeq)
	kw := make(map[string]bool, len(uncovered))
	for _, c := range uncovered {
		kw[c] = true
	}

	d.patterns = append(d.patterns, &pattern{name: name, keywords: kw, baseConfidence: reinforcedConfidence(0)})

	if d.bus != nil {
		d.bus.Publish(events.New(events.GuardrailPatternLearned, "guardrail", map[string]interface{}{
			"pattern": name, "keywords": uncovered,
		}))
	}
}

// findLearnedPattern looks for an existing learned_<n> pattern whose
// keyword set exactly matches candidates, so repeated false negatives
// on the same phrase reinforce one pattern instead of multiplying them.
func (d *Detector) findLearnedPattern(candidates []string) *pattern {
	for _, p := range d.patterns {
		if !strings.HasPrefix(p.name, "learned_") || len(p.keywords) != len(candidates) {
			continue
		}
		match := true
		for _, c := range candidates {
			if !p.keywords[c] {
				match = false
				break
			}
		}
		if match {
			return p
		}
	}
	return nil
}

// reinforcedConfidence implements spec §4.E's learned-pattern base
// confidence: 0.60 + 0.05×reinforcements, capped at 0.85.
func reinforcedConfidence(reinforcements int) float64 {
	base := 0.60 + 0.05*float64(reinforcements)
	if base > 0.85 {
		base = 0.85
	}
	return base
}

func (d *Detector) coveredByBuiltin(candidate string) bool {
	for _, p := range d.patterns {
		if strings.HasPrefix(p.name, "learned_") {
			continue
		}
		if p.keywords[candidate] {
			return true
		}
	}
	return false
}

func extractCandidates(text string) []string {
	text = normalize(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// tuneThreshold adjusts the confidence threshold per spec §4.E when
// enough detections have accumulated and the false-positive or
// false-negative rate crosses its band.
func (d *Detector) tuneThreshold() {
	min := d.cfg.MinDetectionsForAdapt
	if min <= 0 {
		min = 10
	}
	if d.totalDetections < min {
		return
	}
	total := float64(d.totalDetections)
	fpRate := float64(d.globalFP) / total
	fnRate := float64(d.globalFN) / total

	before := d.threshold
	if fpRate > 0.30 {
		d.threshold += 0.05
		if d.threshold > 0.95 {
			d.threshold = 0.95
		}
	}
	if fnRate > 0.30 {
		d.threshold -= 0.05
		if d.threshold < 0.40 {
			d.threshold = 0.40
		}
	}

	if d.threshold != before && d.bus != nil {
		d.bus.Publish(events.New(events.GuardrailThresholdTuned, "guardrail", map[string]interface{}{
			"from": before, "to": d.threshold,
		}))
	}
}

// Stats summarizes precision/recall and learned-pattern counts.
type Stats struct {
	TotalDetections int
	TP, FP, FN      int
	Precision       float64
	Recall          float64
	Threshold       float64
	LearnedPatterns int
	PerPattern      map[string]PatternAccuracy
}

// PatternAccuracy reports per-pattern TP/FP/FN, sourced from the
// Memory Store when available.
type PatternAccuracy struct {
	TP, FP, FN int
}

// Statistics computes spec §4.E's exposed precision/recall figures.
func (d *Detector) Statistics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TotalDetections: d.totalDetections,
		TP:              d.globalTP, FP: d.globalFP, FN: d.globalFN,
		Threshold:  d.threshold,
		PerPattern: make(map[string]PatternAccuracy),
	}
	if d.globalTP+d.globalFP > 0 {
		stats.Precision = float64(d.globalTP) / float64(d.globalTP+d.globalFP)
	}
	if d.globalTP+d.globalFN > 0 {
		stats.Recall = float64(d.globalTP) / float64(d.globalTP+d.globalFN)
	}
	for _, p := range d.patterns {
		if strings.HasPrefix(p.name, "learned_") {
			stats.LearnedPatterns++
		}
		if d.store != nil {
			if tp, fp, fn, ok := d.store.GetLearning(p.name); ok {
				stats.PerPattern[p.name] = PatternAccuracy{TP: tp, FP: fp, FN: fn}
			}
		}
	}
	return stats
}

// Threshold returns the current adaptive confidence threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchKeywords(text string, keywords map[string]bool) []string {
	var matched []string
	keys := make([]string, 0, len(keywords))
	for k := range keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, kw := range keys {
		if strings.Contains(text, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

func fingerprint(task string) string {
	norm := normalize(task)
	n := len(norm)
	if n > 32 {
		n = 32
	}
	return strconv.Itoa(len(task)) + ":" + norm[:n]
}
