package guardrail

import (
	"context"
	"testing"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

type fakeStore struct {
	feedback  []string
	learning  map[string][3]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{learning: make(map[string][3]int)}
}

func (f *fakeStore) RecordFeedback(detectionID string, wasCorrect bool, actualNeed, comment string) error {
	f.feedback = append(f.feedback, detectionID)
	return nil
}

func (f *fakeStore) UpsertLearning(pattern string, dtp, dfp, dfn int) error {
	v := f.learning[pattern]
	v[0] += dtp
	v[1] += dfp
	v[2] += dfn
	f.learning[pattern] = v
	return nil
}

func (f *fakeStore) GetLearning(pattern string) (tp, fp, fn int, ok bool) {
	v, found := f.learning[pattern]
	return v[0], v[1], v[2], found
}

func newTestDetector() *Detector {
	cfg := config.DefaultGuardrailConfig()
	return New(cfg, newFakeStore(), events.NewBus())
}

func TestAnalyzeEmptyTaskNeverRequiresHuman(t *testing.T) {
	d := newTestDetector()
	det := d.Analyze(context.Background(), AnalyzeContext{Task: "   "})
	if det.RequiresHuman {
		t.Fatal("expected empty task to never require human review")
	}
}

func TestAnalyzeHighRiskMatchesBuiltinPattern(t *testing.T) {
	d := newTestDetector()
	det := d.Analyze(context.Background(), AnalyzeContext{Task: "delete the production credentials immediately", Phase: "implementation"})
	if det.Pattern != "highRisk" {
		t.Fatalf("expected highRisk pattern, got %q", det.Pattern)
	}
	if !det.RequiresHuman {
		t.Fatalf("expected requiresHuman for confidence %v above default threshold", det.Confidence)
	}
}

func TestAnalyzeCleanTaskHasNoPattern(t *testing.T) {
	d := newTestDetector()
	det := d.Analyze(context.Background(), AnalyzeContext{Task: "add a unit test for the parser"})
	if det.RequiresHuman {
		t.Fatalf("expected clean task not to require human review, got pattern %q", det.Pattern)
	}
	if det.Pattern != "" {
		t.Fatalf("expected clean task to match no pattern, got %q", det.Pattern)
	}
}

func TestConfidenceScalesWithMatchCount(t *testing.T) {
	d := newTestDetector()
	single := d.Analyze(context.Background(), AnalyzeContext{Task: "schema change planned"})
	multi := d.Analyze(context.Background(), AnalyzeContext{Task: "architecture redesign and schema change and migration"})
	if multi.Confidence <= single.Confidence {
		t.Fatalf("expected more keyword matches to raise confidence: single=%v multi=%v", single.Confidence, multi.Confidence)
	}
}

func TestRecordFeedbackUnknownDetectionNeverRaises(t *testing.T) {
	d := newTestDetector()
	d.RecordFeedback("does-not-exist", FeedbackOpts{ActualNeed: "no"})
}

func TestRecordFeedbackTruePositiveCounters(t *testing.T) {
	d := newTestDetector()
	det := d.Analyze(context.Background(), AnalyzeContext{Task: "drop table users in production"})
	if !det.RequiresHuman {
		t.Fatal("expected this task to require human review for the test to be meaningful")
	}
	d.RecordFeedback(det.ID, FeedbackOpts{WasCorrect: true, ActualNeed: "yes"})

	stats := d.Statistics()
	if stats.TP != 1 {
		t.Fatalf("expected 1 true positive, got %d", stats.TP)
	}
}

func TestRecordFeedbackForTaskLearnsPatternOnFalseNegative(t *testing.T) {
	d := newTestDetector()
	taskText := "refactor the quantum widget synchronizer module"
	det := d.Analyze(context.Background(), AnalyzeContext{Task: taskText})
	if det.RequiresHuman {
		t.Skip("task unexpectedly flagged by a builtin pattern, cannot exercise false-negative learning")
	}

	d.RecordFeedbackForTask(det.ID, taskText, FeedbackOpts{ActualNeed: "yes"})

	stats := d.Statistics()
	if stats.LearnedPatterns != 1 {
		t.Fatalf("expected one learned pattern from the false negative, got %d", stats.LearnedPatterns)
	}
}

func TestAdaptiveThresholdRaisesOnHighFalsePositiveRate(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.MinDetectionsForAdapt = 4
	d := New(cfg, newFakeStore(), events.NewBus())

	initial := d.Threshold()
	for i := 0; i < 5; i++ {
		det := d.Analyze(context.Background(), AnalyzeContext{Task: "delete production credentials now"})
		d.RecordFeedback(det.ID, FeedbackOpts{ActualNeed: "no"})
	}

	if d.Threshold() <= initial {
		t.Fatalf("expected threshold to rise above %v after a high false-positive rate, got %v", initial, d.Threshold())
	}
}

func TestDetectionCacheCapEvictsOldest(t *testing.T) {
	cfg := config.DefaultGuardrailConfig()
	cfg.DetectionCacheCap = 2
	d := New(cfg, newFakeStore(), events.NewBus())

	first := d.Analyze(context.Background(), AnalyzeContext{Task: "task one"})
	d.Analyze(context.Background(), AnalyzeContext{Task: "task two"})
	d.Analyze(context.Background(), AnalyzeContext{Task: "task three"})

	if len(d.detections) != 2 {
		t.Fatalf("expected cache capped at 2 entries, got %d", len(d.detections))
	}
	if _, ok := d.detections[first.ID]; ok {
		t.Fatal("expected the oldest detection to be evicted")
	}
}

func TestStatisticsPrecisionRecall(t *testing.T) {
	d := newTestDetector()
	tp := d.Analyze(context.Background(), AnalyzeContext{Task: "drop table production credentials"})
	d.RecordFeedback(tp.ID, FeedbackOpts{ActualNeed: "yes"})

	fp := d.Analyze(context.Background(), AnalyzeContext{Task: "force push to production destructive rm -rf"})
	d.RecordFeedback(fp.ID, FeedbackOpts{ActualNeed: "no"})

	stats := d.Statistics()
	if stats.Precision != 0.5 {
		t.Fatalf("expected precision 0.5, got %v", stats.Precision)
	}
	if stats.Recall != 1 {
		t.Fatalf("expected recall 1 with no false negatives, got %v", stats.Recall)
	}
}
