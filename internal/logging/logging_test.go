package logging

import "testing"

func TestLevelExitCode(t *testing.T) {
	cases := map[Level]int{
		LevelInfo:     20,
		LevelWarn:     30,
		LevelError:    40,
		LevelCritical: 50,
	}
	for level, want := range cases {
		if got := level.ExitCode(); got != want {
			t.Errorf("Level(%d).ExitCode() = %d, want %d", level, got, want)
		}
	}
}

func TestTrackerStartsAtInfo(t *testing.T) {
	tr := NewTracker()
	if tr.Worst() != LevelInfo {
		t.Fatalf("expected a fresh Tracker to start at LevelInfo, got %v", tr.Worst())
	}
}

func TestTrackerObserveOnlyRatchetsUpward(t *testing.T) {
	tr := NewTracker()
	tr.observe(LevelWarn)
	if tr.Worst() != LevelWarn {
		t.Fatalf("expected Worst() == LevelWarn, got %v", tr.Worst())
	}
	tr.observe(LevelInfo)
	if tr.Worst() != LevelWarn {
		t.Fatalf("expected a lower level to never decrease Worst(), got %v", tr.Worst())
	}
	tr.observe(LevelCritical)
	if tr.Worst() != LevelCritical {
		t.Fatalf("expected Worst() == LevelCritical, got %v", tr.Worst())
	}
}

func TestBuildProducesAWorkingLoggerAndTracksLevels(t *testing.T) {
	tracker := NewTracker()
	logger, err := Build("error", tracker)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer logger.Sync()

	logger.Error("boom")
	if tracker.Worst() != LevelError {
		t.Fatalf("expected the tracker to observe an Error-level write, got %v", tracker.Worst())
	}
}

func TestBuildDefaultsToInfoLevel(t *testing.T) {
	tracker := NewTracker()
	logger, err := Build("", tracker)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(0) {
		t.Fatalf("expected the default build to enable info level logging")
	}
}
