package parse

import "testing"

func TestFindSummaryLinePicksLastMatch(t *testing.T) {
	stream := `{"message_type":"status","percent_done":0.5}
{"message_type":"summary","total_bytes_processed":100}`
	line, ok := FindSummaryLine(stream)
	if !ok {
		t.Fatalf("expected to find a summary line")
	}
	if line != `{"message_type":"summary","total_bytes_processed":100}` {
		t.Errorf("FindSummaryLine returned %q", line)
	}
}

func TestFindSummaryLineNoneFound(t *testing.T) {
	if _, ok := FindSummaryLine(`{"message_type":"status"}`); ok {
		t.Errorf("expected no summary line to be found")
	}
}

func TestJSONToPrometheusHappyPath(t *testing.T) {
	summary := `{"message_type":"summary","files_new":3,"files_changed":1,"files_unmodified":10,"total_files_processed":14,"total_bytes_processed":2048,"data_added":512,"total_duration":12.5}`
	labels := map[string]string{"repo": "myrepo"}

	ok, samples, tooSmall := JSONToPrometheus(true, summary, labels, "")
	if !ok {
		t.Fatalf("expected resticResult to pass through true")
	}
	if tooSmall {
		t.Fatalf("no minimum size configured, should never be too small")
	}
	if len(samples) == 0 {
		t.Fatalf("expected samples to be produced")
	}

	var sawFailure bool
	for _, s := range samples {
		if s.Name == "restic_backup_failure" {
			sawFailure = true
			if s.Value != 0 {
				t.Errorf("expected a successful backup to report failure=0, got %v", s.Value)
			}
		}
		if s.Labels["repo"] != "myrepo" {
			t.Errorf("expected caller labels to be merged onto every sample, got %+v", s.Labels)
		}
	}
	if !sawFailure {
		t.Errorf("expected a restic_backup_failure sample")
	}
}

func TestJSONToPrometheusBelowMinimumSizeIsTooSmall(t *testing.T) {
	summary := `{"message_type":"summary","total_bytes_processed":100}`
	ok, samples, tooSmall := JSONToPrometheus(true, summary, nil, "1 MiB")
	if !tooSmall {
		t.Fatalf("expected a 100-byte backup against a 1MiB minimum to be flagged too small")
	}
	var failureValue float64 = -1
	for _, s := range samples {
		if s.Name == "restic_backup_failure" {
			failureValue = s.Value
		}
	}
	if failureValue != 1 {
		t.Errorf("expected restic_backup_failure=1 when too small, got %v", failureValue)
	}
	_ = ok
}

func TestJSONToPrometheusUnparseableReturnsError(t *testing.T) {
	ok, samples, tooSmall := JSONToPrometheus(true, "not json at all", nil, "")
	if ok || samples != nil || !tooSmall {
		t.Errorf("expected an unparseable summary to report failure, got ok=%v samples=%v tooSmall=%v", ok, samples, tooSmall)
	}
}

func TestSampleRenderSortsLabels(t *testing.T) {
	s := Sample{Name: "restic_files", Labels: map[string]string{"state": "new", "action": "backup"}, Value: 3}
	got := s.Render()
	want := `restic_files{action="backup",state="new"} 3`
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}
