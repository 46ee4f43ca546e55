package restic

import (
	"strings"
	"testing"
)

func TestDetectRepoTypeLocalPath(t *testing.T) {
	if got := detectRepoType("/var/backups/repo"); got != "local" {
		t.Fatalf("got %q, want local", got)
	}
}

func TestDetectRepoTypeWindowsDriveLetterIsLocal(t *testing.T) {
	if got := detectRepoType(`C:\backups\repo`); got != "local" {
		t.Fatalf("got %q, want local (drive letters must not be mistaken for a scheme)", got)
	}
}

func TestDetectRepoTypeRemoteScheme(t *testing.T) {
	if got := detectRepoType("s3:https://example.com/bucket"); got != "s3" {
		t.Fatalf("got %q, want s3", got)
	}
	if got := detectRepoType("sftp:user@host:/path"); got != "sftp" {
		t.Fatalf("got %q, want sftp", got)
	}
}

func TestGenericArgumentsOrderAndGating(t *testing.T) {
	w := &Wrapper{repoType: "s3", opts: Options{
		LimitUploadKiB:     100,
		LimitDownloadKiB:   200,
		BackendConnections: 5,
		Verbose:            true,
		JSONOutput:         true,
		NoCache:            true,
	}}
	args := w.genericArguments(false)
	want := []string{"--limit-upload", "100", "--limit-download", "200", "-o", "s3.connections=5", "-vv", "--json", "--no-cache"}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("got %v, want %v", args, want)
		}
	}
}

func TestGenericArgumentsSkipsConnectionsForLocalRepo(t *testing.T) {
	w := &Wrapper{repoType: "local", opts: Options{BackendConnections: 5}}
	args := w.genericArguments(false)
	for _, a := range args {
		if strings.Contains(a, "connections") {
			t.Fatalf("did not expect a connections tuning flag for a local repo, got %v", args)
		}
	}
}

func TestGenericArgumentsForceNoLock(t *testing.T) {
	w := &Wrapper{repoType: "local"}
	args := w.genericArguments(true)
	if len(args) != 1 || args[0] != "--no-lock" {
		t.Fatalf("got %v, want [--no-lock]", args)
	}
}

func TestBuildArgsInjectsDryRunRightAfterSubcommand(t *testing.T) {
	w := &Wrapper{repoType: "local", opts: Options{DryRun: true}}
	args := w.buildArgs("backup", false, []string{"/data"})
	if args[0] != "backup" || args[1] != "--dry-run" {
		t.Fatalf("got %v, want dry-run immediately after the subcommand", args)
	}
}

func TestBuildArgsOmitsDryRunForUnsupportedOperation(t *testing.T) {
	w := &Wrapper{repoType: "local", opts: Options{DryRun: true}}
	args := w.buildArgs("snapshots", false, nil)
	for _, a := range args {
		if a == "--dry-run" {
			t.Fatalf("did not expect --dry-run for an operation outside dryRunOperations, got %v", args)
		}
	}
}

func TestBuildArgsAppendsExtraArguments(t *testing.T) {
	w := &Wrapper{repoType: "local", opts: Options{ExtraArguments: "--extra-flag value"}}
	args := w.buildArgs("backup", false, nil)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--extra-flag value") {
		t.Fatalf("expected extra arguments to be appended, got %v", args)
	}
}

func TestClassifySuccessOnZeroExit(t *testing.T) {
	w := &Wrapper{}
	success, isInit, reason := w.classify("backup", 0, "", "")
	if !success || !isInit || reason != "" {
		t.Fatalf("got %v, %v, %q", success, isInit, reason)
	}
	if w.state != StateInitialized {
		t.Fatalf("expected state to become StateInitialized")
	}
}

func TestClassifyUninitializedRepository(t *testing.T) {
	w := &Wrapper{}
	success, isInit, reason := w.classify("backup", 10, "", "")
	if success || isInit {
		t.Fatalf("expected failure for an uninitialized repository")
	}
	if reason != "Repository is not initialized or does not exist" {
		t.Fatalf("got %q", reason)
	}
	if w.state != StateUninitialized {
		t.Fatalf("expected state to become StateUninitialized")
	}
}

func TestClassifyUninitializedDetectedFromOutputText(t *testing.T) {
	w := &Wrapper{}
	success, _, reason := w.classify("backup", 1, "Fatal: repository does not exist", "")
	if success {
		t.Fatalf("expected failure when output names a missing repository")
	}
	if reason != "Repository is not initialized or does not exist" {
		t.Fatalf("got %q", reason)
	}
}

func TestClassifyUsesStderrThenOutputForReason(t *testing.T) {
	w := &Wrapper{}
	_, _, reason := w.classify("backup", 1, "", "  boom from stderr  ")
	if reason != "boom from stderr" {
		t.Fatalf("got %q", reason)
	}
	_, _, reason = w.classify("backup", 1, "  boom from stdout  ", "")
	if reason != "boom from stdout" {
		t.Fatalf("got %q", reason)
	}
}

func TestAllCloudErrorsRequiresEveryErrorLineToMatch(t *testing.T) {
	cloudOnly := "error: read X: The media is write protected.\nsome info line"
	if !allCloudErrors(cloudOnly) {
		t.Fatalf("expected an all-cloud-error output to match")
	}
	mixed := "error: read X: The media is write protected.\nerror: something else entirely"
	if allCloudErrors(mixed) {
		t.Fatalf("expected a non-cloud error line to fail allCloudErrors")
	}
	if allCloudErrors("no error lines here") {
		t.Fatalf("expected no error lines to report false, not vacuously true")
	}
}

func TestOutputFilterStripsNoiseLines(t *testing.T) {
	w := &Wrapper{}
	in := "2024/01/02 03:04:05 DEBUG : some rclone debug line\nreal output line\n2024/01/02 03:04:05 NOTICE: something"
	out := w.outputFilter(in)
	if strings.Contains(out, "DEBUG") || strings.Contains(out, "NOTICE") {
		t.Fatalf("expected noise lines to be stripped, got %q", out)
	}
	if !strings.Contains(out, "real output line") {
		t.Fatalf("expected the real output line to survive, got %q", out)
	}
}

func TestParseOutputLinesWrapsPlainTextWithoutJSON(t *testing.T) {
	w := &Wrapper{opts: Options{JSONOutput: false}}
	out := w.parseOutputLines("snapshots", "plain text line")
	if len(out) != 1 {
		t.Fatalf("expected one entry, got %v", out)
	}
	m, ok := out[0].(map[string]interface{})
	if !ok || m["data"] != "plain text line" {
		t.Fatalf("got %v", out[0])
	}
}

func TestParseOutputLinesParsesGenericJSON(t *testing.T) {
	w := &Wrapper{opts: Options{JSONOutput: true}}
	out := w.parseOutputLines("snapshots", `{"message_type":"summary","files_new":3}`)
	if len(out) != 1 {
		t.Fatalf("expected one entry, got %v", out)
	}
	m, ok := out[0].(map[string]interface{})
	if !ok || m["message_type"] != "summary" {
		t.Fatalf("got %v", out[0])
	}
}

func TestParseOutputLinesParsesLsEntry(t *testing.T) {
	w := &Wrapper{opts: Options{JSONOutput: true}}
	out := w.parseOutputLines("ls", `{"type":"file","path":"/data/a","size":42}`)
	if len(out) != 1 {
		t.Fatalf("expected one entry, got %v", out)
	}
	entry, ok := out[0].(LsEntry)
	if !ok {
		t.Fatalf("expected an LsEntry, got %T", out[0])
	}
	if entry.Path != "/data/a" || entry.Size != 42 {
		t.Fatalf("got %+v", entry)
	}
}

func TestParseOutputLinesSkipsBlankLines(t *testing.T) {
	w := &Wrapper{}
	out := w.parseOutputLines("snapshots", "\n\n")
	if len(out) != 0 {
		t.Fatalf("expected blank lines to be skipped, got %v", out)
	}
}

func TestGomaxprocsIsAtLeastOne(t *testing.T) {
	// Only checks the heuristic's lower bound, not the value for the live
	// core count, so it's stable across CI machine sizes.
	if n := gomaxprocs(); n < 1 {
		t.Fatalf("expected gomaxprocs to always return at least 1, got %d", n)
	}
}
