package agentproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseVerdictHeadingForm(t *testing.T) {
	out := "Some preamble\n## VERDICT\nREADY\nmore text"
	require.Equal(t, VerdictReady, ParseVerdict(out))
}

func TestParseVerdictPrefixForm(t *testing.T) {
	out := "blah\nVERDICT: corrected\nblah"
	require.Equal(t, VerdictCorrected, ParseVerdict(out))
}

func TestParseVerdictBareKeyword(t *testing.T) {
	out := "I looked at this and it is NOT_READY because tests fail."
	require.Equal(t, VerdictNotReady, ParseVerdict(out))
}

func TestParseVerdictInferredFromReadyFor(t *testing.T) {
	out := "## READY_FOR\nImplementation: Yes\n"
	require.Equal(t, VerdictReady, ParseVerdict(out))
}

func TestParseVerdictUnknown(t *testing.T) {
	require.Equal(t, VerdictUnknown, ParseVerdict("nothing recognizable here"))
}

func TestCloseReasonExtraction(t *testing.T) {
	out := "## VERDICT\nCLOSE\nclose_reason: already_fixed\n"
	require.Equal(t, VerdictClose, ParseVerdict(out))
	require.Equal(t, "already_fixed", CloseReason(out))
}

func TestScanHandoff(t *testing.T) {
	path, found := ScanHandoff("working...\nCONTEXT_HANDOFF: /tmp/continue-1.md\ndone")
	require.True(t, found)
	require.Equal(t, "/tmp/continue-1.md", path)

	_, found = ScanHandoff("no sentinel here")
	require.False(t, found)
}

type fakeInvoker struct {
	calls     []string
	responses []string
	errs      []error
}

func (f *fakeInvoker) Invoke(ctx context.Context, workdir, promptPath string) (string, string, error) {
	i := len(f.calls)
	f.calls = append(f.calls, promptPath)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], "", err
	}
	return "", "", err
}

func TestRunReadinessParsesVerdict(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"## VERDICT\nREADY\n"}}
	r := &Runner{Invoker: inv, Timeout: time.Second}
	res, err := r.RunReadiness(context.Background(), "/tmp/wt", "/tmp/prompt.md")
	require.NoError(t, err)
	require.Equal(t, VerdictReady, res.Verdict)
	require.False(t, res.ShouldClose)
}

func TestRunImplementationFollowsHandoff(t *testing.T) {
	inv := &fakeInvoker{responses: []string{
		"working\nCONTEXT_HANDOFF: /tmp/continue-1.md\n",
		"finished, no more handoff",
	}}
	r := &Runner{Invoker: inv, Timeout: time.Second, HandoffMaxContinuations: 3}
	res := r.RunImplementation(context.Background(), "/tmp/wt", "/tmp/prompt.md")
	require.NoError(t, res.Err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Continuations)
	require.Equal(t, []string{"/tmp/prompt.md", "/tmp/continue-1.md"}, inv.calls)
}

func TestRunImplementationHandoffCapExceeded(t *testing.T) {
	inv := &fakeInvoker{responses: []string{
		"CONTEXT_HANDOFF: /tmp/a.md",
		"CONTEXT_HANDOFF: /tmp/b.md",
	}}
	r := &Runner{Invoker: inv, Timeout: time.Second, HandoffMaxContinuations: 1}
	res := r.RunImplementation(context.Background(), "/tmp/wt", "/tmp/prompt.md")
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "handoff cap exceeded")
}
