package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestPassName(t *testing.T) {
	assert.Contains(t, PassName("questions"), "questions")
}

func TestDaemonState(t *testing.T) {
	assert.Contains(t, DaemonState(true), "running")
	assert.NotContains(t, DaemonState(true), "not running")
	assert.Contains(t, DaemonState(false), "not running")
}

func TestStatusColor(t *testing.T) {
	for _, s := range []string{"new", "open", "pending", "solved", "closed"} {
		assert.Contains(t, StatusColor(s), s)
	}
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestRunColor(t *testing.T) {
	assert.Contains(t, RunColor(0, ""), "ok")
	assert.Contains(t, RunColor(2, ""), "2 failed")
	assert.Contains(t, RunColor(2, "search failed"), "error")
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Pass", "Result"})
	require.NotNil(t, table)

	table.Append([]string{"questions", "ok"})
	table.Append([]string{"sla", "error"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "questions") || strings.Contains(result, "QUESTIONS"),
		"table output should contain pass names")
	assert.True(t, strings.Contains(result, "sla") || strings.Contains(result, "SLA"),
		"table output should contain pass names")
}
