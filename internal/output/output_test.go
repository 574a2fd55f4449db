package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitIsDeterministicKeyValueLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Emit(NewSignal(KindAdminMerge).
		Add("pr", "42").
		Add("branch", "feat-x").
		Add("mainline", "main"))

	assert.Equal(t, "admin-merge-available=true\npr=42\nbranch=feat-x\nmainline=main\n", buf.String())
}

func TestEmitNeverStyled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, true)

	p.Emit(NewSignal(KindApplyAvailable).Add("run", "run-1"))

	assert.NotContains(t, buf.String(), "\x1b[", "signal lines must stay parseable")
}

func TestProgressListsOutstanding(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Progress(90*time.Second, []string{"build", "lint"})

	out := buf.String()
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "build, lint")
}

func TestProgressWithoutOutstanding(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Progress(5*time.Second, nil)

	assert.Contains(t, buf.String(), "waiting")
	assert.NotContains(t, buf.String(), " on ")
}

func TestWarnPrefix(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Warn("pull failed: %s", "conflict")

	assert.Equal(t, "warning: pull failed: conflict\n", buf.String())
}
