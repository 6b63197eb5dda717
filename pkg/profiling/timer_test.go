package profiling

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfilerDisabledIsNoop(t *testing.T) {
	p := &Profiler{}
	p.Start("attach").Stop()

	var buf bytes.Buffer
	p.Summarize(&buf)
	assert.Empty(t, buf.String())
}

func TestProfilerNestsSpans(t *testing.T) {
	p := &Profiler{}
	p.enable()

	session := p.Start("session")
	attach := p.Start("attach")
	time.Sleep(time.Millisecond)
	attach.Stop()
	attach.Stop()
	flash := p.Start("flash")
	flash.Stop()
	session.Stop()
	p.Start("shutdown")

	var buf bytes.Buffer
	p.Summarize(&buf)
	out := buf.String()
	assert.Contains(t, out, "- session (")
	assert.Contains(t, out, "\n  - attach (")
	assert.Contains(t, out, "\n  - flash (")
	assert.Contains(t, out, "- shutdown (running)")
}
