package gothrottle

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLoggerWritesEveryLevel(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := defaultLogger{}
	l.Debug("admission detail")
	l.Info("device registered")
	l.Warning("queue depth high")
	l.Error("accounting drift")

	out := buf.String()
	assert.Contains(t, out, "gothrottle [debug] admission detail")
	assert.Contains(t, out, "gothrottle [info] device registered")
	assert.Contains(t, out, "gothrottle [warning] queue depth high")
	assert.Contains(t, out, "gothrottle [error] accounting drift")
}

func TestNoOpLoggerStaysSilent(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	l := NewNoOpLogger()
	for _, msg := range []string{"some message", "", "   "} {
		l.Debug(msg)
		l.Info(msg)
		l.Warning(msg)
		l.Error(msg)
	}
	assert.Empty(t, buf.String())
}
