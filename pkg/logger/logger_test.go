package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/assert"
)

func TestNewLogger(t *testing.T) {
	t.Run("json formatter", func(t *testing.T) {
		l := NewLogger("debug", "json")
		assert.Equal(t, l.GetLevel(), logrus.DebugLevel)
		_, ok := l.Formatter.(*logrus.JSONFormatter)
		assert.Assert(t, ok)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		l := NewLogger("loud", "text")
		assert.Equal(t, l.GetLevel(), logrus.InfoLevel)
		_, ok := l.Formatter.(*logrus.TextFormatter)
		assert.Assert(t, ok)
	})
}
