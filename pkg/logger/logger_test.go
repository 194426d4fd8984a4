package logger_test

import (
	"bytes"
	"testing"

	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, false)
	log.Debug("hidden")
	log.Entity("User").Info("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "entity=User")
	assert.Equal(t, logrus.DebugLevel, logger.New(&buf, true).GetLevel())
}

func TestQuietLogger(t *testing.T) {
	log := logger.Quiet()
	log.Error("dropped")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
