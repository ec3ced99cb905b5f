package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogFileName(t *testing.T) {
	ts := time.Date(2025, 12, 17, 22, 30, 5, 0, time.UTC)
	assert.Equal(t, filepath.Join("logs", "crossmm_2025-12-17_22-30-05.log"), runLogFileName("logs/crossmm.log", ts))
	assert.Equal(t, "run_2025-12-17_22-30-05.txt", runLogFileName("run.txt", ts))
}

func TestInitWritesFileAndGlobalLogrus(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	require.NoError(t, Init(Config{
		Level:      "debug",
		OutputFile: filepath.Join(dir, "crossmm.log"),
		PerRun:     true,
		Stdout:     &console,
	}))
	t.Cleanup(func() { _ = Close() })

	path := GetCurrentLogFile()
	assert.True(t, strings.HasPrefix(filepath.Base(path), "crossmm_"))

	logrus.WithField("component", "test").Info("组件日志")
	Infof("全局日志 %d", 1)
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "组件日志")
	assert.Contains(t, string(data), "全局日志 1")
	assert.Contains(t, console.String(), "组件日志")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestInitConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	require.NoError(t, Init(Config{Level: "nonsense", Stdout: &console}))
	assert.Empty(t, GetCurrentLogFile())
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}
