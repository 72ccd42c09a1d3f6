package logging

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()

	err := errors.WithStack(errors.New("test error"))
	WithStacktrace(logrus.NewEntry(logger), err).Info("test message")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "test message", entry.Message)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])
}

func TestWithStacktrace_NoStack(t *testing.T) {
	logger, hook := test.NewNullLogger()

	err := &plainError{}
	WithStacktrace(logrus.NewEntry(logger), err).Info("test message")

	require.Len(t, hook.Entries, 1)
	_, hasStack := hook.LastEntry().Data[Stacktrace]
	assert.False(t, hasStack)
}

func TestExtractStack_FollowsCause(t *testing.T) {
	inner := errors.New("inner")
	wrapped := errors.WithMessage(inner, "outer")
	assert.Equal(t, inner.(stackTracer).StackTrace(), ExtractStack(wrapped))
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		config  Config
		wantErr bool
	}{
		"default":        {config: DefaultConfig()},
		"json":           {config: Config{Level: "debug", Format: FormatJson}},
		"bad level":      {config: Config{Level: "loud", Format: FormatText}, wantErr: true},
		"bad format":     {config: Config{Level: "info", Format: "xml"}, wantErr: true},
		"missing format": {config: Config{Level: "info"}, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommandLineFormatter(t *testing.T) {
	formatter := &CommandLineFormatter{}

	out, err := formatter.Format(&logrus.Entry{Message: "hello", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	out, err = formatter.Format(&logrus.Entry{Message: "failed", Data: logrus.Fields{logrus.ErrorKey: errors.New("boom")}})
	require.NoError(t, err)
	assert.Equal(t, "failed: boom\n", string(out))
}

func TestConfigureLoggingWithConfig_WritesJson(t *testing.T) {
	original := logrus.StandardLogger().Out
	defer logrus.SetOutput(original)

	buf := &bytes.Buffer{}
	require.NoError(t, ConfigureLoggingWithConfig(Config{Level: "info", Format: FormatJson}, buf))
	logrus.Info("structured")

	assert.Contains(t, buf.String(), `"msg":"structured"`)
}

type plainError struct{}

func (e *plainError) Error() string { return "plain" }
