package xcpngtests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWaitForImmediateSuccess(t *testing.T) {
	start := time.Now()
	evals := 0
	err := WaitFor(func() bool { evals++; return true }, "", WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, evals)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForTimeoutEvaluationCount(t *testing.T) {
	// Timeout of two retry delays means exactly two evaluations: one
	// before the first sleep, one after.
	evals := 0
	err := WaitFor(func() bool { evals++; return false }, "never true",
		WaitOptions{Timeout: 40 * time.Millisecond, RetryDelay: 20 * time.Millisecond})

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2, evals)
	assert.Equal(t, "never true", timeout.Desc)
	assert.Equal(t, 40*time.Millisecond, timeout.Timeout)
	assert.True(t, timeout.Want)
}

func TestWaitForEventualSuccess(t *testing.T) {
	evals := 0
	err := WaitFor(func() bool { evals++; return evals >= 3 }, "",
		WaitOptions{Timeout: time.Second, RetryDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, evals)
}

func TestWaitForLogsThroughOptionsLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	opts := DefaultOptions()
	opts.Logger = zap.New(core).Sugar()
	t.Cleanup(func() { pkgLogger = nil })

	NewGatewayWithRunner(opts, &Data{DefaultUser: "root"}, &fakeRunner{})

	require.NoError(t, WaitFor(func() bool { return true }, "custom wait line", WaitOptions{}))

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "custom wait line" {
			found = true
		}
	}
	assert.True(t, found, "the start-of-wait line must reach the options logger")
}

func TestWaitForNot(t *testing.T) {
	err := WaitForNot(func() bool { return false }, "", WaitOptions{})
	require.NoError(t, err)

	err = WaitForNot(func() bool { return true }, "stuck",
		WaitOptions{Timeout: 20 * time.Millisecond, RetryDelay: 20 * time.Millisecond})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.False(t, timeout.Want)
}
