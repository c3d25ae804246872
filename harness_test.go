package xcpngtests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHarnessCloseIsIdempotent(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(singlePoolRules()...)

	opts := DefaultOptions()
	opts.Hosts = []string{"10.0.0.1"}
	data := &Data{DefaultUser: "root", DefaultSR: "default"}

	h, err := NewWithRunner(opts, data, runner)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestHarnessFixtureSetUsesFirstPool(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(singlePoolRules()...)

	opts := DefaultOptions()
	opts.Hosts = []string{"10.0.0.1"}
	data := &Data{DefaultUser: "root", DefaultSR: "default"}

	h, err := NewWithRunner(opts, data, runner)
	require.NoError(t, err)
	defer h.Close()

	fs := h.NewFixtureSet("tests/misc/basic_test.go::TestImport", "rev1")
	assert.Same(t, h.HostA1(), fs.host)
}
