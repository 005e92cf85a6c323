package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepsRecord(t *testing.T) {
	t.Parallel()

	var steps Steps
	boom := errors.New("boom")

	assert.NoError(t, steps.Record("read registry", Advisory, nil))
	assert.Equal(t, boom, steps.Record("annotate", Advisory, boom))
	require.Len(t, steps, 2)

	failed := steps.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "annotate", failed[0].Name)
	assert.Nil(t, steps.FirstFatal(), "advisory failures are not fatal")
	assert.Contains(t, steps.Summary(), "annotate: advisory: boom")
}

func TestStepsFirstFatal(t *testing.T) {
	t.Parallel()

	var steps Steps
	sentinel := errors.New("no default")
	steps.Record("efi config", Advisory, errors.New("efi"))
	steps.Record("set default subvolume", Fatal, sentinel)
	steps.Record("later", Fatal, errors.New("later"))

	err := steps.FirstFatal()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "set default subvolume")
}

func TestSeverityString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "advisory", Advisory.String())
	assert.Equal(t, "x: ok", StepResult{Name: "x"}.String())
}
