package errors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCallerLocation(t *testing.T) {
	err := New("something %s", "broke")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "errors_test.go:")
	assert.Contains(t, err.Error(), "something broke")
}

func TestWrapfPreservesChain(t *testing.T) {
	sentinel := Sentinel("not found")

	wrapped := Wrapf(sentinel, "looking up %q", "thing")
	require.Error(t, wrapped)
	assert.True(t, Is(wrapped, sentinel))
	assert.Contains(t, wrapped.Error(), `looking up "thing": not found`)

	assert.NoError(t, Wrapf(nil, "ignored"))
}

func TestSentinelHasNoLocation(t *testing.T) {
	s := Sentinel("stable text")
	assert.Equal(t, "stable text", s.Error())
	assert.False(t, strings.Contains(s.Error(), ".go:"))
}
