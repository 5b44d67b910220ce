package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFlagNamesSearchedFile(t *testing.T) {
	f := newRootCmd().PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, "intake.yaml")
	assert.NotContains(t, f.Usage, "config.yaml")
}
