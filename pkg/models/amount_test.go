package models_test

import (
	"testing"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestParseAmount(t *testing.T) {
	valid := []string{"5", "5.00", " 0.0025 ", "1000"}
	for _, s := range valid {
		_, ok := models.ParseAmount(s)
		assert.True(t, ok, s)
	}

	invalid := []string{"", ".", "-5", "+5", "0x5", "0b101", "0o7", "0x1p2", "1e3", "1/2", "5.0.0", "1_000", "5 USD"}
	for _, s := range invalid {
		_, ok := models.ParseAmount(s)
		assert.False(t, ok, s)
	}
}

func TestAmountsEqualRejectsPrefixedForms(t *testing.T) {
	assert.False(t, models.AmountsEqual("0x5", "5"))
	assert.False(t, models.AmountsEqual("0b101", "5"))
	assert.False(t, models.AmountsEqual("0x1p2", "4"))
	assert.True(t, models.AmountsEqual("4", "4.000"))
}
