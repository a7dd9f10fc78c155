package config

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Path     string        `validate:"required"`
	Interval time.Duration `validate:"gt=0"`
	MaxNodes int           `validate:"gte=1"`
	HardMax  int           `validate:"gtefield=MaxNodes"`
}

func TestDescribe(t *testing.T) {
	err := validator.New().Struct(sample{Interval: 0, MaxNodes: 4, HardMax: 2})
	var fieldErrors validator.ValidationErrors
	require.True(t, errors.As(err, &fieldErrors))

	var messages []string
	for _, fieldError := range fieldErrors {
		messages = append(messages, describe(fieldError))
	}
	assert.Equal(t, []string{
		"Path is required but was not set",
		"Interval is 0s; it must be greater than 0",
		"HardMax is 2; it must be at least MaxNodes",
	}, messages)
}

func TestFieldPath(t *testing.T) {
	assert.Equal(t, "Inbox.Interval", fieldPath("Configuration.Inbox.Interval"))
	assert.Equal(t, "Interval", fieldPath("Interval"))
}
