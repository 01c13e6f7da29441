package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/config"
)

func TestNewDisabledEngineHasNoRules(t *testing.T) {
	e, err := New(&config.RuleEngine{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Count())
}

func TestEvaluateMatchesBlockRule(t *testing.T) {
	e, err := New(&config.RuleEngine{
		Enabled: true,
		Rules: []config.Rule{
			{Name: "after-hours", Logic: `Hour >= 22 || Hour < 6`, Action: "BLOCK", Enabled: true},
		},
	})
	require.NoError(t, err)

	action, matched := e.Evaluate(Context{Hour: 23})
	assert.True(t, matched)
	assert.Equal(t, ActionBlock, action)

	_, matched = e.Evaluate(Context{Hour: 12})
	assert.False(t, matched)
}

func TestNewRejectsUnknownAction(t *testing.T) {
	_, err := New(&config.RuleEngine{
		Enabled: true,
		Rules:   []config.Rule{{Name: "bad", Logic: `true`, Action: "REDIRECT", Enabled: true}},
	})
	assert.Error(t, err)
}

func TestNewSkipsDisabledRules(t *testing.T) {
	e, err := New(&config.RuleEngine{
		Enabled: true,
		Rules:   []config.Rule{{Name: "off", Logic: `true`, Action: "BLOCK", Enabled: false}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Count())
}
