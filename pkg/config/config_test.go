package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
llms:
  main:
    type: openai
    model: gpt-4o
    api_key: sk-test
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 50, cfg.Agent.MaxToolCalls)
	assert.Equal(t, "medium", cfg.Agent.AutoApproveRisk)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)

	// A single provider becomes the implicit chain.
	assert.Equal(t, []string{"main"}, cfg.Agent.Chain)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_KESTREL_KEY", "sk-from-env")

	cfg, err := Parse([]byte(`
llms:
  main:
    type: anthropic
    model: claude-sonnet-4
    api_key: ${TEST_KESTREL_KEY}
  fallback:
    type: ollama
    model: ${MISSING_MODEL:-llama3}
agent:
  chain: [main, fallback]
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLMs["main"].APIKey)
	assert.Equal(t, "llama3", cfg.LLMs["fallback"].Model)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no llms", `{}`, "at least one llm"},
		{"missing model", "llms:\n  m:\n    type: openai\n", "model is required"},
		{"unknown type", "llms:\n  m:\n    type: cohere\n    model: x\n", "unknown type"},
		{
			"chain references unknown llm",
			"llms:\n  m:\n    type: ollama\n    model: x\nagent:\n  chain: [ghost]\n",
			"unknown llm",
		},
		{
			"ambiguous chain",
			"llms:\n  a:\n    type: ollama\n    model: x\n  b:\n    type: ollama\n    model: y\n",
			"agent.chain is required",
		},
		{
			"mcp server without command",
			"llms:\n  m:\n    type: ollama\n    model: x\nmcp_servers:\n  fs: {}\n",
			"command is required",
		},
		{
			"duplicate cron name",
			"llms:\n  m:\n    type: ollama\n    model: x\nautomation:\n  cron:\n    - {name: j, schedule: '* * * * *', goal: g}\n    - {name: j, schedule: '* * * * *', goal: g}\n",
			"duplicate name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseAutomationSections(t *testing.T) {
	cfg, err := Parse([]byte(`
llms:
  m:
    type: ollama
    model: x
automation:
  cron:
    - name: nightly
      schedule: "0 */6 * * *"
      goal: "summarize inbox"
      max_runs: 10
  webhooks:
    - name: deploys
      path: /hooks/deploys
      secret: shh
      goal: "inspect deploy {payload}"
  daemons:
    - name: disk-watch
      goal: "investigate disk pressure"
      watch_tool: code_execute
      watch_args:
        command: df -h
      interval: 30s
`))
	require.NoError(t, err)
	require.Len(t, cfg.Automation.Cron, 1)
	assert.Equal(t, "0 */6 * * *", cfg.Automation.Cron[0].Schedule)
	require.Len(t, cfg.Automation.Webhooks, 1)
	assert.Equal(t, "/hooks/deploys", cfg.Automation.Webhooks[0].Path)
	require.Len(t, cfg.Automation.Daemons, 1)
	assert.Equal(t, "code_execute", cfg.Automation.Daemons[0].WatchTool)
	assert.Equal(t, "df -h", cfg.Automation.Daemons[0].WatchArgs["command"])
}
