package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eliteGoblin/focusd/ipguard/internal/config"
	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/gate"
	"github.com/eliteGoblin/focusd/ipguard/internal/infra"
)

func testConfig(t *testing.T) (path string, queueDir string) {
	t.Helper()
	dir := t.TempDir()
	queueDir = filepath.Join(dir, "queue")
	require.NoError(t, os.Mkdir(queueDir, 0755))

	content := `
record_attempt_detection_period: 60
reset_attempt_counter: 3600
deny_attempt_enable:
  data_circle: true
  system_firewall: true
deny_attempt_buffer:
  data_circle: 1
  system_firewall: 1
iptables_watching_folder: ` + queueDir + `
storage:
  driver: file
  path: ` + filepath.Join(dir, "records.json") + `
notify:
  driver: none
`
	path = filepath.Join(dir, "ipguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, queueDir
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCLI_RuleSetCheckEscalates(t *testing.T) {
	cfgPath, queueDir := testConfig(t)

	out := execute(t, "rule", "set", "203.0.113.7", "--type", "temp_deny", "--reason", "scanner", "--config", cfgPath)
	assert.Contains(t, out, "203.0.113.7 -> temp_deny")

	var resp gate.CheckResponse
	out = execute(t, "check", "203.0.113.7", "--json", "--config", cfgPath)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "temp_deny", resp.Verdict)
	assert.Equal(t, "escalated_to_permanent_deny", resp.Tier)
	assert.False(t, resp.Allowed)

	out = execute(t, "check", "203.0.113.7", "--json", "--config", cfgPath)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "deny", resp.Verdict)
	assert.Equal(t, "escalated_to_system_firewall", resp.Tier)

	queued, err := os.ReadFile(filepath.Join(queueDir, infra.QueueFileName))
	require.NoError(t, err)
	assert.Equal(t, "add,4,203.0.113.7,null,all,all,deny\n", string(queued))

	out = execute(t, "rule", "get", "203.0.113.7", "--config", cfgPath)
	assert.Contains(t, out, `"reason": "scanner"`)
}

func TestCLI_RuleGetMissing(t *testing.T) {
	cfgPath, _ := testConfig(t)

	out := execute(t, "rule", "get", "192.0.2.1", "--config", cfgPath)

	assert.True(t, strings.HasPrefix(out, "no rule for 192.0.2.1"))
}

func TestCLI_RuleList(t *testing.T) {
	cfgPath, _ := testConfig(t)

	execute(t, "rule", "set", "203.0.113.7", "--type", "deny", "--attempts", "2", "--config", cfgPath)
	execute(t, "rule", "set", "192.0.2.10", "--type", "allow", "--reason", "office", "--config", cfgPath)

	out := execute(t, "rule", "list", "--json=false", "--config", cfgPath)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "192.0.2.10"))
	assert.Contains(t, lines[0], "office")
	assert.True(t, strings.HasPrefix(lines[1], "203.0.113.7"))
	assert.Equal(t, "2 record(s)", lines[2])

	var records []domain.EnforcementRecord
	out = execute(t, "rule", "list", "--json", "--config", cfgPath)
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "192.0.2.10", records[0].Identifier)
	assert.Equal(t, domain.RuleDeny, records[1].Type)
	assert.Equal(t, 2, records[1].Attempts)
}

func TestWire_LogsTiers(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := &config.Config{
		Storage:           config.StorageConfig{Driver: config.StorageMemory},
		DenyAttemptEnable: config.TierFlags{DataCircle: true},
	}
	a, err := wire(context.Background(), cfg, zap.New(core))
	require.NoError(t, err)
	defer a.Close()

	entries := logs.FilterMessage("escalation tier").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "data_circle", entries[0].ContextMap()["tier"])
	assert.Equal(t, true, entries[0].ContextMap()["enabled"])
	assert.Equal(t, "system_firewall", entries[1].ContextMap()["tier"])
}

func TestWire_MemoryStoreAndNotifiers(t *testing.T) {
	for _, driver := range []string{config.NotifyNone, config.NotifyLog} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{
				Storage: config.StorageConfig{Driver: config.StorageMemory},
				Notify:  config.NotifyConfig{Driver: driver, RatePerMinute: 60, Burst: 5},
			}
			a, err := wire(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			defer a.Close()

			result, err := a.evaluator.Evaluate(context.Background(), "192.0.2.1")
			require.NoError(t, err)
			assert.False(t, result.Verdict.Found)
		})
	}
}

func TestWire_UnknownStorage(t *testing.T) {
	_, err := wire(context.Background(), &config.Config{Storage: config.StorageConfig{Driver: "tape"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestCreateLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipguard.log")
	logger := createLogger(config.LogConfig{File: path, Level: "info"}, false)
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
