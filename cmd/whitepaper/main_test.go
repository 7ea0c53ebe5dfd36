package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/whitepaper"
	"github.com/ashita-ai/whitepaper/internal/config"
	"github.com/ashita-ai/whitepaper/internal/inference"
	"github.com/ashita-ai/whitepaper/internal/model"
	"github.com/ashita-ai/whitepaper/internal/testutil"
)

type harness struct {
	cfg    config.Config
	client *testutil.ScriptedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	root := t.TempDir()
	cfg := config.Default()
	cfg.InputDir = filepath.Join(root, "input")
	cfg.OutputDir = filepath.Join(root, "cleaned-dataset")
	cfg.ReportsDir = filepath.Join(root, "reports")
	cfg.CacheDSN = "sqlite://" + filepath.Join(root, "cache.db")
	cfg.InferenceProvider = inference.ProviderOffline
	cfg.RetryBaseDelay = time.Millisecond
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o750))
	return &harness{cfg: cfg, client: &testutil.ScriptedClient{}}
}

// execute runs the CLI once with args and stdin, returning stdout.
func (h *harness) execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	c := &cli{extra: []whitepaper.Option{
		whitepaper.WithConfig(h.cfg),
		whitepaper.WithInferenceClient(h.client),
		whitepaper.WithLogger(testutil.TestLogger()),
	}}
	root := c.rootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	// A nil slice makes cobra fall back to os.Args.
	root.SetArgs(append([]string{}, args...))
	err := root.Execute()
	c.close()
	return out.String(), err
}

func TestETLThenListAndStatus(t *testing.T) {
	h := newHarness(t)
	header, rows := testutil.SalesRows(25)
	path := testutil.WriteCSV(t, h.cfg.InputDir, "sales.csv", header, rows)

	out, err := h.execute(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not cleaned")

	out, err = h.execute(t, "", "etl")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.Contains(t, out, "cleaned")

	out, err = h.execute(t, "", "etl")
	require.NoError(t, err)
	assert.Contains(t, out, "cache")

	out, err = h.execute(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "FINGERPRINT")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	short := strings.Fields(lines[1])[0]
	assert.Len(t, short, 8)

	out, err = h.execute(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ok "+path+" ["+short+"]")

	out, err = h.execute(t, "", "invalidate", short)
	require.NoError(t, err)
	assert.Contains(t, out, "invalidated "+short)

	out, err = h.execute(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cache is empty")
}

func TestScanReportsMixedColumns(t *testing.T) {
	h := newHarness(t)
	testutil.WriteCSV(t, h.cfg.InputDir, "mixed.csv", []string{"district", "value"}, [][]string{
		{"Warangal", "10"}, {"Karimnagar", "12"}, {"Nizamabad", "n/a"},
		{"Khammam", "14"}, {"Adilabad", "x"}, {"Medak", "11"},
	})

	out, err := h.execute(t, "", "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "mixed.csv")
	assert.Contains(t, out, "SCORE")
}

func TestAskReadsClarificationFromStdin(t *testing.T) {
	h := newHarness(t)
	h.client.On("query validation specialist",
		testutil.Reply{Text: `{"approved": true, "clarification": "Which state should I look at?"}`})

	out, err := h.execute(t, "Telangana\n", "ask", "--quiet", "tell", "me", "about", "onions")
	require.NoError(t, err)
	assert.Contains(t, out, "Which state should I look at?")
	assert.Contains(t, out, "POLICY ANALYSIS RESULTS")
	assert.Contains(t, out, "Clarification: Telangana")

	reports, err := os.ReadDir(h.cfg.ReportsDir)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	out, err = h.execute(t, "", "runs")
	require.NoError(t, err)
	assert.Contains(t, out, string(model.RunStatusCompleted))
	assert.Contains(t, out, "tell me about onions")
}

func TestAskWithoutClarificationFails(t *testing.T) {
	h := newHarness(t)
	h.client.On("query validation specialist",
		testutil.Reply{Text: `{"approved": true, "clarification": "Which year?"}`})

	_, err := h.execute(t, "", "ask", "-q", "tell me about onions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no clarification")
}

func TestFailedRunExitsWithError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.cfg.InputDir, "empty.csv"), []byte("a,b\n"), 0o600))

	_, err := h.execute(t, "", "ask", "-q", "analyze the data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(model.ReasonInputError))
}

func TestRunsStatsAndPrune(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(t, "", "ask", "-q", "hello")
	require.NoError(t, err)

	out, err := h.execute(t, "", "runs", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "1 run(s) since")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "ERROR RATE")
	assert.Contains(t, out, "user_facing")

	out, err = h.execute(t, "", "runs", "prune", "--older-than", "1h", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would prune 0 run(s)")

	out, err = h.execute(t, "", "runs", "prune", "--older-than", "30d")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0 run(s)")

	_, err = h.execute(t, "", "runs", "prune", "--older-than", "0d")
	require.Error(t, err)

	out, err = h.execute(t, "", "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
}

func TestParseAge(t *testing.T) {
	d, err := parseAge("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = parseAge("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	for _, bad := range []string{"", "d", "-3d", "0d", "soon", "-1h"} {
		_, err := parseAge(bad)
		assert.Error(t, err, bad)
	}
}

func TestShellSession(t *testing.T) {
	h := newHarness(t)
	h.client.On("query validation specialist",
		testutil.Reply{Text: `{"approved": true, "clarification": "Which state should I look at?"}`})
	header, rows := testutil.SalesRows(10)
	testutil.WriteCSV(t, h.cfg.InputDir, "sales.csv", header, rows)

	input := strings.Join([]string{
		"help",
		"etl",
		"status",
		"hello",
		"tell me about onions",
		"Telangana",
		"runs",
		"runs stats 0",
		"exit",
	}, "\n") + "\n"
	out, err := h.execute(t, input)
	require.NoError(t, err)

	assert.Contains(t, out, "Anything else is asked as a question.")
	assert.Contains(t, out, "1 (0 pending)")
	assert.Contains(t, out, "completed in 1 stages")
	assert.Contains(t, out, "clarify> ")
	assert.Contains(t, out, "Clarification: Telangana")
	assert.Contains(t, out, "[1] user_facing")
	assert.Contains(t, out, "2 run(s) all time")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "bye"))
}

func TestShellCancelDropsPendingQuestion(t *testing.T) {
	h := newHarness(t)
	h.client.On("query validation specialist",
		testutil.Reply{Text: `{"approved": true, "clarification": "Which state?"}`})

	out, err := h.execute(t, "tell me about onions\ncancel\nexit\n", "shell")
	require.NoError(t, err)
	assert.Contains(t, out, "pending question dropped")
	assert.NotContains(t, out, "POLICY ANALYSIS RESULTS")
}

func TestShellEndsOnEOF(t *testing.T) {
	h := newHarness(t)
	_, err := h.execute(t, "status\n")
	require.NoError(t, err)
}

func TestFormatRecord(t *testing.T) {
	rec := model.StageRecord{Seq: 3, Stage: model.StageSupervisor, Target: "goto dataset_handler", Attempts: 2, OutputSummary: "data=true\nweb=false"}
	got := formatRecord(rec)
	assert.Contains(t, got, "[3] supervisor")
	assert.Contains(t, got, "(2 attempts)")
	assert.Contains(t, got, "data=true web=false")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogFormat = "text"
	newLogger(&buf, cfg, true).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	newLogger(&buf, cfg, false).Info("hidden")
	assert.Empty(t, buf.String())
}
