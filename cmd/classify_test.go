package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/config"
)

const (
	leadText     = "Looking for an agency to run cold outreach for our startup, budget 2k per month"
	leadResponse = `{"is_match": true, "confidence_score": 85, "reasoning": "Author is looking for an agency to run cold outreach", "matched_criteria": ["marketing help"], "verified": true}`
)

type classifyOutput struct {
	Evaluation struct {
		Rejected string `json:"prefilter_rejected"`
		Result   *struct {
			Decision       string `json:"decision"`
			Classification struct {
				Confidence int    `json:"confidence_score"`
				Reasoning  string `json:"reasoning"`
			} `json:"classification"`
		} `json:"result"`
		Triggers []string `json:"doublecheck_triggers"`
		Lead     bool     `json:"lead"`
		Deliver  bool     `json:"deliver"`
	} `json:"evaluation"`
	CostUSD float64 `json:"cost_usd"`
}

func runClassifyJSON(t *testing.T, c *config.Config, opts classifyOpts) classifyOutput {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, runClassify(context.Background(), c, opts, &buf))

	var out classifyOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestRunClassify_Lead(t *testing.T) {
	ts, calls := fakeAI(t, leadResponse)
	c := testConfig(t, ts.URL)

	out := runClassifyJSON(t, c, classifyOpts{
		Text:          leadText,
		Criteria:      "Find people asking for marketing help.",
		Credential:    "sk-or-test",
		MinConfidence: 70,
	})

	require.NotNil(t, out.Evaluation.Result)
	assert.Equal(t, "match", out.Evaluation.Result.Decision)
	assert.Equal(t, 85, out.Evaluation.Result.Classification.Confidence)
	assert.True(t, out.Evaluation.Lead)
	assert.True(t, out.Evaluation.Deliver)
	assert.Empty(t, out.Evaluation.Triggers, "double-check is off")
	assert.Greater(t, out.CostUSD, 0.0)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunClassify_DoubleCheckAlways(t *testing.T) {
	ts, calls := fakeAI(t, leadResponse)
	c := testConfig(t, ts.URL)
	c.DoubleCheck.Mode = config.DoubleCheckAlways

	out := runClassifyJSON(t, c, classifyOpts{
		Text:          leadText,
		Criteria:      "Find people asking for marketing help.",
		Credential:    "sk-or-test",
		MinConfidence: 90,
	})

	assert.Equal(t, []string{"always"}, out.Evaluation.Triggers)
	assert.True(t, out.Evaluation.Lead)
	assert.False(t, out.Evaluation.Deliver, "85 is under 90")
	assert.Contains(t, out.Evaluation.Result.Classification.Reasoning, "Double-checked")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunClassify_Prefiltered(t *testing.T) {
	ts, calls := fakeAI(t, leadResponse)
	c := testConfig(t, ts.URL)

	out := runClassifyJSON(t, c, classifyOpts{
		Text:       "Требуется менеджер по продажам в штат, ЗП 80к",
		Criteria:   "Find people asking for marketing help.",
		Credential: "sk-or-test",
	})

	assert.Contains(t, out.Evaluation.Rejected, "offer:")
	assert.Nil(t, out.Evaluation.Result)
	assert.False(t, out.Evaluation.Lead)
	assert.Zero(t, calls.Load())
}

func TestRunClassify_InputErrors(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	var buf bytes.Buffer

	err := runClassify(context.Background(), c, classifyOpts{Criteria: "x", Credential: "k"}, &buf)
	assert.ErrorContains(t, err, "--text")

	err = runClassify(context.Background(), c, classifyOpts{Text: leadText, Credential: "k"}, &buf)
	assert.ErrorContains(t, err, "--criteria")

	err = runClassify(context.Background(), c, classifyOpts{Text: leadText, Criteria: "marketing help"}, &buf)
	assert.ErrorContains(t, err, "credential")
	assert.Zero(t, buf.Len())
}
