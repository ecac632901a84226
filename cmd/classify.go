package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/pipeline"
)

// classifyOpts are the dry-run inputs.
type classifyOpts struct {
	Text          string
	Criteria      string
	Credential    string
	MinConfidence int
}

var classifyFlags classifyOpts

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Dry-run the pre-filter, classifier and double-check for one message",
	Long:  "Classifies a single message text against a criteria prompt and prints the decision as JSON. Nothing is stored or delivered.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("classify"); err != nil {
			return err
		}
		opts := classifyFlags
		if opts.Credential == "" {
			opts.Credential = os.Getenv("OPENROUTER_API_KEY")
		}
		return runClassify(cmd.Context(), cfg, opts, cmd.OutOrStdout())
	},
}

func runClassify(ctx context.Context, c *config.Config, opts classifyOpts, out io.Writer) error {
	if strings.TrimSpace(opts.Text) == "" {
		return eris.New("classify: --text is required")
	}
	if strings.TrimSpace(opts.Criteria) == "" {
		return eris.New("classify: --criteria is required")
	}

	costs := newCostTracker(c.Pricing)
	pipe, err := buildPipeline(c, nil, nil, costs)
	if err != nil {
		return err
	}

	tenant := model.TenantConfig{
		ID:                   "dry-run",
		Active:               true,
		CriteriaPrompt:       opts.Criteria,
		Credential:           opts.Credential,
		MinPostingConfidence: opts.MinConfidence,
	}
	msg := model.Message{
		ID:        1,
		Time:      time.Now().UTC(),
		ChatName:  "dry-run",
		FirstName: "dry-run",
		Text:      opts.Text,
	}

	ev, err := pipe.Evaluate(ctx, tenant, msg)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Evaluation pipeline.Evaluation `json:"evaluation"`
		CostUSD    float64             `json:"cost_usd"`
	}{ev, costs.TotalUSD()})
}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyFlags.Text, "text", "", "message text to classify")
	f.StringVar(&classifyFlags.Criteria, "criteria", "", "tenant criteria prompt")
	f.StringVar(&classifyFlags.Credential, "credential", "", "AI credential (default $OPENROUTER_API_KEY)")
	f.IntVar(&classifyFlags.MinConfidence, "min-confidence", model.DefaultMinPostingConfidence, "delivery threshold used for the deliver flag")
	rootCmd.AddCommand(classifyCmd)
}
