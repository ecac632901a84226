package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/model"
)

// Evaluation is the outcome of a dry run for one message.
type Evaluation struct {
	// Rejected is the pre-filter reason; empty when the message passed.
	Rejected string                `json:"prefilter_rejected,omitempty"`
	Result   *model.ClassifyResult `json:"result,omitempty"`
	Triggers []string              `json:"doublecheck_triggers,omitempty"`
	Verdict  *model.Verification   `json:"doublecheck,omitempty"`
	// VerifyError is set when the verifier failed and the primary result stands.
	VerifyError string `json:"doublecheck_error,omitempty"`
	// Lead reports whether a lead would be stored.
	Lead bool `json:"lead"`
	// Deliver reports whether the lead would clear the tenant's threshold.
	Deliver bool `json:"deliver"`
}

// Evaluate runs the pre-filter, classifier and double-check for one message
// without persisting or delivering anything.
func (p *Pipeline) Evaluate(ctx context.Context, t model.TenantConfig, msg model.Message) (Evaluation, error) {
	var ev Evaluation
	if strings.TrimSpace(t.Credential) == "" {
		return ev, eris.Wrap(ErrMissingCredential, "pipeline: evaluate")
	}

	if _, rejected := p.prefilter.Filter([]model.Message{msg}, t.CriteriaPrompt); len(rejected) > 0 {
		ev.Rejected = rejected[0].Reason
		return ev, nil
	}

	res, err := p.classifier.Classify(ctx, t.ID, msg, t.CriteriaPrompt, t.Credential)
	if err != nil {
		return ev, eris.Wrap(err, "pipeline: evaluate")
	}
	ev.Result = &res
	if !res.IsMatch() {
		return ev, nil
	}

	ev.Lead = true
	ev.Triggers = p.policy.Triggers(res)
	if len(ev.Triggers) > 0 {
		v, err := p.verifier.Verify(ctx, t.ID, msg, res.Classification, t.CriteriaPrompt, t.Credential)
		switch {
		case err != nil:
			ev.VerifyError = err.Error()
		case !v.Verified:
			ev.Verdict = &v
			ev.Lead = false
		default:
			ev.Verdict = &v
			res.Classification = ApplyVerification(res.Classification, v)
			ev.Result = &res
		}
	}
	ev.Deliver = ev.Lead && t.ShouldDeliver(res.Classification.Confidence)
	return ev, nil
}
