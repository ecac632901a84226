package model

// Stage names used for cost attribution.
const (
	StageClassify = "classify"
	StageVerify   = "verify"
	StageDraft    = "draft"
)
