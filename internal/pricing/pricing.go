package pricing

import (
	"math"
	"strings"
)

// Calculator prices operations in credits from configured EUR rates. All
// methods are pure; rates are fixed at startup.
type Calculator struct {
	creditEURValue    float64
	creditMargin      float64
	ttsEURPer1kCredit float64
}

// NewCalculator creates a Calculator, clamping nonsensical rates to their
// defaults.
func NewCalculator(creditEURValue, creditMargin, ttsEURPer1kCredit float64) *Calculator {
	if !(creditEURValue > 0) {
		creditEURValue = 0.1
	}
	if !(creditMargin > 0) {
		creditMargin = 1.2
	}
	if !(ttsEURPer1kCredit >= 0) {
		ttsEURPer1kCredit = 0.2
	}
	return &Calculator{
		creditEURValue:    creditEURValue,
		creditMargin:      creditMargin,
		ttsEURPer1kCredit: ttsEURPer1kCredit,
	}
}

// CreditsFromEUR converts a provider cost to credits, applying the margin
// and rounding up. Costs of zero or less still charge the minimum.
func (c *Calculator) CreditsFromEUR(costEUR float64, minimum int64) int64 {
	if minimum < 1 {
		minimum = 1
	}
	if !(costEUR > 0) || math.IsInf(costEUR, 1) {
		return minimum
	}
	margin := c.creditMargin
	if margin < 1 {
		margin = 1
	}
	perCredit := c.creditEURValue
	if perCredit < 0.0001 {
		perCredit = 0.0001
	}
	credits := int64(math.Ceil(costEUR * margin / perCredit))
	if credits < minimum {
		return minimum
	}
	return credits
}

// EstimateTokens approximates the token count of a text at four characters
// per token, never less than one.
func EstimateTokens(text string) int64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}
	tokens := int64(math.Ceil(float64(len(trimmed)) / 4))
	if tokens < 1 {
		return 1
	}
	return tokens
}

// TokenCredits prices token usage at creditsPer1k per thousand tokens,
// rounded up, never less than minimum.
func TokenCredits(totalTokens, creditsPer1k, minimum int64) int64 {
	if totalTokens < 1 {
		totalTokens = 1
	}
	if creditsPer1k < 1 {
		creditsPer1k = 1
	}
	if minimum < 1 {
		minimum = 1
	}
	credits := int64(math.Ceil(float64(totalTokens) / 1000 * float64(creditsPer1k)))
	if credits < minimum {
		return minimum
	}
	return credits
}

// TTSEstimate breaks down a text-to-speech cost estimate.
type TTSEstimate struct {
	Credits        int64   `json:"credits"`
	VendorCredits  int64   `json:"vendor_credits"`
	CostEUR        float64 `json:"cost_eur"`
	PerCharCredits float64 `json:"per_char_credits"`
}

// EstimateTTS prices a speech synthesis request from its text length.
// Turbo and flash model variants bill at half a vendor credit per
// character; everything else bills a full one.
func (c *Calculator) EstimateTTS(textLength int64, modelID string, voiceMultiplier float64, minimum int64) TTSEstimate {
	if textLength < 0 {
		textLength = 0
	}
	if !(voiceMultiplier > 0) {
		voiceMultiplier = 1
	}

	perChar := 1.0
	id := strings.ToLower(modelID)
	if strings.Contains(id, "turbo") || strings.Contains(id, "flash") {
		perChar = 0.5
	}

	vendorCredits := int64(math.Ceil(float64(textLength) * perChar * voiceMultiplier))
	costEUR := float64(vendorCredits) * c.ttsEURPer1kCredit / 1000

	return TTSEstimate{
		Credits:        c.CreditsFromEUR(costEUR, minimum),
		VendorCredits:  vendorCredits,
		CostEUR:        costEUR,
		PerCharCredits: perChar,
	}
}
