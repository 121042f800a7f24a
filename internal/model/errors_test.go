package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/saftao/internal/model"
)

func TestParseError(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := model.NewParseError("in.xml", "XML parsing failed", cause)

	assert.Equal(t, "[in.xml] XML parsing failed (unexpected EOF)", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := model.NewParseError("", "empty document", nil)
	assert.Equal(t, "empty document", bare.Error())
}

func TestRuleIndexError(t *testing.T) {
	err := model.NewRuleIndexError(model.RuleIndexMissing, "index.json", "not found", nil)
	wrapped := fmt.Errorf("load rules: %w", err)

	assert.True(t, model.IsRuleIndexMissing(wrapped))
	assert.Contains(t, err.Error(), `"index.json"`)

	malformed := model.NewRuleIndexError(model.RuleIndexMalformed, "index.json", "invalid JSON", errors.New("boom"))
	assert.False(t, model.IsRuleIndexMissing(malformed))

	var rerr *model.RuleIndexError
	require.ErrorAs(t, fmt.Errorf("x: %w", malformed), &rerr)
	assert.Equal(t, model.RuleIndexMalformed, rerr.Kind)
}

func TestRepairError(t *testing.T) {
	cause := errors.New("no root")
	err := model.NewRepairError("totals", "cannot rewrite DocumentTotals", cause)

	assert.Equal(t, "repair failed [totals]: cannot rewrite DocumentTotals (no root)", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIssueHelpers(t *testing.T) {
	issues := []model.Issue{
		model.NewIssue(model.CodeTaxCountryMissing, "missing", map[string]string{model.DetailSuggestedValue: "AO"}),
		model.NewIssue(model.CodeTaxCountryMissing, "missing", nil),
		model.NewIssue(model.CodeHeaderTaxIDInvalid, "bad", nil),
	}

	assert.Equal(t, []string{model.CodeHeaderTaxIDInvalid, model.CodeTaxCountryMissing}, model.Codes(issues))
	assert.Equal(t, 2, model.CountByCode(issues)[model.CodeTaxCountryMissing])

	v, ok := issues[0].SuggestedValue()
	assert.True(t, ok)
	assert.Equal(t, "AO", v)

	_, ok = issues[1].SuggestedValue()
	assert.False(t, ok)
	assert.Empty(t, issues[1].Detail(model.DetailLine))
}
