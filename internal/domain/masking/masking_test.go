package masking

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/privacy-decision-gateway/internal/testutil"
)

func newTestEngine() *Engine {
	clk := testutil.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewEngine(clk, rand.New(rand.NewPCG(1, 2)))
}

var sample = map[string]interface{}{
	"email":   "jane.doe@corp.io",
	"phone":   "+1-202-555-0147",
	"name":    "Jane Q Doe",
	"dob":     "1990-04-12",
	"ip":      "192.168.14.7",
	"card":    "4111111111111111",
	"salary":  "$52,000",
	"notes":   "likes cats",
	"missing": nil,
}

var sampleTypes = map[string]string{
	"email":  "email",
	"phone":  "phone",
	"name":   "name",
	"dob":    "dob",
	"ip":     "ip_address",
	"card":   "credit_card",
	"salary": "financial",
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		level Level
	}{
		{0, LevelNone},
		{0.199, LevelNone},
		{0.2, LevelLight},
		{0.4, LevelModerate},
		{0.6, LevelHeavy},
		{0.8, LevelFull},
		{1.0, LevelFull},
		{1.5, LevelFull},
		{-0.3, LevelNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, LevelFor(tt.score), "score %v", tt.score)
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		fieldType string
		level     Level
		want      Strategy
	}{
		{"email", LevelLight, StrategyHash},
		{"email", LevelModerate, StrategyDomainOnly},
		{"ssn", LevelHeavy, StrategyRedact},
		{"ssn", LevelFull, StrategyRedact},
		{"dob", LevelModerate, StrategyAgeRange},
		{"financial", LevelLight, StrategyRange},
		{"medical", LevelModerate, StrategySynthetic},
		{"biometric", LevelLight, StrategyHash},
		{"biometric", LevelModerate, StrategyHash},
		{"biometric", LevelHeavy, StrategyRedact},
		{"biometric", LevelNone, StrategyNone},
		{"generic", LevelNone, StrategyNone},
	}
	for _, tt := range tests {
		t.Run(tt.fieldType+"/"+string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, StrategyFor(tt.fieldType, tt.level))
		})
	}
}

func TestEngine_NoneLevelPreservesData(t *testing.T) {
	res := newTestEngine().Mask(sample, sampleTypes, 0.0)

	assert.Equal(t, LevelNone, res.Level)
	assert.Equal(t, sample, res.Data)
	for field, d := range res.Details {
		assert.True(t, d.OriginalPreserved, field)
		assert.Equal(t, StrategyNone, d.Strategy)
	}
}

func TestEngine_FullLevelRedactsEverything(t *testing.T) {
	res := newTestEngine().Mask(sample, sampleTypes, 1.0)

	assert.Equal(t, LevelFull, res.Level)
	for field, d := range res.Details {
		assert.Equal(t, StrategyRedact, d.Strategy, field)
		assert.False(t, d.OriginalPreserved)
		assert.Equal(t, Redacted, res.Data[field], field)
	}
	assert.Equal(t, Redacted, res.Data["missing"])
}

func TestEngine_LightLevel(t *testing.T) {
	res := newTestEngine().Mask(sample, sampleTypes, 0.3)

	require.Equal(t, LevelLight, res.Level)
	assert.Regexp(t, `^HASH_[0-9a-f]{12}$`, res.Data["email"])
	assert.Equal(t, "+1-************", res.Data["phone"])
	assert.Equal(t, "J.Q.D.", res.Data["name"])
	assert.Equal(t, "1990", res.Data["dob"])
	assert.Equal(t, "192.168.0.0/16", res.Data["ip"])
	assert.Equal(t, "************1111", res.Data["card"])
	assert.Equal(t, "$10,000-$100,000", res.Data["salary"])
	assert.Equal(t, "lik*******", res.Data["notes"])
	assert.Equal(t, GenericType, res.Details["notes"].FieldType)
	assert.Nil(t, res.Data["missing"], "absent values stay absent unless redacted")
}

func TestEngine_ModerateLevel(t *testing.T) {
	res := newTestEngine().Mask(sample, sampleTypes, 0.5)

	require.Equal(t, LevelModerate, res.Level)
	assert.Equal(t, "***@corp.io", res.Data["email"])
	assert.Regexp(t, `^User_[0-9a-f]{8}$`, res.Data["name"])
	assert.Equal(t, "30-44", res.Data["dob"])
	assert.Equal(t, res.Data["name"], newTestEngine().Mask(sample, sampleTypes, 0.5).Data["name"], "pseudonyms are stable")
}

func TestEngine_HeavyLevelUsesSynthetic(t *testing.T) {
	res := newTestEngine().Mask(sample, sampleTypes, 0.7)

	require.Equal(t, LevelHeavy, res.Level)
	assert.Regexp(t, `^[a-z]{8}@(example\.com|test\.org|demo\.net|sample\.io)$`, res.Data["email"])
	assert.Regexp(t, `^\+1-555-\d{3}-\d{4}$`, res.Data["phone"])
	assert.Equal(t, Redacted, res.Data["card"])
	assert.Equal(t, Redacted, res.Data["salary"])
}

func TestEngine_DoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{"email": "a@b.c"}
	_ = newTestEngine().Mask(in, map[string]string{"email": "email"}, 0.9)
	assert.Equal(t, "a@b.c", in["email"])
}
