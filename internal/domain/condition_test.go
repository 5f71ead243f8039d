package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name    string
		trigger TriggerType
		raw     string
		want    Condition
		wantErr bool
	}{
		{"homework null", TriggerAllHomeworkDone, "null", NoCondition{}, false},
		{"homework empty", TriggerAllHomeworkDone, "", NoCondition{}, false},
		{"homework empty object", TriggerAllHomeworkDone, "{}", NoCondition{}, false},
		{"homework with minutes", TriggerAllHomeworkDone, `{"minutes":60}`, nil, true},
		{"task completed with days", TriggerTaskCompleted, `{"days":3}`, nil, true},
		{"study time", TriggerStudyTimeReached, `{"minutes":60}`, StudyTimeCondition{Minutes: 60}, false},
		{"study time missing", TriggerStudyTimeReached, "null", nil, true},
		{"study time wrong key", TriggerStudyTimeReached, `{"days":60}`, nil, true},
		{"study time zero", TriggerStudyTimeReached, `{"minutes":0}`, nil, true},
		{"study time string", TriggerStudyTimeReached, `{"minutes":"60"}`, nil, true},
		{"streak", TriggerStreak, `{"days":7}`, StreakCondition{Days: 7}, false},
		{"streak negative", TriggerStreak, `{"days":-1}`, nil, true},
		{"streak extra field", TriggerStreak, `{"days":7,"minutes":1}`, nil, true},
		{"streak garbage", TriggerStreak, `{days:7`, nil, true},
		{"unknown trigger", TriggerType("weekend"), "null", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCondition(tt.trigger, []byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, common.ErrValidation)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeCondition(t *testing.T) {
	raw, err := EncodeCondition(NoCondition{})
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = EncodeCondition(StreakCondition{Days: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"days":7}`, string(raw))
}

func TestRuleCondition_DecodesStoredValue(t *testing.T) {
	r := &Rule{TriggerType: TriggerStudyTimeReached, RawCondition: []byte(`{"minutes": 45}`)}
	c, err := r.Condition()
	require.NoError(t, err)
	assert.Equal(t, StudyTimeCondition{Minutes: 45}, c)

	r.RawCondition = []byte(`{"minutes": "lots"}`)
	_, err = r.Condition()
	assert.ErrorIs(t, err, common.ErrValidation)
}
