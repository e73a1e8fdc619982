package classify

import (
	"errors"
	"net/http"
	"testing"

	"github.com/kylemclaren/checkin-tasks/internal/db"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		status      int
		want        db.RecordStatus
		resubmitted bool
		notify      bool
	}{
		{"success marker", `{"Data":"打卡成功"}`, 200, db.RecordStatusSuccess, false, true},
		{"success wins over failure marker", "打卡成功...未登录...", 200, db.RecordStatusSuccess, false, true},
		{"success wins over 401", "打卡成功", 401, db.RecordStatusSuccess, false, true},
		{"already submitted", "已被提交", 200, db.RecordStatusSuccess, true, false},
		{"already checked in", "您今天已经打卡", 200, db.RecordStatusSuccess, true, false},
		{"duplicate", "请勿重复提交", 200, db.RecordStatusSuccess, true, false},
		{"out of time", "当前不在打卡时间范围内", 200, db.RecordStatusOutOfTime, false, false},
		{"out of time with 500", "不在打卡时间", 500, db.RecordStatusOutOfTime, false, false},
		{"out of time before token marker", "不在打卡时间，请登录", 200, db.RecordStatusOutOfTime, false, false},
		{"not logged in", "用户未登录", 200, db.RecordStatusTokenExpired, false, true},
		{"authorization", "授权已过期", 200, db.RecordStatusTokenExpired, false, true},
		{"lowercase token", `{"msg":"invalid token"}`, 200, db.RecordStatusTokenExpired, false, true},
		{"capitalized token", `{"Description":"Token无效"}`, 200, db.RecordStatusTokenExpired, false, true},
		{"upper case token", "TOKEN_EXPIRED", 200, db.RecordStatusTokenExpired, false, true},
		{"mixed case token", "Invalid Token", 400, db.RecordStatusTokenExpired, false, true},
		{"unauthorized word", "Unauthorized", 403, db.RecordStatusTokenExpired, false, true},
		{"bare 401", "", http.StatusUnauthorized, db.RecordStatusTokenExpired, false, true},
		{"unrecognized", `{"Type":0,"Data":null}`, 200, db.RecordStatusUnknown, false, false},
		{"empty", "", 200, db.RecordStatusUnknown, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.body, tt.status)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.resubmitted, got.Resubmitted)
			assert.Equal(t, tt.notify, got.Notify)
		})
	}
}

func TestClassifyUnknownCarriesMessage(t *testing.T) {
	got := Classify("???", 200)
	assert.Equal(t, MessageUnknown, got.ErrorMessage)
}

func TestClassifyWithCustomRules(t *testing.T) {
	rules := []Rule{{
		Name:    "ok",
		Match:   containsAny("OK"),
		Outcome: Outcome{Status: db.RecordStatusSuccess},
	}}
	assert.Equal(t, db.RecordStatusSuccess, ClassifyWith(rules, "OK", 200).Status)
	assert.Equal(t, db.RecordStatusUnknown, ClassifyWith(rules, "打卡成功", 200).Status)
}

func TestTransportFailure(t *testing.T) {
	got := TransportFailure(errors.New("connection reset"))
	assert.Equal(t, db.RecordStatusFailure, got.Status)
	assert.Equal(t, "connection reset", got.ErrorMessage)
	assert.False(t, got.Notify)
}
