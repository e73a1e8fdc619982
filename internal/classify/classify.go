// Package classify maps the upstream check-in response, which has no stable
// schema, onto a fixed outcome taxonomy.
package classify

import (
	"net/http"
	"strings"

	"github.com/kylemclaren/checkin-tasks/internal/db"
)

// Outcome is the classified result of one submission
type Outcome struct {
	Status db.RecordStatus
	// Resubmitted is set when success came from an "already submitted"
	// marker rather than a fresh success marker.
	Resubmitted bool
	// Notify says whether the user should hear about this outcome.
	Notify       bool
	ErrorMessage string
}

// Rule is one entry of the ordered rule table. The first rule whose Match
// returns true decides the outcome.
type Rule struct {
	Name    string
	Match   func(body string, status int) bool
	Outcome Outcome
}

func containsAny(markers ...string) func(string, int) bool {
	return func(body string, _ int) bool {
		for _, m := range markers {
			if strings.Contains(body, m) {
				return true
			}
		}
		return false
	}
}

const (
	MessageUnknown      = "未识别的响应，请人工确认"
	MessageOutOfTime    = "不在打卡时间范围内"
	MessageTokenExpired = "Token 已失效，需要重新授权"
)

// Rules is the default rule table. Order matters: success markers are
// checked before any failure marker, so a body carrying both is a success.
var Rules = []Rule{
	{
		Name:    "success",
		Match:   containsAny("打卡成功"),
		Outcome: Outcome{Status: db.RecordStatusSuccess, Notify: true},
	},
	{
		Name:    "resubmitted",
		Match:   containsAny("已被提交", "已经打卡", "重复提交"),
		Outcome: Outcome{Status: db.RecordStatusSuccess, Resubmitted: true},
	},
	{
		Name:    "out_of_time",
		Match:   containsAny("不在打卡时间范围", "不在打卡时间"),
		Outcome: Outcome{Status: db.RecordStatusOutOfTime, ErrorMessage: MessageOutOfTime},
	},
	{
		Name: "token_expired",
		Match: func(body string, status int) bool {
			// "token" matches in any case; the other markers are exact
			return status == http.StatusUnauthorized ||
				strings.Contains(strings.ToLower(body), "token") ||
				containsAny("登录", "授权", "未登录", "Unauthorized")(body, status)
		},
		Outcome: Outcome{Status: db.RecordStatusTokenExpired, Notify: true, ErrorMessage: MessageTokenExpired},
	},
}

// Classify runs body and the HTTP status through Rules. A response that
// matches nothing is unknown and is kept for manual review.
func Classify(body string, status int) Outcome {
	return ClassifyWith(Rules, body, status)
}

// ClassifyWith is Classify over a caller-provided rule table
func ClassifyWith(rules []Rule, body string, status int) Outcome {
	for _, r := range rules {
		if r.Match(body, status) {
			return r.Outcome
		}
	}
	return Outcome{Status: db.RecordStatusUnknown, ErrorMessage: MessageUnknown}
}

// TransportFailure is the outcome for a request that never produced a
// classifiable response.
func TransportFailure(err error) Outcome {
	return Outcome{Status: db.RecordStatusFailure, ErrorMessage: err.Error()}
}
