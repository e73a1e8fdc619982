package notify

import (
	"fmt"
	"strings"

	"github.com/kylemclaren/checkin-tasks/internal/db"
)

// Level drives the colour a channel renders a message with
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Field is a labelled value shown alongside the body
type Field struct {
	Name  string
	Value string
}

// Message is a rendered notification, shared by every channel
type Message struct {
	Kind    Kind
	Subject string
	Title   string
	Body    string
	Fields  []Field
	Level   Level
}

// Text renders the message as plain text
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Title)
	b.WriteString("\n\n")
	b.WriteString(m.Body)
	if len(m.Fields) > 0 {
		b.WriteString("\n")
		for _, f := range m.Fields {
			fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func (d Data) str(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Compose renders kind for user. link, when set, is appended as the place
// to act on the notification.
func Compose(user *db.User, kind Kind, data Data, link string) Message {
	alias := ""
	if user != nil {
		alias = user.Alias
	}
	if data == nil {
		data = Data{}
	}

	m := Message{Kind: kind}
	switch kind {
	case KindNewUserRegistration:
		m.Subject = "【接龙自动打卡系统】新用户注册通知 - " + alias
		m.Title = "新用户注册"
		m.Body = fmt.Sprintf("用户 %s 已通过扫码完成注册，等待管理员审批。未审批的账户将在 24 小时后自动删除。", alias)
		m.Level = LevelInfo
	case KindUserApproved:
		m.Subject = "【接龙自动打卡系统】账户审批通过 - " + alias
		m.Title = "账户审批通过"
		m.Body = "您的账户已通过管理员审批，现在可以创建打卡任务了。"
		m.Level = LevelSuccess
	case KindUserRejected:
		m.Subject = "【接龙自动打卡系统】账户审批结果 - " + alias
		m.Title = "账户未通过审批"
		m.Body = "很抱歉，您的注册申请未通过审批，账户已被删除。"
		if reason := data.str("reason"); reason != "" {
			m.Fields = append(m.Fields, Field{Name: "原因", Value: reason})
		}
		m.Level = LevelWarning
	case KindTokenExpiring:
		m.Subject = "【接龙自动打卡系统】登录凭证即将过期 - " + alias
		m.Title = "登录凭证即将过期"
		m.Body = "您的打卡凭证即将过期，请尽快重新扫码登录，以免定时打卡失败。"
		if remaining := data.str("remaining"); remaining != "" {
			m.Fields = append(m.Fields, Field{Name: "剩余时间", Value: remaining})
		}
		if exp := data.str("expires_at"); exp != "" {
			m.Fields = append(m.Fields, Field{Name: "过期时间", Value: exp})
		}
		m.Level = LevelWarning
	case KindTokenExpired:
		m.Subject = "【接龙自动打卡系统】登录凭证已过期 - " + alias
		m.Title = "登录凭证已过期"
		m.Body = "您的打卡凭证已过期，定时打卡已暂停，请重新扫码登录。"
		m.Level = LevelError
	case KindCheckInResult:
		ok := data.str("status") == string(db.RecordStatusSuccess)
		statusText := "失败"
		m.Level = LevelError
		if ok {
			statusText = "成功"
			m.Level = LevelSuccess
		}
		m.Subject = fmt.Sprintf("【接龙自动打卡】打卡%s - %s", statusText, alias)
		m.Title = "打卡" + statusText
		m.Body = data.str("message")
		if name := data.str("task_name"); name != "" {
			m.Fields = append(m.Fields, Field{Name: "任务", Value: name})
		}
		if trigger := data.str("trigger_type"); trigger != "" {
			m.Fields = append(m.Fields, Field{Name: "触发方式", Value: trigger})
		}
	default:
		m.Subject = "【接龙自动打卡系统】" + string(kind)
		m.Title = string(kind)
		m.Body = data.str("message")
	}

	if alias != "" {
		m.Fields = append([]Field{{Name: "用户", Value: alias}}, m.Fields...)
	}
	if link != "" {
		m.Fields = append(m.Fields, Field{Name: "链接", Value: link})
	}
	return m
}
