package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingThreadID is returned for payloads without a usable ThreadId
var ErrMissingThreadID = errors.New("payload_config 中缺少 ThreadId")

// ErrInvalidPayload is returned for payloads that are not a JSON object
var ErrInvalidPayload = errors.New("payload_config 格式错误，必须是有效的 JSON 对象")

func parse(payload string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil || obj == nil {
		return nil, ErrInvalidPayload
	}
	return obj, nil
}

func threadID(obj map[string]any) (string, error) {
	switch v := obj["ThreadId"].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	}
	return "", ErrMissingThreadID
}

// ThreadID returns the thread identifier a payload targets
func ThreadID(payload string) (string, error) {
	obj, err := parse(payload)
	if err != nil {
		return "", err
	}
	return threadID(obj)
}

// Merge shallow-merges overrides over a template payload: top-level keys
// in overrides replace the template's. The result must carry a ThreadId.
func Merge(template string, overrides map[string]any) (string, error) {
	obj, err := parse(template)
	if err != nil {
		return "", err
	}
	for k, v := range overrides {
		obj[k] = v
	}
	if _, err := threadID(obj); err != nil {
		return "", err
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(out), nil
}
