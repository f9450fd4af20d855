package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// FlexTime 可容错反序列化的时间戳。
// 历史数据里时间戳可能是RFC3339字符串、秒级或毫秒级epoch数字，
// 读取时统一修复为 time.Time，写出时固定为RFC3339Nano字符串。
type FlexTime struct {
	time.Time
}

func NewFlexTime(t time.Time) FlexTime {
	return FlexTime{Time: t}
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	// 字符串形式：RFC3339（含Nano）
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, raw)
			if err != nil {
				return err
			}
		}
		t.Time = parsed
		return nil
	}

	// 数字形式：区分秒级与毫秒级epoch
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// 浮点epoch（携带小数秒）
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(f)
	}
	if n > 1e12 {
		t.Time = time.UnixMilli(n)
	} else {
		t.Time = time.Unix(n, 0)
	}
	return nil
}
