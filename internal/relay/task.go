package relay

import (
	"regexp"
	"strings"
)

// TaskIntent is a create request parsed from a chat command.
type TaskIntent struct {
	Content     string `json:"content"`
	Requester   string `json:"requester"`
	Executor    string `json:"executor"`
	Repeat      bool   `json:"repeat"`
	LeadMinutes int    `json:"leadMinutes"`
	RawText     string `json:"rawText"`
}

// TaskRecord identifies one outstanding task: date is YYYY/M/D, time is HH:MM.
type TaskRecord struct {
	Content string `json:"content"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

func (r TaskRecord) IsZero() bool {
	return r.Content == "" && r.Date == "" && r.Time == ""
}

var (
	remarkSuffixRe = regexp.MustCompile(`\s*[（(]\s*備註\s*[：:][^）)]*[）)]?\s*$`)
	clockRe        = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::\d{2})?$`)
)

// StripRemark removes a trailing "（備註：...）" annotation.
func StripRemark(content string) string {
	return strings.TrimSpace(remarkSuffixRe.ReplaceAllString(content, ""))
}

// NormalizeTime truncates seconds and zero-pads the hour: "9:05:30" -> "09:05".
// Values that are not a clock are returned trimmed.
func NormalizeTime(value string) string {
	value = strings.TrimSpace(value)
	m := clockRe.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	hour := m[1]
	if len(hour) == 1 {
		hour = "0" + hour
	}
	return hour + ":" + m[2]
}

// Normalize applies the canonical form used for fingerprints and completion events.
func (r TaskRecord) Normalize() TaskRecord {
	return TaskRecord{
		Content: StripRemark(r.Content),
		Date:    strings.TrimSpace(r.Date),
		Time:    NormalizeTime(r.Time),
	}
}
