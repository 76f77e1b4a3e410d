package relay

import (
	"regexp"
	"strings"
)

// taskTextRe matches the structured segment of a rendered notification:
//
//	事項：「content」（備註：remark）... 預定於 2025/8/1 14:00[:SS]
//
// The content runs to the last 」 on its line, so quoted names inside a task
// survive.
var taskTextRe = regexp.MustCompile(`(?s)事項\s*[：:]\s*「([^\n]+)」(?:\s*[（(]\s*備註\s*[：:][^）)]*[）)])?.*?預定於\s*(\d{4}/\d{1,2}/\d{1,2})\s*(\d{1,2}:\d{2})(?::\d{2})?`)

// ExtractTask pulls a TaskRecord out of a rendered notification text. The
// second return is false when the text does not carry the structure.
func ExtractTask(text string) (TaskRecord, bool) {
	m := taskTextRe.FindStringSubmatch(text)
	if m == nil {
		return TaskRecord{}, false
	}
	rec := TaskRecord{
		Content: StripRemark(strings.TrimSpace(m[1])),
		Date:    m[2],
		Time:    NormalizeTime(m[3]),
	}
	if rec.Content == "" {
		return TaskRecord{}, false
	}
	return rec, true
}
