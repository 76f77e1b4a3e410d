package relay

import (
	"fmt"
	"strings"
)

const (
	NotificationTitle = "待辦事項通知"
	HelpTitle         = "使用說明"
)

// Notice is a rendered message before it is bound to a chat.
type Notice struct {
	Title string
	Body  string
}

// Text is the title/body pairing as it appears in chat.
func (n Notice) Text() string {
	if n.Title == "" {
		return n.Body
	}
	return n.Title + "\n" + n.Body
}

// RenderConfirmation announces a created task. The body always carries the
// 事項：「...」 預定於 D T segment that ExtractTask reads back; the ledger
// service's own message is used verbatim only when it satisfies that too.
func RenderConfirmation(task TaskRecord, intent TaskIntent, serviceMessage string) Notice {
	if msg := strings.TrimSpace(serviceMessage); msg != "" {
		if rec, ok := ExtractTask(msg); ok && rec == task.Normalize() {
			return Notice{Title: NotificationTitle, Body: msg}
		}
	}

	var sb strings.Builder
	sb.WriteString("✅ 已新增待辦事項\n")
	fmt.Fprintf(&sb, "事項：「%s」\n", task.Content)
	if intent.Executor != "" {
		fmt.Fprintf(&sb, "執行者：%s\n", intent.Executor)
	}
	fmt.Fprintf(&sb, "預定於 %s %s", task.Date, NormalizeTime(task.Time))
	if intent.LeadMinutes > 0 {
		fmt.Fprintf(&sb, "\n提前 %d 分鐘提醒", intent.LeadMinutes)
	}
	if intent.Repeat {
		sb.WriteString("\n重複提醒直到完成")
	}
	return Notice{Title: NotificationTitle, Body: sb.String()}
}

func RenderCreateFailure(rawText string) Notice {
	return Notice{Body: fmt.Sprintf("⚠️ 任務新增失敗：%s\n請檢查試算表或輸入格式。", rawText)}
}

func RenderCompleteFailure(task TaskRecord) Notice {
	return Notice{Body: fmt.Sprintf("⚠️ 無法刪除任務：%s (%s %s)，請檢查試算表。", task.Content, task.Date, task.Time)}
}

func RenderUnrecognized() Notice {
	return Notice{Body: "⚠️ 無法識別任務，請確認訊息格式是否正確。"}
}

// RenderCompleted acknowledges a completion. It has no 事項 label, so
// ExtractTask never matches an acknowledgement.
func RenderCompleted(task TaskRecord, username string) Notice {
	return Notice{Body: fmt.Sprintf("✅ 已完成：「%s」(%s %s)，由 %s 確認。", task.Content, task.Date, task.Time, username)}
}

func RenderHelp(p *Parser, approvalEmoji string) Notice {
	prefix := p.Prefix()
	var sb strings.Builder
	fmt.Fprintf(&sb, "新增任務：%s 任務內容 @執行者\n", prefix)
	if marker := p.RepeatMarker(); marker != "" {
		fmt.Fprintf(&sb, "  %s%s 任務內容：重複提醒直到完成\n", prefix, marker)
	}
	fmt.Fprintf(&sb, "  %s10 任務內容：提前 10 分鐘提醒\n", prefix)
	fmt.Fprintf(&sb, "完成任務：回覆通知「%s」，或直接輸入「%s」完成最近一筆\n", p.CompletionTrigger(), p.CompletionTrigger())
	if approvalEmoji != "" {
		fmt.Fprintf(&sb, "也可以按通知下方的 %s 按鈕\n", approvalEmoji)
	}
	fmt.Fprintf(&sb, "查看說明：%s", p.HelpTrigger())
	return Notice{Title: HelpTitle, Body: sb.String()}
}
