package relay

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/stellarlinkco/taskrelay/internal/config"
)

// CommandKind classifies an inbound text.
type CommandKind int

const (
	CommandIgnored CommandKind = iota
	CommandHelp
	CommandCompletion
	CommandCreate
)

func (k CommandKind) String() string {
	switch k {
	case CommandHelp:
		return "help"
	case CommandCompletion:
		return "completion"
	case CommandCreate:
		return "create"
	default:
		return "ignored"
	}
}

func (k CommandKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// fallbackExecutor is used when neither a placeholder nor the requester's name is known.
const fallbackExecutor = "未指定"

var (
	mentionTokenRe = regexp.MustCompile(`<@!?(\d+)>`)
	atNameRe       = regexp.MustCompile(`@([^\s<@>]+)`)
)

// Command is the pure parse result of one text.
type Command struct {
	Kind CommandKind `json:"kind"`
	Raw  string      `json:"raw"`

	// Create fields
	Body        string `json:"body,omitempty"`
	Content     string `json:"content,omitempty"`
	Repeat      bool   `json:"repeat,omitempty"`
	LeadMinutes int    `json:"leadMinutes,omitempty"`
	MentionID   string `json:"mentionId,omitempty"`
	Designee    string `json:"designee,omitempty"`
}

// MemberResolver turns a platform user id into a display name.
type MemberResolver interface {
	DisplayName(ctx context.Context, channel, chatID, userID string) (string, error)
}

type Parser struct {
	helpTrigger       string
	completionTrigger string
	prefix            string
	repeatMarker      string
	placeholder       string
	prefixRe          *regexp.Regexp
}

func NewParser(cfg config.CommandsConfig) *Parser {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = config.DefaultPrefix
	}
	help := strings.TrimSpace(cfg.HelpTrigger)
	if help == "" {
		help = config.DefaultHelpTrigger
	}
	completion := strings.TrimSpace(cfg.CompletionTrigger)
	if completion == "" {
		completion = config.DefaultCompletionTrigger
	}

	pattern := "(?i)^" + regexp.QuoteMeta(prefix)
	if marker := strings.TrimSpace(cfg.RepeatMarker); marker != "" {
		pattern += "(" + regexp.QuoteMeta(marker) + ")?"
	} else {
		pattern += "()"
	}
	pattern += `(\d+)?`

	return &Parser{
		helpTrigger:       help,
		completionTrigger: completion,
		prefix:            prefix,
		repeatMarker:      strings.TrimSpace(cfg.RepeatMarker),
		placeholder:       strings.TrimSpace(cfg.ExecutorPlaceholder),
		prefixRe:          regexp.MustCompile(pattern),
	}
}

func (p *Parser) Prefix() string            { return p.prefix }
func (p *Parser) RepeatMarker() string      { return p.repeatMarker }
func (p *Parser) HelpTrigger() string       { return p.helpTrigger }
func (p *Parser) CompletionTrigger() string { return p.completionTrigger }

// Parse classifies text as help, completion, create or ignored.
func (p *Parser) Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	cmd := Command{Kind: CommandIgnored, Raw: text}

	switch {
	case strings.EqualFold(trimmed, p.helpTrigger):
		cmd.Kind = CommandHelp
		return cmd
	case strings.EqualFold(trimmed, p.completionTrigger):
		cmd.Kind = CommandCompletion
		return cmd
	}

	m := p.prefixRe.FindStringSubmatch(trimmed)
	if m == nil {
		return cmd
	}

	cmd.Kind = CommandCreate
	cmd.Repeat = m[1] != ""
	if m[2] != "" {
		if n, err := strconv.Atoi(m[2]); err == nil {
			cmd.LeadMinutes = n
		}
	}
	cmd.Body = strings.TrimSpace(trimmed[len(m[0]):])
	cmd.Content, cmd.MentionID, cmd.Designee = extractDesignation(cmd.Body)
	return cmd
}

// extractDesignation returns the body without designation tokens plus the
// first platform mention id, or failing that the first plain @name.
func extractDesignation(body string) (content, mentionID, designee string) {
	if m := mentionTokenRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(mentionTokenRe.ReplaceAllString(body, "")), m[1], ""
	}
	if m := atNameRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(atNameRe.ReplaceAllString(body, "")), "", strings.TrimSpace(m[1])
	}
	return body, "", ""
}

// Intent builds the create intent for cmd. A mention that cannot be resolved
// falls back to the default executor instead of failing the command.
func (p *Parser) Intent(ctx context.Context, cmd Command, requester, channel, chatID string, resolver MemberResolver) TaskIntent {
	intent := TaskIntent{
		Content:     cmd.Content,
		Requester:   requester,
		Repeat:      cmd.Repeat,
		LeadMinutes: cmd.LeadMinutes,
		RawText:     cmd.Raw,
	}

	switch {
	case cmd.MentionID != "":
		name, err := p.resolveMention(ctx, resolver, channel, chatID, cmd.MentionID)
		if err != nil {
			log.Printf("[relay] resolve mention %s failed: %v", cmd.MentionID, err)
		} else {
			intent.Executor = name
		}
	case cmd.Designee != "":
		intent.Executor = cmd.Designee
	}

	if intent.Executor == "" {
		intent.Executor = p.DefaultExecutor(requester)
	}
	return intent
}

func (p *Parser) resolveMention(ctx context.Context, resolver MemberResolver, channel, chatID, userID string) (string, error) {
	if resolver == nil {
		return "", fmt.Errorf("no member resolver")
	}
	name, err := resolver.DisplayName(ctx, channel, chatID, userID)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty display name for %s", userID)
	}
	return name, nil
}

// DefaultExecutor is the placeholder, else the requester, never empty.
func (p *Parser) DefaultExecutor(requester string) string {
	if p.placeholder != "" {
		return p.placeholder
	}
	if r := strings.TrimSpace(requester); r != "" {
		return r
	}
	return fallbackExecutor
}
