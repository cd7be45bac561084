package session

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Stop reasons that mean the agent finished its turn normally.
var doneStopReasons = map[string]bool{
	"stop":     true,
	"end_turn": true,
}

const (
	syntheticErrorType   = "synthetic_error"
	syntheticErrorPrefix = "synthetic:"
	previewMaxRunes      = 280
)

type transcriptRecord struct {
	Type      string             `json:"type"`
	Timestamp string             `json:"timestamp"`
	Message   *transcriptMessage `json:"message"`
}

type transcriptMessage struct {
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content"`
	StopReason   string          `json:"stopReason"`
	ErrorMessage string          `json:"errorMessage"`
	Usage        *usageRecord    `json:"usage"`
}

type usageRecord struct {
	Input       int64           `json:"input"`
	Output      int64           `json:"output"`
	CacheRead   int64           `json:"cacheRead"`
	CacheWrite  int64           `json:"cacheWrite"`
	TotalTokens int64           `json:"totalTokens"`
	Cost        json.RawMessage `json:"cost"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage is token and cost accounting for the latest assistant turn.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

func (u *usageRecord) toUsage() Usage {
	usage := Usage{
		InputTokens:      u.Input,
		OutputTokens:     u.Output,
		CacheReadTokens:  u.CacheRead,
		CacheWriteTokens: u.CacheWrite,
		TotalTokens:      u.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = u.Input + u.Output + u.CacheRead + u.CacheWrite
	}
	if len(u.Cost) > 0 {
		var total float64
		if err := json.Unmarshal(u.Cost, &total); err == nil {
			usage.Cost = total
		} else {
			var breakdown struct {
				Total float64 `json:"total"`
			}
			if err := json.Unmarshal(u.Cost, &breakdown); err == nil {
				usage.Cost = breakdown.Total
			}
		}
	}
	return usage
}

// tailSummary is what the classifier extracts from a transcript tail.
type tailSummary struct {
	hasAssistant    bool
	stopReason      string
	syntheticError  bool
	usage           Usage
	preview         string
	lastAssistantAt time.Time
}

// summarizeTail scans lines oldest to newest. Unparseable lines are skipped.
func summarizeTail(lines [][]byte) tailSummary {
	var s tailSummary
	for _, line := range lines {
		var rec transcriptRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Type == syntheticErrorType {
			s.syntheticError = true
			continue
		}
		msg := rec.Message
		if msg == nil || msg.Role != "assistant" {
			continue
		}

		s.hasAssistant = true
		s.stopReason = msg.StopReason
		if msg.StopReason == "error" && strings.HasPrefix(msg.ErrorMessage, syntheticErrorPrefix) {
			s.syntheticError = true
		}
		if msg.Usage != nil {
			s.usage = msg.Usage.toUsage()
		}
		if text := messageText(msg.Content); text != "" {
			s.preview = truncatePreview(text)
		}
		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			s.lastAssistantAt = ts
		}
	}
	return s
}

func (s tailSummary) done() bool {
	return s.syntheticError || (s.hasAssistant && doneStopReasons[s.stopReason])
}

// messageText returns the concatenated text blocks of a message. Content may
// be a bare string or a list of typed blocks.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncatePreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewMaxRunes-1]) + "…"
}
