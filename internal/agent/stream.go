package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/escolta/pkg/models"
)

// streamLine is one line of the CLI's stream-json output. Only the
// fields the host consumes are mapped.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	Duration  int64  `json:"duration_ms,omitempty"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// parseStreamLine converts one stream-json line into zero or more
// events. The session id (once seen) is returned so the caller can bind
// it to the task. Malformed lines yield an error and no events; the
// caller logs and skips them.
func parseStreamLine(taskID string, data []byte) ([]models.Event, string, error) {
	var line streamLine
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, "", fmt.Errorf("malformed stream line: %w", err)
	}

	now := time.Now()

	switch line.Type {
	case "system":
		if line.Subtype == "init" {
			return []models.Event{{
				Type:   models.EventProgress,
				TaskID: taskID,
				Stage:  "initialized",
				Time:   now,
			}}, line.SessionID, nil
		}
		return nil, line.SessionID, nil

	case "assistant", "user":
		if line.Message == nil {
			return nil, line.SessionID, nil
		}
		var events []models.Event
		for _, block := range line.Message.Content {
			msg, ok := blockToMessage(taskID, block, now)
			if !ok {
				continue
			}
			events = append(events, models.Event{
				Type:     models.EventMessageBatch,
				TaskID:   taskID,
				Messages: []models.Message{msg},
				Time:     now,
			})
		}
		return events, line.SessionID, nil

	case "result":
		kind := models.ResultSuccess
		text := line.Result
		if line.IsError || (line.Subtype != "" && line.Subtype != "success") {
			kind = models.ResultFailure
			if text == "" {
				text = line.Subtype
			}
		}
		return []models.Event{{
			Type:   models.EventComplete,
			TaskID: taskID,
			Result: &models.Result{
				Kind:       kind,
				SessionID:  line.SessionID,
				Text:       text,
				DurationMS: line.Duration,
			},
			Time: now,
		}}, line.SessionID, nil
	}

	// Unknown line types are ignored, not errors; the CLI adds new ones.
	return nil, line.SessionID, nil
}

func blockToMessage(taskID string, block contentBlock, now time.Time) (models.Message, bool) {
	msg := models.Message{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		CreatedAt: now,
	}

	switch block.Type {
	case "text":
		msg.Kind = models.MessageKindText
		msg.Content = block.Text
	case "thinking":
		msg.Kind = models.MessageKindThinking
		msg.Content = block.Thinking
	case "tool_use":
		msg.Kind = models.MessageKindToolCall
		msg.ToolName = block.Name
		msg.Content = string(block.Input)
	case "tool_result":
		msg.Kind = models.MessageKindToolResult
		msg.Content = string(block.Content)
	default:
		return models.Message{}, false
	}

	return msg, true
}
