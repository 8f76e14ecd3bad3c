package tasks

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/pkg/models"
)

// Reconstruct rebuilds the outgoing conversation for a resumed task from
// its stored message rows, given in creation order.
//
// The newest assistant row's request payload is preferred: it preserves
// the tool_use/tool_result block structure the model expects, with demoted
// screenshots already in their URL text form. The row's own blocks follow
// as the assistant turn, and the tool results recorded in the response
// payload become the synthetic user turn after it. Rows persisted without
// payloads fall back to plain role/content turns.
func Reconstruct(rows []*models.Message) []models.Message {
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.Role != models.RoleAssistant || len(row.RequestBlob) == 0 {
			continue
		}
		var req agent.RequestPayload
		if err := json.Unmarshal(row.RequestBlob, &req); err != nil {
			break
		}

		msgs := make([]models.Message, 0, len(req.Messages)+2)
		msgs = append(msgs, req.Messages...)

		var resp agent.ResponsePayload
		haveResp := len(row.ResponseBlob) > 0 && json.Unmarshal(row.ResponseBlob, &resp) == nil

		blocks := row.Blocks
		if len(blocks) == 0 && haveResp {
			blocks = resp.Content
		}
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Blocks: blocks})

		if haveResp && len(resp.ToolResults) > 0 {
			msgs = append(msgs, models.Message{Role: models.RoleUser, Blocks: resp.ToolResults})
		}
		return msgs
	}

	// No usable payload anywhere: flatten the rows to role/content turns.
	var msgs []models.Message
	for _, row := range rows {
		text := row.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		msgs = append(msgs, models.Message{
			Role:    row.Role,
			Content: text,
			Blocks:  []models.Block{models.NewTextBlock(text)},
		})
	}
	return msgs
}
