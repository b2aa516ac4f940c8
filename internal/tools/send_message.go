package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/approval"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/store"
)

// SendMessageToolName is the guarded tool that posts into another channel.
const SendMessageToolName = "send_message_to_channel"

type sendMessageArgs struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message"`
}

// SendMessageTool asks the requesting user to approve a message to another
// channel. Nothing is sent until the approval workflow executes it.
type SendMessageTool struct {
	workflow *approval.Workflow
}

func NewSendMessageTool(workflow *approval.Workflow) *SendMessageTool {
	return &SendMessageTool{workflow: workflow}
}

func (t *SendMessageTool) Name() string { return SendMessageToolName }

func (t *SendMessageTool) Description() string {
	return "Send a message to a channel. The user who asked must approve it first with a reaction; the message is not sent when this tool returns."
}

func (t *SendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channelId": map[string]any{
				"type":        "string",
				"description": "ID of the channel to post in.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Text to post.",
			},
		},
		"required": []string{"channelId", "message"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	channelID, _ := args["channelId"].(string)
	message, _ := args["message"].(string)
	channelID, message = strings.TrimSpace(channelID), strings.TrimSpace(message)
	if channelID == "" || message == "" {
		return ErrorResult("channelId and message are required")
	}

	origin := ToolOriginFromCtx(ctx)
	out := ToolOutboxFromCtx(ctx)
	if origin == nil || out == nil {
		return ErrorResult("no conversation to ask for approval in")
	}

	raw, err := json.Marshal(sendMessageArgs{ChannelID: channelID, Message: message})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode arguments: %v", err))
	}

	glyphs := t.workflow.Glyphs()
	tc, err := t.workflow.Draft(ctx, out, approval.DraftRequest{
		Origin:      origin,
		ToolName:    SendMessageToolName,
		Args:        raw,
		Description: fmt.Sprintf("send %q to channel %s", truncateStr(message, 200), channelID),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("could not request approval: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf(
		"Approval requested (request %s). The message has NOT been sent yet: it is posted once the user reacts with %s, and dropped on %s. Tell the user it is waiting for their approval.",
		tc.ID, glyphs.Approve, glyphs.Reject))
}

// SendMessageExecutor performs an approved send_message_to_channel call and
// records the posted message as a standalone bot message.
func SendMessageExecutor(messages store.MessageStore) approval.Executor {
	return approval.ExecutorFunc(func(ctx context.Context, out approval.Outbox, call *store.PendingToolcall) (string, error) {
		var args sendMessageArgs
		if err := json.Unmarshal(call.ToolArgs, &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		if args.ChannelID == "" || args.Message == "" {
			return "", fmt.Errorf("incomplete arguments for %s", call.ToolName)
		}

		id, err := out.SendMessage(ctx, args.ChannelID, args.Message, channels.SendOptions{})
		if err != nil {
			return "", fmt.Errorf("send to %s: %w", args.ChannelID, err)
		}

		sent := &store.Message{
			EventID:         id,
			ThreadID:        id,
			ChannelID:       args.ChannelID,
			UserID:          out.BotID(),
			Message:         args.Message,
			IsThreadStarter: true,
			CreatedAt:       time.Now().UTC(),
		}
		if err := messages.Save(ctx, sent); err != nil && !store.IsDuplicate(err) {
			// The post is out; report success and keep the log trail.
			slog.Warn("failed to record sent message", "event", id, "channel", args.ChannelID, "error", err)
		}
		return fmt.Sprintf("Sent to %s.", args.ChannelID), nil
	})
}
