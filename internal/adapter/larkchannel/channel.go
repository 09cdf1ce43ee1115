package larkchannel

import (
	"context"
	"encoding/json"
	"fmt"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

// Channel implements the approval-channel port over a Lark group chat.
// A posted approval request opens a reply thread; replies in that thread
// carry decisions and, later, payment transaction ids.
type Channel struct {
	client *Client
	logger *zap.Logger
}

// NewChannel creates the approval channel adapter.
func NewChannel(client *Client, logger *zap.Logger) *Channel {
	return &Channel{client: client, logger: logger}
}

type textContent struct {
	Text string `json:"text"`
}

// Post sends text into the approval chat. An empty threadRef opens a new
// thread rooted at the sent message; otherwise the text is posted as a
// reply in the existing thread.
func (c *Channel) Post(ctx context.Context, threadRef, text string) (string, error) {
	content, err := json.Marshal(textContent{Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}

	if threadRef == "" {
		return c.create(ctx, string(content))
	}
	return c.reply(ctx, threadRef, string(content))
}

func (c *Channel) create(ctx context.Context, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(c.client.cfg.ApprovalChatID).
			MsgType("text").
			Content(content).
			Build()).
		Build()

	resp, err := c.client.client.Im.Message.Create(ctx, req)
	if err != nil {
		c.logger.Error("Failed to send message",
			zap.String("chat_id", c.client.cfg.ApprovalChatID),
			zap.Error(err))
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if !resp.Success() {
		c.logger.Error("API returned failure",
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}

	c.logger.Info("Approval message posted", zap.String("message_id", messageID))
	return messageID, nil
}

func (c *Channel) reply(ctx context.Context, threadRef, content string) (string, error) {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(threadRef).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType("text").
			Content(content).
			Build()).
		Build()

	resp, err := c.client.client.Im.Message.Reply(ctx, req)
	if err != nil {
		c.logger.Error("Failed to reply in thread",
			zap.String("thread_ref", threadRef),
			zap.Error(err))
		return "", fmt.Errorf("failed to reply: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return messageID, nil
}

// Watch lists chat messages created after the cursor and returns those
// belonging to the given thread. Messages sent by apps (our own posts
// and reminders) are filtered out so the parser only sees humans.
func (c *Channel) Watch(ctx context.Context, threadRef, cursor string) ([]port.ChannelMessage, string, error) {
	builder := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(c.client.cfg.ApprovalChatID).
		SortType("ByCreateTimeAsc").
		PageSize(50)
	if cursor != "" {
		builder.StartTime(cursor)
	}

	resp, err := c.client.client.Im.Message.List(ctx, builder.Build())
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to list messages: %w", err)
	}
	if !resp.Success() {
		return nil, cursor, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	var out []port.ChannelMessage
	nextCursor := cursor

	for _, item := range resp.Data.Items {
		if item.CreateTime != nil {
			nextCursor = *item.CreateTime
		}
		if !inThread(item, threadRef) || fromApp(item) {
			continue
		}

		msg := port.ChannelMessage{
			ThreadRef: threadRef,
		}
		if item.MessageId != nil {
			msg.MessageRef = *item.MessageId
		}
		if item.Sender != nil && item.Sender.Id != nil {
			msg.Sender = *item.Sender.Id
		}
		msg.Text = extractText(item)
		if msg.Text == "" {
			continue
		}
		out = append(out, msg)
	}

	return out, nextCursor, nil
}

func inThread(item *larkim.Message, threadRef string) bool {
	if item.RootId != nil && *item.RootId == threadRef {
		return true
	}
	if item.ParentId != nil && *item.ParentId == threadRef {
		return true
	}
	return false
}

func fromApp(item *larkim.Message) bool {
	return item.Sender != nil && item.Sender.SenderType != nil && *item.Sender.SenderType == "app"
}

func extractText(item *larkim.Message) string {
	if item.MsgType == nil || *item.MsgType != "text" {
		return ""
	}
	if item.Body == nil || item.Body.Content == nil {
		return ""
	}
	var content textContent
	if err := json.Unmarshal([]byte(*item.Body.Content), &content); err != nil {
		return ""
	}
	return content.Text
}
