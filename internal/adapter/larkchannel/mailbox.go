package larkchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/port"
)

// Mailbox implements the mailbox-source port over the inbox chat that
// receives forwarded invoice emails. File and image messages become
// attachments; text replies in an invoice's thread carry missing info.
type Mailbox struct {
	client *Client
	logger *zap.Logger
}

// NewMailbox creates the mailbox adapter.
func NewMailbox(client *Client, logger *zap.Logger) *Mailbox {
	return &Mailbox{client: client, logger: logger}
}

type fileContent struct {
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

type imageContent struct {
	ImageKey string `json:"image_key"`
}

// Poll returns inbox messages created after the cursor.
func (m *Mailbox) Poll(ctx context.Context, cursor string) ([]port.InboxMessage, string, error) {
	builder := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(m.client.cfg.InboxChatID).
		SortType("ByCreateTimeAsc").
		PageSize(50)
	if cursor != "" {
		builder.StartTime(cursor)
	}

	resp, err := m.client.client.Im.Message.List(ctx, builder.Build())
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to list inbox: %w", err)
	}
	if !resp.Success() {
		return nil, cursor, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	var out []port.InboxMessage
	nextCursor := cursor

	for _, item := range resp.Data.Items {
		prevCursor := nextCursor
		if item.CreateTime != nil {
			nextCursor = *item.CreateTime
		}
		if fromApp(item) || item.MessageId == nil {
			continue
		}

		msg := port.InboxMessage{
			MessageID: *item.MessageId,
			ThreadID:  threadID(item),
		}
		if item.Sender != nil && item.Sender.Id != nil {
			msg.Sender = *item.Sender.Id
		}

		switch msgType(item) {
		case "text":
			msg.Body = extractText(item)
		case "file", "image":
			att, err := m.downloadAttachment(ctx, item)
			if err != nil {
				// Leave the cursor short of this message; the next poll
				// retries the download.
				m.logger.Warn("Failed to download attachment",
					zap.String("message_id", msg.MessageID),
					zap.Error(err))
				return out, prevCursor, nil
			}
			msg.Attachments = append(msg.Attachments, att)
		default:
			continue
		}

		out = append(out, msg)
	}

	return out, nextCursor, nil
}

// Reply posts text into an existing inbox thread.
func (m *Mailbox) Reply(ctx context.Context, threadID, body string) (string, error) {
	content, err := json.Marshal(textContent{Text: body})
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}

	req := larkim.NewReplyMessageReqBuilder().
		MessageId(threadID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := m.client.client.Im.Message.Reply(ctx, req)
	if err != nil {
		m.logger.Error("Failed to reply in inbox thread",
			zap.String("thread_id", threadID),
			zap.Error(err))
		return "", fmt.Errorf("failed to reply: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageRef := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageRef = *resp.Data.MessageId
	}
	return messageRef, nil
}

func (m *Mailbox) downloadAttachment(ctx context.Context, item *larkim.Message) (port.Attachment, error) {
	var att port.Attachment

	fileKey, fileName, resourceType, err := resourceInfo(item)
	if err != nil {
		return att, err
	}

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(*item.MessageId).
		FileKey(fileKey).
		Type(resourceType).
		Build()

	resp, err := m.client.client.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return att, fmt.Errorf("failed to fetch resource: %w", err)
	}
	if !resp.Success() {
		return att, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	data, err := io.ReadAll(resp.File)
	if err != nil {
		return att, fmt.Errorf("failed to read resource: %w", err)
	}

	att.Filename = fileName
	att.MimeType = mimeTypeFor(fileName, resourceType)
	att.Data = data
	return att, nil
}

func resourceInfo(item *larkim.Message) (fileKey, fileName, resourceType string, err error) {
	if item.Body == nil || item.Body.Content == nil {
		return "", "", "", fmt.Errorf("message has no body")
	}

	switch msgType(item) {
	case "file":
		var c fileContent
		if err := json.Unmarshal([]byte(*item.Body.Content), &c); err != nil {
			return "", "", "", fmt.Errorf("failed to parse file content: %w", err)
		}
		return c.FileKey, c.FileName, "file", nil
	case "image":
		var c imageContent
		if err := json.Unmarshal([]byte(*item.Body.Content), &c); err != nil {
			return "", "", "", fmt.Errorf("failed to parse image content: %w", err)
		}
		return c.ImageKey, c.ImageKey + ".png", "image", nil
	default:
		return "", "", "", fmt.Errorf("message type carries no resource")
	}
}

func msgType(item *larkim.Message) string {
	if item.MsgType == nil {
		return ""
	}
	return *item.MsgType
}

func threadID(item *larkim.Message) string {
	if item.RootId != nil && *item.RootId != "" {
		return *item.RootId
	}
	if item.MessageId != nil {
		return *item.MessageId
	}
	return ""
}

func mimeTypeFor(fileName, resourceType string) string {
	if resourceType == "image" {
		return "image/png"
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
