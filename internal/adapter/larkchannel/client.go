// Package larkchannel adapts Lark (Feishu) messaging to the mailbox and
// approval-channel ports. Invoices arrive as file messages in an inbox
// chat; approvals happen as reply threads in a finance chat.
package larkchannel

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"go.uber.org/zap"
)

// Config holds Lark client configuration
type Config struct {
	AppID          string
	AppSecret      string
	InboxChatID    string // chat receiving invoice emails/files
	ApprovalChatID string // chat where approval requests are posted
}

// Client wraps the Lark SDK client
type Client struct {
	client *lark.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient creates a new Lark client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}
