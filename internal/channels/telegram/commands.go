package telegram

import (
	"context"
	"log/slog"

	"github.com/mymmrac/telego"
)

// SyncMenuCommands registers bot commands with Telegram via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
}

// DefaultMenuCommands returns the bot menu commands.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "ask", Description: "Ask Beaver a question in a new thread"},
		{Command: "help", Description: "Show what Beaver can do"},
	}
}
