package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/mirrorhq/copytrader/execution"
	"github.com/mirrorhq/copytrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Execution notifications & agent stats
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pushes terminal execution outcomes to a chat and answers /stats with the
// ledger's per-agent leaderboard aggregates.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider answers the /stats command from the ledger read path
type StatsProvider interface {
	Stats(ctx context.Context, agentID string) (types.AgentStats, error)
}

// AgentLister enumerates active agents for reporting
type AgentLister interface {
	AgentIDs() []string
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats  StatsProvider
	agents AgentLister
}

// NewTelegramBot creates the bot from a token and chat id
func NewTelegramBot(token string, chatID int64, stats StatsProvider, agents AgentLister) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
		agents: agents,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyOutcome sends a terminal execution alert
func (b *TelegramBot) NotifyOutcome(out execution.Outcome) {
	var emoji, title string
	switch {
	case out.Status == types.StatusCompleted:
		emoji, title = "✅", "COPY FILLED"
	case out.Reason == types.FailPartiallyFilled:
		emoji, title = "◑", "PARTIAL FILL"
	case out.Reason == types.FailCancelled:
		emoji, title = "🛑", "COPY CANCELLED"
	default:
		emoji, title = "❌", "COPY FAILED"
	}

	msg := fmt.Sprintf(`%s *%s*

🤖 Agent: %s
📊 %s — %s
📦 Filled: *%s*`,
		emoji, title,
		out.AgentID,
		out.Market, string(out.Side),
		out.FilledSize.StringFixed(2),
	)
	if out.Reason != "" {
		msg += fmt.Sprintf("\n📝 %s", string(out.Reason))
	}

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

// commandLoop handles incoming commands
func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			switch update.Message.Command() {
			case "stats":
				b.handleStats()
			case "help", "start":
				b.sendMarkdown("Commands:\n/stats — per-agent copy statistics")
			}
		}
	}
}

// handleStats answers with the leaderboard aggregates for every agent
func (b *TelegramBot) handleStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := "📊 *AGENT STATS*\n"
	for _, id := range b.agents.AgentIDs() {
		st, err := b.stats.Stats(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("agent", id).Msg("⚠️ Stats query failed")
			continue
		}
		msg += fmt.Sprintf(`
🤖 *%s*
━━━━━━━━━━━━━━━━
📈 Trades: *%d* | Completed: *%d*
🎯 Success: *%s%%*
💵 Volume: *$%s*
`,
			id,
			st.TotalTrades, st.Completed,
			st.SuccessRate.StringFixed(1),
			st.TotalVolume.StringFixed(2),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram send failed")
	}
}
