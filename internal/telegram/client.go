// Package telegram sends bargain digests and run failure notices via the Telegram Bot API.
package telegram

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/geupmae/internal/models"
)

// Config holds client settings.
type Config struct {
	BotToken       string
	ChatID         string
	MaxRetries     int
	RetryDelayBase time.Duration
	TopK           int
	// ArticleURL is the listing page prefix; the listing id is appended.
	ArticleURL string
	// APIEndpoint overrides the Bot API endpoint format (tgbotapi.APIEndpoint).
	APIEndpoint string
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	topK           int
	articleURL     string
}

// NewClient creates a new Telegram client.
func NewClient(cfg Config) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.ArticleURL == "" {
		cfg.ArticleURL = "https://m.land.naver.com/article/info/"
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		topK:           cfg.TopK,
		articleURL:     cfg.ArticleURL,
	}, nil
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendDigest sends the top newly detected bargains of a run. Listings are
// expected highest score first.
func (c *Client) SendDigest(run models.Run, bargains []*models.Listing) error {
	if len(bargains) == 0 {
		return nil
	}
	return c.sendMarkdownV2(c.formatDigest(run, bargains))
}

// SendRunFailure reports a run that ended in failure.
func (c *Client) SendRunFailure(run models.Run, runErr error) error {
	text := fmt.Sprintf("⚠️ *Run failed* %s\n%s, unit %d/%d\n`%s`",
		escapeMarkdownV2(run.Region),
		escapeMarkdownV2(string(run.Mode)),
		run.Cursor, run.TotalUnits,
		escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(text)
}

func (c *Client) formatDigest(run models.Run, bargains []*models.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏠 *급매 %d건* %s\n", len(bargains), escapeMarkdownV2(run.Region))
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(run.StartedAt.In(kst).Format("2006-01-02 15:04")))
	}
	b.WriteString("\n")

	shown := bargains
	if len(shown) > c.topK {
		shown = shown[:c.topK]
	}
	for i, l := range shown {
		title := fmt.Sprintf("%s %.1f㎡", l.ComplexName, l.ExclusiveArea)
		if l.Floor != "" {
			title += " " + l.Floor + "층"
		}
		fmt.Fprintf(&b, "%d\\. [%s](%s)\n", i+1, escapeMarkdownV2(title), c.articleURL+l.ID)
		fmt.Fprintf(&b, "   %s *%s* · %s점",
			tradeLabel(l.TradeType),
			escapeMarkdownV2(formatPrice(l)),
			escapeMarkdownV2(fmt.Sprintf("%.1f", l.BargainScore)))
		if l.Factors.Keyword != "" {
			fmt.Fprintf(&b, " · 🔑 %s", escapeMarkdownV2(l.Factors.Keyword))
		}
		b.WriteString("\n")
		if l.Factors.PeerMean > 0 || l.Factors.DropPercent > 0 {
			fmt.Fprintf(&b, "   %s\n", escapeMarkdownV2(fmt.Sprintf("주변 대비 %.1f점 · 실거래 대비 %.1f점 · 인하 %d회 (%.1f%%)",
				l.Factors.PeerDiscount, l.Factors.TxDiscount, l.Factors.Drops, l.Factors.DropPercent)))
		}
	}
	if rest := len(bargains) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n외 %d건\n", rest)
	}
	return b.String()
}

var kst = time.FixedZone("KST", 9*60*60)

func tradeLabel(tt models.TradeType) string {
	switch tt {
	case models.TradeSale:
		return "매매"
	case models.TradeLease:
		return "전세"
	default:
		return "월세"
	}
}

func formatPrice(l *models.Listing) string {
	if l.TradeType == models.TradeRent {
		return formatWon(l.Price) + "/" + formatWon(l.MonthlyRent)
	}
	return formatWon(l.Price)
}

// formatWon renders a won amount the way listing sites do: 24억 5,000만.
func formatWon(won int64) string {
	manwon := won / 10000
	eok, rest := manwon/10000, manwon%10000
	switch {
	case eok > 0 && rest > 0:
		return fmt.Sprintf("%d억 %s만", eok, thousands(rest))
	case eok > 0:
		return fmt.Sprintf("%d억", eok)
	default:
		return thousands(rest) + "만"
	}
}

func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	return s[:len(s)-3] + "," + s[len(s)-3:]
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
