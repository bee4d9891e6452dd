package telegram

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/geupmae/internal/models"
)

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"은마_아파트", "은마\\_아파트"},
		{"76.79㎡", "76\\.79㎡"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"3/14층", "3/14층"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatWon(t *testing.T) {
	tests := []struct {
		won  int64
		want string
	}{
		{2_450_000_000, "24억 5,000만"},
		{500_000_000, "5억"},
		{90_000_000, "9,000만"},
		{1_500_000, "150만"},
		{1_050_000_000, "10억 500만"},
	}
	for _, tt := range tests {
		if got := formatWon(tt.won); got != tt.want {
			t.Errorf("formatWon(%d) = %q, want %q", tt.won, got, tt.want)
		}
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient(Config{BotToken: "", ChatID: "not-a-number"})
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

// fakeBotAPI answers getMe and records sendMessage calls.
type fakeBotAPI struct {
	mu       sync.Mutex
	texts    []string
	modes    []string
	chatIDs  []string
	failNext int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"geupmae","username":"geupmae_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext > 0 {
			f.failNext--
			_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
			return
		}
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.modes = append(f.modes, r.PostForm.Get("parse_mode"))
		f.chatIDs = append(f.chatIDs, r.PostForm.Get("chat_id"))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) sent() (texts, modes, chatIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...), append([]string(nil), f.modes...), append([]string(nil), f.chatIDs...)
}

func (f *fakeBotAPI) failFor(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func newTestClient(t *testing.T, fake *fakeBotAPI, topK int) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BotToken:       "123:abc",
		ChatID:         "42",
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
		TopK:           topK,
		APIEndpoint:    srv.URL + "/bot%s/%s",
	})
	require.NoError(t, err)
	return c
}

func bargain(id string, score float64, keyword string) *models.Listing {
	return &models.Listing{
		ID:            id,
		ComplexName:   "은마",
		TradeType:     models.TradeSale,
		Price:         2_450_000_000,
		ExclusiveArea: 76.79,
		Floor:         "3/14",
		IsBargain:     true,
		BargainScore:  score,
		Factors:       models.Factors{PeerDiscount: 30, PeerMean: 2_700_000_000, Drops: 2, DropPercent: 5.5, Keyword: keyword},
	}
}

func TestSendDigest(t *testing.T) {
	fake := &fakeBotAPI{}
	c := newTestClient(t, fake, 2)

	run := models.Run{Region: "seoul", StartedAt: time.Date(2026, 10, 1, 0, 30, 0, 0, time.UTC)}
	err := c.SendDigest(run, []*models.Listing{bargain("2412345678", 48.5, "급매"), bargain("2412345679", 41, ""), bargain("2412345680", 40, "")})
	require.NoError(t, err)

	texts, modes, chatIDs := fake.sent()
	require.Len(t, texts, 1)
	text := texts[0]
	assert.Equal(t, "MarkdownV2", modes[0])
	assert.Equal(t, "42", chatIDs[0])
	assert.Contains(t, text, "급매 3건")
	assert.Contains(t, text, "2026\\-10\\-01 09:30")
	assert.Contains(t, text, "[은마 76\\.8㎡ 3/14층](https://m.land.naver.com/article/info/2412345678)")
	assert.Contains(t, text, "매매 *24억 5,000만* · 48\\.5점 · 🔑 급매")
	assert.Contains(t, text, "외 1건")
	assert.NotContains(t, text, "2412345680")
}

func TestSendDigest_EmptyIsNoop(t *testing.T) {
	fake := &fakeBotAPI{}
	c := newTestClient(t, fake, 10)
	require.NoError(t, c.SendDigest(models.Run{}, nil))
	texts, _, _ := fake.sent()
	assert.Empty(t, texts)
}

func TestSendRunFailure_Retries(t *testing.T) {
	fake := &fakeBotAPI{}
	c := newTestClient(t, fake, 10)
	fake.failFor(2)

	run := models.Run{Region: "busan", Mode: models.ModeFull, Cursor: 12, TotalUnits: 90}
	require.NoError(t, c.SendRunFailure(run, errors.New("store unavailable: disk I/O error")))
	texts, _, _ := fake.sent()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "*Run failed* busan")
	assert.Contains(t, texts[0], "unit 12/90")

	fake.failFor(5)
	err := c.SendRunFailure(run, errors.New("again"))
	assert.Error(t, err)
}
