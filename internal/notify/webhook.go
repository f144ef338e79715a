// Package notify announces pool events over Discord and Telegram
// webhooks. Delivery is best-effort and never blocks the reward path.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/util"
)

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier sends webhook notifications for pool events.
type Notifier struct {
	cfg    *config.NotifyConfig
	prefix string
	client *http.Client
}

// NewNotifier creates a notifier. prefix is the network address prefix
// used to render canonical addresses in outbound messages.
func NewNotifier(cfg *config.NotifyConfig, prefix string) *Notifier {
	return &Notifier{
		cfg:    cfg,
		prefix: prefix,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BlockFound announces a freshly found block.
func (n *Notifier) BlockFound(hash, finder string) {
	if !n.cfg.Enabled {
		return
	}
	external := util.ExternalAddress(finder, n.prefix)

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordBlock(hash, external)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		text := fmt.Sprintf(
			"*Block Found!*\n\nFinder: `%s`\nHash: `%s`",
			truncateAddress(external), truncateHash(hash),
		)
		go n.sendTelegramMessage(text)
	}
}

// PaymentSent announces a completed payout.
func (n *Notifier) PaymentSent(address string, amount uint64, txID string) {
	if !n.cfg.Enabled {
		return
	}
	external := util.ExternalAddress(address, n.prefix)

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordPayment(external, amount, txID)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		text := fmt.Sprintf(
			"*Payment Sent*\n\nAmount: `%.8f KAS`\nAddress: `%s`\nTx: `%s`",
			kas(amount), truncateAddress(external), truncateHash(txID),
		)
		go n.sendTelegramMessage(text)
	}
}

func kas(sompi uint64) float64 {
	return float64(sompi) / 1e8
}

// DiscordEmbed is a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField is a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter is the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage is a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordBlock(hash, finder string) {
	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: fmt.Sprintf("**%s** found a new block!", n.cfg.PoolName),
		Color:       0x00FF00,
		Fields: []DiscordField{
			{Name: "Finder", Value: truncateAddress(finder), Inline: true},
			{Name: "Hash", Value: truncateHash(hash), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.PoolName,
		},
	}
	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordPayment(address string, amount uint64, txID string) {
	embed := DiscordEmbed{
		Title:       "Payment Sent",
		Description: fmt.Sprintf("**%s** has processed a payout", n.cfg.PoolName),
		Color:       0x0099FF,
		Fields: []DiscordField{
			{Name: "Amount", Value: fmt.Sprintf("%.8f KAS", kas(amount)), Inline: true},
			{Name: "Address", Value: truncateAddress(address), Inline: true},
			{Name: "Tx", Value: truncateHash(txID), Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.PoolName,
		},
	}
	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage posts to the Discord webhook with exponential
// backoff retry.
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", maxRetries, lastErr)
	}
}

// TelegramMessage is a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramMessage posts via the Telegram Bot API with exponential
// backoff retry.
func (n *Notifier) sendTelegramMessage(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", maxRetries, lastErr)
	}
}

// truncateAddress returns a shortened address for display.
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display.
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
