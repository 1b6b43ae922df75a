package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Chat is a chat summary as listed by the gateway.
type Chat struct {
	ID              string
	Name            string
	AvatarURL       string
	UnreadCount     int
	LastMessageText string
	LastMessageAt   time.Time
}

// Contact is an address book entry of an instance.
type Contact struct {
	ID        string
	Name      string
	AvatarURL string
}

type chatRecord struct {
	ID            string          `json:"id"`
	RemoteJid     string          `json:"remoteJid"`
	Name          string          `json:"name"`
	PushName      string          `json:"pushName"`
	ProfilePicURL string          `json:"profilePicUrl"`
	UnreadCount   int             `json:"unreadCount"`
	UpdatedAt     string          `json:"updatedAt"`
	LastMessage   json.RawMessage `json:"lastMessage"`
}

// FetchChats lists the chats of an instance. Records without a usable address are skipped.
func (c *Client) FetchChats(ctx context.Context, instance string) ([]Chat, error) {
	var records []chatRecord
	if err := c.do(ctx, "fetch_chats", http.MethodPost, "/chat/findChats/"+url.PathEscape(instance), map[string]any{}, &records); err != nil {
		return nil, err
	}

	out := make([]Chat, 0, len(records))
	for _, r := range records {
		addr := r.RemoteJid
		if addr == "" && strings.Contains(r.ID, "@") {
			addr = r.ID
		}
		if addr == "" {
			continue
		}
		ch := Chat{
			ID:          wa.CanonicalAddress(addr),
			Name:        first(r.Name, r.PushName),
			AvatarURL:   r.ProfilePicURL,
			UnreadCount: max(r.UnreadCount, 0),
		}
		if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
			ch.LastMessageAt = t.UTC()
		}
		if len(r.LastMessage) > 0 && string(r.LastMessage) != "null" {
			if env, err := wa.ParseMessageRecord(r.LastMessage); err == nil {
				ch.LastMessageText = env.Preview()
				if env.SentAt.After(ch.LastMessageAt) {
					ch.LastMessageAt = env.SentAt
				}
			} else {
				c.logger.Debug("skip unreadable last message", zap.String("chat_id", ch.ID), zap.Error(err))
			}
		}
		out = append(out, ch)
	}
	return out, nil
}

// FetchMessages returns up to limit recent messages of one chat, in gateway order.
func (c *Client) FetchMessages(ctx context.Context, instance, chatID string, limit int) ([]wa.Envelope, error) {
	req := map[string]any{
		"where": map[string]any{
			"key": map[string]any{"remoteJid": chatID},
		},
		"limit": limit,
	}
	var raw json.RawMessage
	if err := c.do(ctx, "fetch_messages", http.MethodPost, "/chat/findMessages/"+url.PathEscape(instance), req, &raw); err != nil {
		return nil, err
	}

	// Older gateways answer with a bare list, newer ones with a paginated object.
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		var page struct {
			Messages struct {
				Records []json.RawMessage `json:"records"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode fetch_messages response: %w", err)
		}
		records = page.Messages.Records
	}

	out := make([]wa.Envelope, 0, len(records))
	for _, rec := range records {
		env, err := wa.ParseMessageRecord(rec)
		if err != nil {
			c.logger.Debug("skip unreadable message", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		if env.Instance == "" {
			env.Instance = instance
		}
		out = append(out, env)
	}
	return out, nil
}

type contactRecord struct {
	ID            string `json:"id"`
	RemoteJid     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

func (r contactRecord) toContact() (Contact, bool) {
	addr := r.RemoteJid
	if addr == "" && strings.Contains(r.ID, "@") {
		addr = r.ID
	}
	if addr == "" {
		return Contact{}, false
	}
	return Contact{ID: wa.CanonicalAddress(addr), Name: r.PushName, AvatarURL: r.ProfilePicURL}, true
}

// FetchContacts lists the address book of an instance.
func (c *Client) FetchContacts(ctx context.Context, instance string) ([]Contact, error) {
	return c.findContacts(ctx, instance, map[string]any{})
}

// FindContact looks up one contact by address. The bool is false when the gateway has no entry.
func (c *Client) FindContact(ctx context.Context, instance, addr string) (Contact, bool, error) {
	contacts, err := c.findContacts(ctx, instance, map[string]any{
		"where": map[string]any{"remoteJid": addr},
	})
	if err != nil {
		return Contact{}, false, err
	}
	want := wa.CanonicalAddress(addr)
	for _, ct := range contacts {
		if ct.ID == want {
			return ct, true, nil
		}
	}
	return Contact{}, false, nil
}

func (c *Client) findContacts(ctx context.Context, instance string, req map[string]any) ([]Contact, error) {
	var records []contactRecord
	if err := c.do(ctx, "fetch_contacts", http.MethodPost, "/chat/findContacts/"+url.PathEscape(instance), req, &records); err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(records))
	for _, r := range records {
		if ct, ok := r.toContact(); ok {
			out = append(out, ct)
		}
	}
	return out, nil
}

// SendText sends a text message to the chat address. The returned envelope is the gateway's
// copy when the response carries one.
func (c *Client) SendText(ctx context.Context, instance, chatID, text string) (wa.Envelope, error) {
	number := chatID
	if !wa.IsGroup(chatID) {
		if phone := wa.PhoneNumber(chatID); phone != "" {
			number = phone
		}
	}
	req := map[string]any{"number": number, "text": text}

	var raw json.RawMessage
	if err := c.do(ctx, "send_text", http.MethodPost, "/message/sendText/"+url.PathEscape(instance), req, &raw); err != nil {
		return wa.Envelope{}, err
	}
	env, err := wa.ParseMessageRecord(raw)
	if err != nil {
		// The send succeeded; an unexpected response shape is not a failure.
		return wa.Envelope{Instance: instance, ChatID: chatID, FromMe: true, Body: text, Type: "text"}, nil
	}
	return env, nil
}
