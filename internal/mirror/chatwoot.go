// Package mirror implements the secondary CRM channel: a Chatwoot-style API
// that receives a copy of every conversation for human oversight.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// RefStore persists mirror conversation refs per user. Implementations live
// in internal/store; a nil store degrades to in-memory caching only.
type RefStore interface {
	MirrorRef(ctx context.Context, userID string) (string, error)
	SaveMirrorRef(ctx context.Context, userID, ref string) error
}

// Chatwoot implements domain.Mirror against the Chatwoot account API.
type Chatwoot struct {
	apiURL      string
	accountID   string
	inboxID     string
	accessToken string

	refs   RefStore
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string // userID -> conversation ref
}

type ChatwootConfig struct {
	APIURL      string
	AccountID   string
	InboxID     string
	AccessToken string
	Refs        RefStore
	Logger      *slog.Logger
}

func NewChatwoot(cfg ChatwootConfig) *Chatwoot {
	return &Chatwoot{
		apiURL:      cfg.APIURL,
		accountID:   cfg.AccountID,
		inboxID:     cfg.InboxID,
		accessToken: cfg.AccessToken,
		refs:        cfg.Refs,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      cfg.Logger,
		cache:       make(map[string]string),
	}
}

// EnsureConversation returns the mirror conversation for a sender, creating
// it on first contact and caching the ref in memory and in the ref store.
func (c *Chatwoot) EnsureConversation(ctx context.Context, senderID string) (string, error) {
	c.mu.Lock()
	ref, ok := c.cache[senderID]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}

	if c.refs != nil {
		stored, err := c.refs.MirrorRef(ctx, senderID)
		if err != nil {
			c.logger.Warn("mirror ref lookup failed", "user", senderID, "err", err)
		} else if stored != "" {
			c.remember(senderID, stored)
			return stored, nil
		}
	}

	payload := map[string]string{
		"inbox_id":  c.inboxID,
		"source_id": senderID,
	}
	var created struct {
		ID json.Number `json:"id"`
	}
	url := fmt.Sprintf("%s/api/v1/accounts/%s/conversations", c.apiURL, c.accountID)
	if err := c.postJSON(ctx, url, payload, &created); err != nil {
		return "", fmt.Errorf("create conversation for %s: %w", senderID, err)
	}

	ref = created.ID.String()
	c.remember(senderID, ref)
	if c.refs != nil {
		if err := c.refs.SaveMirrorRef(ctx, senderID, ref); err != nil {
			c.logger.Warn("mirror ref save failed", "user", senderID, "err", err)
		}
	}
	c.logger.Info("mirror conversation created", "user", senderID, "conversation", ref)
	return ref, nil
}

func (c *Chatwoot) remember(senderID, ref string) {
	c.mu.Lock()
	c.cache[senderID] = ref
	c.mu.Unlock()
}

// SendText mirrors one text message into the conversation.
func (c *Chatwoot) SendText(ctx context.Context, convRef, text string, dir domain.Direction) error {
	url := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages", c.apiURL, c.accountID, convRef)
	payload := map[string]string{
		"content":      text,
		"message_type": string(dir),
	}
	if err := c.postJSON(ctx, url, payload, nil); err != nil {
		return fmt.Errorf("mirror text to %s: %w", convRef, err)
	}
	return nil
}

// SendAttachment uploads media bytes into the conversation as a multipart
// form. The mirror does not accept bare URLs.
func (c *Chatwoot) SendAttachment(ctx context.Context, convRef string, data []byte, filename string, dir domain.Direction) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("message_type", string(dir)); err != nil {
		return fmt.Errorf("write field: %w", err)
	}
	fw, err := mw.CreateFormFile("attachments[]", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s/messages", c.apiURL, c.accountID, convRef)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("api_access_token", c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chatwoot API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Chatwoot) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chatwoot API %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
