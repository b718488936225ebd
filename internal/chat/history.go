package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HistoryClient fetches previously persisted messages for a session from
// the signaling server's REST surface.
type HistoryClient struct {
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

type historyRecord struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	SenderType  string `json:"senderType"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

// Fetch returns the stored messages for sessionID, oldest first.
func (h *HistoryClient) Fetch(ctx context.Context, sessionID string) ([]Message, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := fmt.Sprintf("%s/api/sessions/%s/messages", h.BaseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history request returned %s", resp.Status)
	}

	var records []historyRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode message history: %w", err)
	}

	messages := make([]Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, Message{
			ID:          r.ID,
			Text:        r.Text,
			SenderType:  r.SenderType,
			DisplayName: r.DisplayName,
			Timestamp:   time.UnixMilli(r.Timestamp),
			Persisted:   true,
		})
	}
	if h.Logger != nil {
		h.Logger.Debug("fetched message history",
			zap.String("sessionId", sessionID),
			zap.Int("count", len(messages)))
	}
	return messages, nil
}
