package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	// defaultTelegramEndpoint はTelegram Bot APIのベースURL。
	defaultTelegramEndpoint = "https://api.telegram.org"
	// maxResponseSize はBot APIレスポンスの読み取り上限。
	maxResponseSize = 1 << 20
)

// TelegramSender はTelegram Bot APIのsendMessageでメッセージを送信する。
type TelegramSender struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      string
	chatID     int64
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewTelegramSender はTelegramSenderの新しいインスタンスを生成する。
func NewTelegramSender(httpClient *http.Client, logger *slog.Logger, token string, chatID int64) *TelegramSender {
	return &TelegramSender{
		httpClient: httpClient,
		logger:     logger,
		token:      token,
		chatID:     chatID,
		endpoint:   defaultTelegramEndpoint,
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	ReplyToMessageID      *int64 `json:"reply_to_message_id,omitempty"`
	// 返信先が削除されていても送信する
	AllowSendingWithoutReply bool `json:"allow_sending_without_reply"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send はメッセージを送信し、送信したメッセージのIDを返す。
// 429・5xx・通信エラーは一時的なエラー、それ以外の4xxは恒久的なエラーとして返す。
func (s *TelegramSender) Send(ctx context.Context, text string, replyTo *int64, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                   s.chatID,
		Text:                     text,
		ParseMode:                "HTML",
		DisableWebPagePreview:    true,
		ReplyToMessageID:         replyTo,
		AllowSendingWithoutReply: true,
	})
	if err != nil {
		return 0, &SendError{Err: fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)}
	}

	reqURL := fmt.Sprintf("%s/bot%s/sendMessage", s.endpoint, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return 0, &SendError{Err: fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// トークンを含むURLをログに出さない
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return 0, &SendError{Transient: !errors.Is(ctx.Err(), context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, &SendError{StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}

	var result sendMessageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, &SendError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK || !result.OK {
		sendErr := &SendError{
			StatusCode: resp.StatusCode,
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			RetryAfter: time.Duration(result.Parameters.RetryAfter) * time.Second,
			Err:        fmt.Errorf("telegram: %s", result.Description),
		}
		s.logger.Warn("Telegram APIがエラーを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("description", result.Description),
			slog.Bool("transient", sendErr.Transient),
		)
		return 0, sendErr
	}

	return result.Result.MessageID, nil
}

// compile-time interface check
var _ Sender = (*TelegramSender)(nil)
