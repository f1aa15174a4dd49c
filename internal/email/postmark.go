package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PostmarkClient 通过 Postmark 兼容的 HTTP 接口发信
type PostmarkClient struct {
	httpClient *http.Client
	baseURL    string
	sender     string
	token      string
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func NewPostmarkClient(baseURL, sender, token string, timeout time.Duration) *PostmarkClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostmarkClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		sender:     sender,
		token:      token,
	}
}

func (c *PostmarkClient) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(postmarkRequest{
		From:     c.sender,
		To:       recipient,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return &SendError{Provider: "postmark", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return &SendError{Provider: "postmark", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{Provider: "postmark", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &SendError{
		Provider:   "postmark",
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
	}
}
