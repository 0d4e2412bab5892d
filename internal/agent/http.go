// ABOUTME: Agent backed by the coven agent service over HTTP
// ABOUTME: Accepts either a JSON reply or a server-sent event stream

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-signal/internal/conversation"
)

// DefaultTimeout bounds a single agent turn.
const DefaultTimeout = 60 * time.Second

// ErrEmptyReply means the agent answered with no text.
var ErrEmptyReply = errors.New("agent returned an empty reply")

// Stream event types sent by the agent service.
const (
	eventText  = "text"
	eventDone  = "done"
	eventError = "error"
)

type generateRequest struct {
	AgentID  string         `json:"agent_id"`
	UserID   string         `json:"user_id"`
	Channel  string         `json:"channel"`
	Messages []wireMessage  `json:"messages"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type wireMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type generateResponse struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HTTPAgent calls POST {endpoint}/api/agents/{id}/generate with the user's
// bearer token.
type HTTPAgent struct {
	id       string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPAgent creates an agent for id served at endpoint.
func NewHTTPAgent(id, endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPAgent {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPAgent{
		id:       id,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "agent", "agent_id", id),
	}
}

// Generate sends history and returns the agent's reply.
func (a *HTTPAgent) Generate(ctx context.Context, history []conversation.Entry, exec ExecContext) (string, error) {
	msgs := make([]wireMessage, len(history))
	for i, e := range history {
		msgs[i] = wireMessage{Role: string(e.Role), Content: e.Content, Timestamp: e.Timestamp}
	}
	body, err := json.Marshal(generateRequest{
		AgentID:  a.id,
		UserID:   exec.UserID,
		Channel:  exec.Channel,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/api/agents/"+url.PathEscape(a.id)+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	if exec.Token != "" {
		req.Header.Set("Authorization", "Bearer "+exec.Token)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errorResponse(resp)
	}

	var reply string
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		reply, err = readStream(resp.Body)
	} else {
		reply, err = readJSON(resp.Body)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}

	a.logger.Debug("agent replied", "duration", time.Since(start), "reply_len", len(reply))
	return reply, nil
}

func errorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e generateResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("agent error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func readJSON(body io.Reader) (string, error) {
	var r generateResponse
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		return "", fmt.Errorf("decoding reply: %w", err)
	}
	if r.Error != "" {
		return "", fmt.Errorf("agent error: %s", r.Error)
	}
	if r.Text != "" {
		return r.Text, nil
	}
	return r.FullResponse, nil
}

// readStream accumulates text events until done. A done event carrying
// full_response wins over the accumulated text.
func readStream(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType string
	var dataLines []string
	var text strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				var data generateResponse
				_ = json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &data)
				switch eventType {
				case eventText:
					text.WriteString(data.Text)
				case eventError:
					return "", fmt.Errorf("agent error: %s", data.Error)
				case eventDone:
					if data.FullResponse != "" {
						return data.FullResponse, nil
					}
					return text.String(), nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading agent stream: %w", err)
	}
	return text.String(), nil
}
