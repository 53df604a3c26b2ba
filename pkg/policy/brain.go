package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultBrainURL = "http://localhost:5000"

// Brain asks an exported brain container for actions.
type Brain struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

type BrainParams struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

type BrainOption func(*BrainParams)

func WithBaseURL(baseURL string) BrainOption {
	return func(p *BrainParams) {
		p.BaseURL = baseURL
	}
}

func WithTimeout(d time.Duration) BrainOption {
	return func(p *BrainParams) {
		p.Timeout = d
	}
}

func WithHTTPClient(c *http.Client) BrainOption {
	return func(p *BrainParams) {
		p.HTTPClient = c
	}
}

func WithLogger(l *logrus.Logger) BrainOption {
	return func(p *BrainParams) {
		p.Logger = l
	}
}

// NewBrain builds an exported brain policy. Without a base URL it targets a
// local container.
func NewBrain(opts ...BrainOption) *Brain {
	params := &BrainParams{Timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(params)
	}

	if params.BaseURL == "" {
		params.BaseURL = defaultBrainURL
	}
	if params.HTTPClient == nil {
		params.HTTPClient = &http.Client{Timeout: params.Timeout}
	}
	if params.Logger == nil {
		params.Logger = logrus.StandardLogger()
	}
	params.Logger.WithField("url", params.BaseURL).Debug("Using exported brain")

	return &Brain{
		url:    strings.TrimRight(params.BaseURL, "/") + "/v1/prediction",
		http:   params.HTTPClient,
		logger: params.Logger,
	}
}

// Act sends state as the body of a GET to /v1/prediction and decodes the
// action from the response.
func (b *Brain) Act(ctx context.Context, state map[string]any) (map[string]any, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query exported brain: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("exported brain returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var action map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	b.logger.WithField("action", action).Trace("Exported brain prediction")
	return action, nil
}
