package classifier

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/go-resty/resty/v2"
)

type scoreRequest struct {
	Images          []string `json:"images"`
	PositivePrompts []string `json:"positive_prompts"`
	NegativePrompts []string `json:"negative_prompts"`
}

type scoreResponse struct {
	Scores []Judgement `json:"scores"`
}

// HTTPBackend calls a remote CLIP service: POST {base}/score with base64 PNG
// frames and both prompt sets, answered by one {positive, negative} pair per
// frame.
type HTTPBackend struct {
	client  *resty.Client
	prompts Prompts
}

func NewHTTPBackend(baseURL string, timeout time.Duration, prompts Prompts) *HTTPBackend {
	return &HTTPBackend{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		prompts: prompts,
	}
}

func (h *HTTPBackend) Judge(ctx context.Context, frames []image.Image) ([]Judgement, error) {
	req := scoreRequest{
		Images:          make([]string, len(frames)),
		PositivePrompts: h.prompts.Positive,
		NegativePrompts: h.prompts.Negative,
	}
	for i, f := range frames {
		enc, err := encodePNG(f)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", i, err)
		}
		req.Images[i] = enc
	}

	var out scoreResponse
	res, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post("/score")
	if err != nil {
		return nil, fmt.Errorf("scoring request: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("scoring service returned %d: %s", res.StatusCode(), res.String())
	}
	return out.Scores, nil
}
