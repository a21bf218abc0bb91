package httpclient

import (
	"context"
	"errors"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/internal/classify"
)

// FetchJSON runs the call and decodes a JSON body into T. An empty body yields the
// zero value of T.
func FetchJSON[T any](ctx context.Context, c *Client, url string, cfg RequestConfig) (T, error) {
	var out T
	cfg.ExpectEmpty, cfg.ExpectBlob = false, false

	res, err := c.Do(ctx, url, cfg)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, apierr.New(apierr.KindUnknown, 0, "Invalid response from server").WithCause(err)
	}
	return out, nil
}

// FetchEmpty runs a call whose response body is ignored.
func (c *Client) FetchEmpty(ctx context.Context, url string, cfg RequestConfig) error {
	cfg.ExpectEmpty, cfg.ExpectBlob = true, false
	_, err := c.Do(ctx, url, cfg)
	return err
}

// Blob is a binary response body with its declared content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// FetchBlob runs a call and returns the raw body.
func (c *Client) FetchBlob(ctx context.Context, url string, cfg RequestConfig) (Blob, error) {
	cfg.ExpectEmpty, cfg.ExpectBlob = false, true
	res, err := c.Do(ctx, url, cfg)
	if err != nil {
		return Blob{}, err
	}
	if res.Kind != classify.KindBlob {
		return Blob{}, apierr.New(apierr.KindUnknown, 0, "Invalid response from server").
			WithCause(errors.New("expected a binary body, got " + string(res.Kind)))
	}
	return Blob{Data: res.Data, ContentType: res.ContentType}, nil
}
