// Package classify decides how the body of a successful backend response is decoded.
//
// The backend does not always send reliable Content-Type headers, so the decision is an
// ordered list of rules; the first rule whose predicate matches decodes the body.
package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind is the normalized shape of a response body.
type Kind string

const (
	KindJSON  Kind = "json"
	KindEmpty Kind = "empty"
	KindBlob  Kind = "blob"
)

// ErrInvalidJSON is returned when a body declared as JSON does not parse.
var ErrInvalidJSON = errors.New("response declared as JSON is not valid JSON")

// Expect carries the caller's declared expectations for a response.
type Expect struct {
	Empty bool
	Blob  bool
}

// Result is one of three tagged shapes. Data holds raw JSON for KindJSON and the
// bytes for KindBlob; it is nil for KindEmpty.
type Result struct {
	Kind        Kind
	Data        []byte
	ContentType string
	Rule        string // name of the rule that decided
}

// Rule pairs a predicate with the decoder applied when it matches.
type Rule struct {
	Name   string
	Match  func(resp *http.Response, exp Expect) bool
	Decode func(resp *http.Response) (Result, error)
}

// Classifier applies rules in order.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier over rules, evaluated in the given order.
func New(rules ...Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Default returns the classifier with the standard rule chain.
func Default() *Classifier {
	return New(DefaultRules()...)
}

// DefaultRules returns the standard rule chain, highest priority first.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "expect_empty", Match: func(_ *http.Response, e Expect) bool { return e.Empty }, Decode: decodeEmpty},
		{Name: "expect_blob", Match: func(_ *http.Response, e Expect) bool { return e.Blob }, Decode: decodeBlob},
		{Name: "json_content_type", Match: hasContentType("application/json"), Decode: decodeJSON},
		{Name: "no_content", Match: isNoContent, Decode: decodeEmpty},
		{Name: "octet_stream", Match: hasContentType("application/octet-stream"), Decode: decodeBlob},
		{Name: "sniff", Match: func(*http.Response, Expect) bool { return true }, Decode: decodeSniff},
	}
}

// Classify decodes resp according to the first matching rule. It always consumes
// the body but does not close it.
func (c *Classifier) Classify(resp *http.Response, exp Expect) (Result, error) {
	for _, r := range c.rules {
		if !r.Match(resp, exp) {
			continue
		}
		res, err := r.Decode(resp)
		res.Rule = r.Name
		if err != nil {
			return res, fmt.Errorf("classify %s: %w", r.Name, err)
		}
		return res, nil
	}
	// unreachable with DefaultRules: the sniff rule always matches
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Kind: KindEmpty, Rule: "none"}, nil
}

func hasContentType(mime string) func(*http.Response, Expect) bool {
	return func(resp *http.Response, _ Expect) bool {
		return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), mime)
	}
}

// isNoContent matches a zero Content-Length, or a declared content type that is
// neither JSON nor octet-stream. A missing Content-Type falls through to sniffing.
func isNoContent(resp *http.Response, _ Expect) bool {
	if strings.TrimSpace(resp.Header.Get("Content-Length")) == "0" {
		return true
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct == "" {
		return false
	}
	return !strings.Contains(ct, "application/json") && !strings.Contains(ct, "application/octet-stream")
}

func decodeEmpty(resp *http.Response) (Result, error) {
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Kind: KindEmpty}, nil
}

func decodeBlob(resp *http.Response) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Result{Kind: KindBlob, Data: data, ContentType: ct}, nil
}

func decodeJSON(resp *http.Response) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{Kind: KindEmpty}, nil
	}
	if !json.Valid(data) {
		return Result{}, ErrInvalidJSON
	}
	return Result{Kind: KindJSON, Data: data, ContentType: "application/json"}, nil
}

func decodeSniff(resp *http.Response) (Result, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{Kind: KindEmpty}, nil
	}
	if json.Valid(data) {
		return Result{Kind: KindJSON, Data: data, ContentType: "application/json"}, nil
	}
	return Result{Kind: KindBlob, Data: data, ContentType: "application/octet-stream"}, nil
}

// Decode unmarshals a KindJSON result into out. Empty results leave out untouched.
func (r Result) Decode(out any) error {
	switch r.Kind {
	case KindEmpty:
		return nil
	case KindJSON:
		if out == nil {
			return nil
		}
		return json.Unmarshal(r.Data, out)
	default:
		return fmt.Errorf("cannot decode %s response as JSON", r.Kind)
	}
}
