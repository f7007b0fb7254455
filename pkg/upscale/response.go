package upscale

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

type jobStatus int

const (
	statusRunning jobStatus = iota
	statusSucceeded
	statusFailed
)

func (s jobStatus) String() string {
	switch s {
	case statusSucceeded:
		return "succeeded"
	case statusFailed:
		return "failed"
	}
	return "running"
}

var urlKeys = []string{"output_url", "result_url", "url", "output", "image_url"}

// outputOf looks for a finished result in doc: a URL first, then inline base64.
func outputOf(doc map[string]any) (Result, bool, error) {
	for _, key := range urlKeys {
		if u := urlValue(doc[key]); u != "" {
			return Result{Kind: KindURL, URL: u}, true, nil
		}
	}
	for _, key := range []string{"image", "image_base64"} {
		s, _ := doc[key].(string)
		if strings.TrimSpace(s) == "" {
			continue
		}
		b, err := decodeBase64(s)
		if err != nil {
			return Result{}, false, fmt.Errorf("%w: %s is not base64: %v", ErrUnrecognized, key, err)
		}
		return Result{Kind: KindBinary, Bytes: b}, true, nil
	}
	return Result{}, false, nil
}

// urlValue accepts a string or the first string of an array.
func urlValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func normalizeStatus(doc map[string]any) jobStatus {
	raw := firstString(doc, "status", "state")
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed", "done":
		return statusSucceeded
	case "failed", "error", "canceled", "cancelled":
		return statusFailed
	}
	return statusRunning
}

func statusURLOf(doc map[string]any) string {
	if s := firstString(doc, "status_url"); s != "" {
		return s
	}
	if urls, ok := doc["urls"].(map[string]any); ok {
		return firstString(urls, "get")
	}
	return ""
}

func errorMessage(doc map[string]any) string {
	if msg := firstString(doc, "error", "message", "detail"); msg != "" {
		return msg
	}
	return "provider reported failure"
}

// firstString returns the first non-empty string (or number) value among keys.
func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := doc[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
