package ratelimit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CostFunc estimates the cost units a request will consume downstream.
// An error rejects the request with 400.
type CostFunc func(r *http.Request) (float64, error)

// FixedCost charges the same units for every request.
func FixedCost(units float64) CostFunc {
	return func(*http.Request) (float64, error) { return units, nil }
}

// HeaderCost reads the cost from a request header (for example a client-side
// token estimate). Requests without the header are charged fallback.
func HeaderCost(header string, fallback float64) CostFunc {
	return func(r *http.Request) (float64, error) {
		v := strings.TrimSpace(r.Header.Get(header))
		if v == "" {
			return fallback, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("ratelimit: invalid %s header %q", header, v)
		}
		return f, nil
	}
}

// BodySizeCost charges one unit per started bytesPerUnit of request body.
// Bodies of unknown length are read and restored.
func BodySizeCost(bytesPerUnit int64) CostFunc {
	if bytesPerUnit <= 0 {
		bytesPerUnit = 1
	}
	return func(r *http.Request) (float64, error) {
		n := r.ContentLength
		if n < 0 {
			body, err := peekBody(r, -1)
			if err != nil {
				return 0, err
			}
			n = int64(len(body))
		}
		return math.Ceil(float64(n) / float64(bytesPerUnit)), nil
	}
}

// FirstCost returns the result of the first func that yields a positive cost.
func FirstCost(fns ...CostFunc) CostFunc {
	return func(r *http.Request) (float64, error) {
		for _, fn := range fns {
			c, err := fn(r)
			if err != nil {
				return 0, err
			}
			if c > 0 {
				return c, nil
			}
		}
		return 0, nil
	}
}

// TokenCounter counts the tokens of a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// TokenCountCost charges the token count of a chat-style JSON body: the
// content of every message plus the serialized tools or functions, which the
// model also reads. Bodies that are not such JSON are counted as plain text.
// At most maxBody bytes are inspected (all of them when maxBody <= 0); the
// body is restored for the next handler.
func TokenCountCost(counter TokenCounter, maxBody int64) CostFunc {
	if maxBody <= 0 {
		maxBody = -1
	}
	return func(r *http.Request) (float64, error) {
		body, err := peekBody(r, maxBody)
		if err != nil {
			return 0, err
		}
		if len(body) == 0 {
			return 0, nil
		}
		return float64(countChatTokens(counter, body)), nil
	}
}

type chatBody struct {
	Prompt    string            `json:"prompt"`
	Messages  []json.RawMessage `json:"messages"`
	Tools     json.RawMessage   `json:"tools"`
	Functions json.RawMessage   `json:"functions"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func countChatTokens(counter TokenCounter, body []byte) int {
	var cb chatBody
	if err := json.Unmarshal(body, &cb); err != nil || (cb.Prompt == "" && len(cb.Messages) == 0) {
		return counter.Count(string(body))
	}

	n := counter.Count(cb.Prompt)
	for _, raw := range cb.Messages {
		var m chatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			n += counter.Count(string(raw))
			continue
		}
		n += counter.Count(m.Role)
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			n += counter.Count(text)
		} else if len(m.Content) > 0 {
			n += counter.Count(string(m.Content))
		}
	}
	if len(cb.Tools) > 0 {
		n += counter.Count(string(cb.Tools))
	}
	if len(cb.Functions) > 0 {
		n += counter.Count(string(cb.Functions))
	}
	return n
}

// peekBody reads up to limit bytes (all of it when limit < 0) and puts them
// back in front of the unread remainder.
func peekBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	src := io.Reader(r.Body)
	if limit >= 0 {
		src = io.LimitReader(r.Body, limit)
	}
	buf, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: reading body: %w", err)
	}
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	return buf, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// TiktokenCounter counts tokens with an OpenAI BPE encoding.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewTiktokenCounter loads the encoding used by model, falling back to
// cl100k_base for unknown models. Encodings are cached per model.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TiktokenCounter{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("ratelimit: loading token encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &TiktokenCounter{encoding: enc, model: model}, nil
}

func (c *TiktokenCounter) Model() string { return c.model }

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.encoding.Encode(text, nil, nil))
}
