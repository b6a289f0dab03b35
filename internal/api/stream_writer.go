package api

import (
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter streams a generate call as server-sent events: one
// "token" event per appended token, then "generation.completed" or
// "generation.failed".
type SSEStreamWriter struct {
	header        http.Header
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
	begun         bool
	err           error
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEStreamWriter{
		header:        res.Header(),
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

// Started reports whether any event was written. Until then the caller
// may still answer with a plain JSON error.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// EmitToken matches inference.StreamFunc. Write failures are kept and stop
// further events.
func (s *SSEStreamWriter) EmitToken(row, token int) {
	if s.err != nil {
		return
	}
	s.err = s.send(TokenEvent{
		Type:           "token",
		Row:            row,
		Token:          token,
		SequenceNumber: s.seq,
	})
}

func (s *SSEStreamWriter) Complete(resp GenerateResponse) error {
	if s.err != nil {
		return s.err
	}
	return s.send(map[string]any{
		"type":            "generation.completed",
		"generation":      resp,
		"sequence_number": s.seq,
	})
}

func (s *SSEStreamWriter) Failed(err error) error {
	if s.err != nil {
		return s.err
	}
	return s.send(map[string]any{
		"type": "generation.failed",
		"error": ResponseError{
			Message: err.Error(),
			Type:    "server_error",
		},
		"sequence_number": s.seq,
	})
}

func (s *SSEStreamWriter) send(payload any) error {
	if !s.begun {
		s.header.Set(echo.HeaderContentType, "text/event-stream")
		s.header.Set("Cache-Control", "no-cache")
		s.header.Set("Connection", "keep-alive")
		s.begun = true
	}
	seq := s.seq
	s.seq++
	if s.startingAfter >= seq {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher()
	}
	return nil
}

func parseStartingAfter(v string) int {
	if v == "" {
		return 0
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
