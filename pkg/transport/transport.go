// Package transport sends one chat turn to the webhook and reports whether
// the reply can be read incrementally.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	FieldChatInput = "chatInput"
	FieldSessionID = "sessionId"
	FieldData      = "data"
)

type Options struct {
	URL string
	// Headers are merged into every request. On the JSON path the JSON
	// content type wins; on the multipart path these headers win.
	Headers map[string]string
	// DisableStreaming reads every reply as one buffered document.
	DisableStreaming bool
	// Timeout bounds the whole exchange; zero means no limit. Ignored when
	// Client is set.
	Timeout time.Duration
	Client  *http.Client
}

type Transport struct {
	url       string
	headers   map[string]string
	streaming bool
	client    *http.Client
}

type Request struct {
	ChatInput   string
	SessionID   string
	Attachments []Attachment
}

// Response leaves Body open; callers must close it.
type Response struct {
	Streaming   bool
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("webhook returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

const errorBodyLimit = 512

func New(opts Options) (*Transport, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("transport: empty webhook url")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Transport{
		url:       opts.URL,
		headers:   headers,
		streaming: !opts.DisableStreaming,
		client:    client,
	}, nil
}

// Send posts req. A transport error or a non-2xx status is returned as an
// error; the context cancels the request and any body read in progress.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := t.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "transport: send")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	// n8n streams line-delimited JSON under application/json, so the media
	// type never selects the buffered path.
	return &Response{
		Streaming:   t.streaming,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

func (t *Transport) build(ctx context.Context, req Request) (*http.Request, error) {
	if len(req.Attachments) > 0 {
		body, contentType, err := multipartBody(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
		if err != nil {
			return nil, errors.Wrap(err, "transport: create request")
		}
		httpReq.Header.Set("Content-Type", contentType)
		for k, v := range t.headers {
			httpReq.Header.Set(k, v)
		}
		return httpReq, nil
	}

	payload, err := json.Marshal(map[string]string{
		FieldChatInput: req.ChatInput,
		FieldSessionID: req.SessionID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "transport: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "transport: create request")
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func multipartBody(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(FieldChatInput, req.ChatInput); err != nil {
		return nil, "", errors.Wrap(err, "transport: write chatInput")
	}
	if err := w.WriteField(FieldSessionID, req.SessionID); err != nil {
		return nil, "", errors.Wrap(err, "transport: write sessionId")
	}
	for _, a := range req.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldData, quoteEscaper.Replace(a.Name)))
		h.Set("Content-Type", a.ContentType())
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrapf(err, "transport: create part %s", a.Name)
		}
		if _, err := part.Write(a.Data); err != nil {
			return nil, "", errors.Wrapf(err, "transport: write part %s", a.Name)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "transport: close multipart")
	}
	return &buf, w.FormDataContentType(), nil
}
