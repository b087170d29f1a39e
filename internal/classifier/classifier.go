// Package classifier maps raw downstream results to task outcomes.
//
// Policy:
//
//	2xx, well-formed payload          -> Success
//	2xx, payload does not parse       -> FatalFailure
//	400 / 404 / 422                   -> BusinessError
//	401 / 403 (after re-auth)         -> BusinessError
//	408 / 429                         -> RetryableFailure, Retry-After or rate limit backoff
//	502 / 503 / 504                   -> RetryableFailure, default backoff
//	500                               -> RetryableFailure unless the body says "retryable": false
//	other 4xx                         -> BusinessError
//	other 5xx                         -> RetryableFailure
//	1xx / 3xx                         -> FatalFailure
//	transport error                   -> RetryableFailure
//	login rejected                    -> BusinessError
package classifier

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/extask-gateway/internal/downstream"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
)

// Stable error codes carried by BusinessError outcomes.
const (
	CodeBadRequest     = "ERRO_REQUISICAO_INVALIDA"
	CodeNotFound       = "ERRO_NAO_ENCONTRADO"
	CodeUnprocessable  = "ERRO_NEGOCIO"
	CodeAuthentication = "ERRO_AUTENTICACAO"
	CodeNotRetryable   = "ERRO_NAO_RECUPERAVEL"
	CodeRejected       = "ERRO_REJEITADO"
)

// ResponseVariable receives non-object payloads of successful calls.
const ResponseVariable = "response"

const (
	DefaultBackoff          = 30 * time.Second
	DefaultRateLimitBackoff = time.Minute
	maxMessageLen           = 500
)

// Policy holds the backoff hints of retryable outcomes.
type Policy struct {
	DefaultBackoff   time.Duration // 5xx, transport errors
	RateLimitBackoff time.Duration // 408/429 without Retry-After
	MaxRetryAfter    time.Duration // caps Retry-After; zero means no cap
}

// Classifier is a pure function of its input and its clock.
type Classifier struct {
	policy Policy
	now    func() time.Time
}

// New creates a Classifier. Zero policy fields take the package defaults.
func New(policy Policy) *Classifier {
	if policy.DefaultBackoff <= 0 {
		policy.DefaultBackoff = DefaultBackoff
	}
	if policy.RateLimitBackoff <= 0 {
		policy.RateLimitBackoff = DefaultRateLimitBackoff
	}
	return &Classifier{policy: policy, now: time.Now}
}

// errorBody is the optional structured error an integration may return.
type errorBody struct {
	Code      string `json:"code"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable"`
}

// Classify maps r to an outcome.
func (c *Classifier) Classify(r downstream.RawResult) types.Outcome {
	if r.Err != nil {
		return c.classifyError(r)
	}

	status := r.StatusCode
	switch {
	case r.AuthFailed || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.BusinessError(CodeAuthentication,
			fmt.Sprintf("%s rejected the credentials (status %d)", r.Integration, status))

	case status >= 200 && status < 300:
		return c.classifySuccess(r)

	case status == http.StatusBadRequest:
		return c.business(r, CodeBadRequest)
	case status == http.StatusNotFound:
		return c.business(r, CodeNotFound)
	case status == http.StatusUnprocessableEntity:
		return c.business(r, CodeUnprocessable)

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return types.RetryableFailure(c.describe(r), c.retryAfter(r.Header))

	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout:
		return types.RetryableFailure(c.describe(r), c.policy.DefaultBackoff)

	case status == http.StatusInternalServerError:
		if eb, ok := parseErrorBody(r.Body); ok && eb.Retryable != nil && !*eb.Retryable {
			return types.BusinessError(eb.code(CodeNotRetryable), c.describe(r))
		}
		return types.RetryableFailure(c.describe(r), c.policy.DefaultBackoff)

	case status >= 400 && status < 500:
		return c.business(r, CodeRejected)
	case status >= 500:
		return types.RetryableFailure(c.describe(r), c.policy.DefaultBackoff)
	default:
		return types.FatalFailure(fmt.Sprintf("%s answered with unexpected status %d", r.Integration, status))
	}
}

func (c *Classifier) classifyError(r downstream.RawResult) types.Outcome {
	msg := truncate(r.Err.Error())
	switch {
	case errors.Is(r.Err, types.ErrAuthentication):
		return types.BusinessError(CodeAuthentication, msg)
	case errors.Is(r.Err, types.ErrValidation), errors.Is(r.Err, types.ErrBusinessRejection):
		return types.BusinessError(CodeRejected, msg)
	case errors.Is(r.Err, types.ErrFatal):
		return types.FatalFailure(msg)
	default:
		return types.RetryableFailure(msg, c.policy.DefaultBackoff)
	}
}

func (c *Classifier) classifySuccess(r downstream.RawResult) types.Outcome {
	vars, err := decodePayload(r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		return types.FatalFailure(fmt.Sprintf("%s returned a malformed payload: %v", r.Integration, err))
	}
	return types.Success(vars)
}

// business builds a BusinessError, preferring the integration's own code.
func (c *Classifier) business(r downstream.RawResult, fallback string) types.Outcome {
	code := fallback
	if eb, ok := parseErrorBody(r.Body); ok {
		code = eb.code(fallback)
	}
	return types.BusinessError(code, c.describe(r))
}

func (c *Classifier) describe(r downstream.RawResult) string {
	msg := fmt.Sprintf("%s returned %d", r.Integration, r.StatusCode)
	if eb, ok := parseErrorBody(r.Body); ok && eb.Message != "" {
		return truncate(msg + ": " + eb.Message)
	}
	if text := strings.TrimSpace(string(r.Body)); text != "" && isText(r.Header.Get("Content-Type")) {
		return truncate(msg + ": " + text)
	}
	return msg
}

// retryAfter reads Retry-After as seconds or an HTTP date.
func (c *Classifier) retryAfter(h http.Header) time.Duration {
	d := c.policy.RateLimitBackoff
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			d = max(at.Sub(c.now()), 0)
		}
	}
	if c.policy.MaxRetryAfter > 0 && d > c.policy.MaxRetryAfter {
		d = c.policy.MaxRetryAfter
	}
	return d
}

func (e errorBody) code(fallback string) string {
	switch {
	case e.ErrorCode != "":
		return e.ErrorCode
	case e.Code != "":
		return e.Code
	default:
		return fallback
	}
}

func parseErrorBody(body []byte) (errorBody, bool) {
	var eb errorBody
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return eb, false
	}
	if err := json.Unmarshal(trimmed, &eb); err != nil {
		return eb, false
	}
	return eb, true
}

// decodePayload turns a successful body into result variables. JSON objects
// map key by key; anything else lands in ResponseVariable.
func decodePayload(contentType string, body []byte) (types.Variables, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return types.Variables{}, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mediaType, "json"):
		var v any
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, fmt.Errorf("trailing data after JSON value")
		}
		if obj, ok := v.(map[string]any); ok {
			return types.Variables(obj), nil
		}
		return types.Variables{ResponseVariable: v}, nil

	case strings.Contains(mediaType, "xml"):
		if err := checkXML(trimmed); err != nil {
			return nil, err
		}
		return types.Variables{ResponseVariable: string(trimmed)}, nil

	default:
		return types.Variables{ResponseVariable: string(trimmed)}, nil
	}
}

func checkXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	elements := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			elements++
		}
	}
	if elements == 0 {
		return fmt.Errorf("no XML element")
	}
	return nil
}

func isText(contentType string) bool {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	return strings.HasPrefix(mediaType, "text/") || strings.Contains(mediaType, "json") || strings.Contains(mediaType, "xml")
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	n := maxMessageLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
