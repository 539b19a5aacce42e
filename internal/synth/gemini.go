// Package synth provides the speech synthesis adapter backed by the Gemini TTS API.
//
// One Synthesize call is one billable provider request. There is no retry loop here: a
// failed chunk is retried by a later scheduler pass.
package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// API endpoints and headers.
const (
	apiGenerateContent = "/v1beta/models/%s:generateContent"
	headerContentType  = "Content-Type"
	headerAccept       = "Accept"
	headerAPIKey       = "x-goog-api-key"
	contentTypeJSON    = "application/json"
	modalityAudio      = "AUDIO"
	maxErrorBody       = 4 << 10
)

// Defaults.
const (
	DefaultBaseURL           = "https://generativelanguage.googleapis.com"
	DefaultModel             = "gemini-2.5-flash-preview-tts"
	DefaultVoice             = "Kore"
	DefaultRequestsPerMinute = 10
	// NarrationPrefix asks the model to read the chunk without dramatization.
	NarrationPrefix = "Read the following text in a neutral, steady narration voice: "
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "%w: %s: %s (%s)"
	errFmtServiceNonOKStatus   = "%w: %s, body: %s"
)

var (
	// ErrTextEmpty indicates an empty chunk was submitted.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrAPIKeyMissing indicates the client was built without credentials.
	ErrAPIKeyMissing = errors.New("synthesis api key is missing")
	// ErrRateLimited indicates the provider rejected the request with 429.
	ErrRateLimited = errors.New("synthesis provider rate limited the request")
	// ErrProviderStatus indicates any other non-success response.
	ErrProviderStatus = errors.New("synthesis provider returned non-OK status")
	// ErrNoAudio indicates a success response without an audio payload.
	ErrNoAudio = errors.New("synthesis response contains no audio")
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	Model             string
	Voice             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
}

// Client implements core.Synthesizer.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	voice      string
	limiter    *rate.Limiter
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Parts []part `json:"parts"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

// Request is the generateContent payload for one chunk.
type Request struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type response struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// New creates a Client. Empty options fall back to the package defaults.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}

	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}

	endpoint := strings.TrimRight(opts.BaseURL, "/") + fmt.Sprintf(apiGenerateContent, url.PathEscape(opts.Model))

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		voice:      opts.Voice,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1),
	}, nil
}

// NewRequest builds the provider payload for text.
func NewRequest(text, voice string) Request {
	return Request{
		Contents: []content{{Parts: []part{{Text: NarrationPrefix + text, InlineData: nil}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{modalityAudio},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
			},
		},
	}
}

// Synthesize returns the raw PCM the provider produced for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	err := c.limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	requestBody, err := json.Marshal(NewRequest(text, c.voice))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)
	httpReq.Header.Set(headerAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to synthesis provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var decoded response

	err = json.NewDecoder(resp.Body).Decode(&decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode synthesis response: %w", err)
	}

	return extractAudio(decoded)
}

func extractAudio(decoded response) ([]byte, error) {
	for _, candidate := range decoded.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}

			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: payload is not base64: %w", ErrNoAudio, err)
			}

			if len(pcm) == 0 {
				break
			}

			return pcm, nil
		}
	}

	return nil, ErrNoAudio
}

// parseErrorResponse decodes the provider's structured error, falling back to the raw body.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	sentinel := ErrProviderStatus
	if resp.StatusCode == http.StatusTooManyRequests {
		sentinel = ErrRateLimited
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Error.Message != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, sentinel, resp.Status, errorResp.Error.Message, errorResp.Error.Status)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, sentinel, resp.Status, strings.TrimSpace(string(body)))
}
