package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

// Transcriber turns a recorded utterance into text for a voice turn.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string) (string, error)
}

// Synthesizer turns an agent reply into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}

type whisperClient struct {
	url        string
	httpClient *http.Client
}

// NewWhisperClient talks to a Whisper-compatible /transcribe endpoint.
func NewWhisperClient(url string) Transcriber {
	return &whisperClient{
		url:        url,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type sttResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *whisperClient) Transcribe(ctx context.Context, audio []byte, fileName string) (string, error) {
	if c.url == "" {
		return "", fmt.Errorf("%w: speech-to-text url is empty", ErrNotConfigured)
	}
	if fileName == "" {
		fileName = "audio.wav"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: transcribe: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: STT %s - %s", ErrUpstream, resp.Status, string(respBody))
	}

	var result sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode transcription: %v", ErrUpstream, err)
	}
	return strings.TrimSpace(result.Text), nil
}

type elevenLabsClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewElevenLabsClient(apiKey string) Synthesizer {
	return &elevenLabsClient{
		apiKey:     apiKey,
		baseURL:    elevenLabsAPIURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type ttsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

func (c *elevenLabsClient) Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: text-to-speech api key is empty", ErrNotConfigured)
	}
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}

	reqBody := ttsRequest{Text: text, ModelID: "eleven_multilingual_v2"}
	reqBody.VoiceSettings.Stability = 0.5
	reqBody.VoiceSettings.SimilarityBoost = 0.75

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+voiceID, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: synthesize: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: TTS %s - %s", ErrUpstream, resp.Status, string(body))
	}
	return io.ReadAll(resp.Body)
}
