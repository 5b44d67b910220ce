package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperClientRequiresURL(t *testing.T) {
	_, err := NewWhisperClient("").Transcribe(context.Background(), []byte("x"), "a.wav")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWhisperClientUploadsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "audio.wav", header.Filename)
		assert.Equal(t, "RIFF", string(data))
		_ = json.NewEncoder(w).Encode(sttResponse{Text: "  my back hurts \n", Language: "en"})
	}))
	defer srv.Close()

	text, err := NewWhisperClient(srv.URL).Transcribe(context.Background(), []byte("RIFF"), "")
	require.NoError(t, err)
	assert.Equal(t, "my back hurts", text)
}

func TestWhisperClientReportsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWhisperClient(srv.URL).Transcribe(context.Background(), []byte("x"), "a.wav")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorContains(t, err, "model loading")
}

func TestElevenLabsClientRequiresAPIKey(t *testing.T) {
	_, err := NewElevenLabsClient("").Synthesize(context.Background(), "hi", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestElevenLabsClientSynthesizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))
		var req ttsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Please rest.", req.Text)
		assert.Equal(t, "eleven_multilingual_v2", req.ModelID)
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	c := &elevenLabsClient{apiKey: "secret", baseURL: srv.URL, httpClient: srv.Client()}
	audio, err := c.Synthesize(context.Background(), "Please rest.", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), audio)
}

func TestElevenLabsClientUsesDefaultVoiceAndReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/21m00Tcm4TlvDq8ikWAM", r.URL.Path)
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &elevenLabsClient{apiKey: "secret", baseURL: srv.URL, httpClient: srv.Client()}
	_, err := c.Synthesize(context.Background(), "hi", "")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorContains(t, err, "quota exceeded")
}
