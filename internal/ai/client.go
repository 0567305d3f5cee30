package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when neither the settings file nor the
// environment provide an OpenAI key.
var ErrNoAPIKey = errors.New("missing OpenAI API key")

const (
	routerModel = "gpt-4.1-mini"
	ttsModel    = "gpt-4o-mini-tts"
	ttsVoice    = "sage"
)

const routerSystemPrompt = `
You are an intent router for a school robot.

You MUST return a valid JSON object ONLY, no extra text.

Your job:
1) Read the student message.
2) Decide which intent applies:
   - "greeting"          -> greetings like مرحبا, أهلاً, السلام عليكم
   - "subject_question"  -> questions about the school subject/book (physics, chemistry, biology, math, etc.)
   - "robot_info"        -> questions about the robot abilities or what it can do
   - "chitchat"          -> small talk, how are you, thank you, jokes, etc.
   - "other"             -> anything else

3) For greeting / robot_info / chitchat:
   - Write a SHORT reply (max 2 sentences) in the same language of the user.
   - reply should NOT be about the book content.
4) For subject_question:
   - Just set "need_rag": true and leave "assistant_reply" empty.

Return JSON with fields:
{
  "intent": "...",
  "need_rag": true/false,
  "assistant_reply": "..."
}
`

// Client talks to an OpenAI-compatible API. The zero value is not
// usable; construct with NewClient.
type Client struct {
	baseURL  string
	apiKey   string // fallback when the settings file has no key
	settings *SettingsFile
	httpc    *http.Client
}

func NewClient(baseURL, apiKey string, settings *SettingsFile) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		settings: settings,
		httpc:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) key() string {
	if k := strings.TrimSpace(c.settings.Get().APIKey); k != "" {
		return k
	}
	return strings.TrimSpace(c.apiKey)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one system+user exchange and returns the assistant text.
// Model, temperature and token limit come from the settings file.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	s := c.settings.Get()
	return c.complete(ctx, chatRequest{
		Model:       s.Model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	})
}

func (c *Client) complete(ctx context.Context, reqBody chatRequest) (string, error) {
	key := c.key()
	if key == "" {
		return "", ErrNoAPIKey
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("chat failed: %s", out.Error.Message)
		}
		return "", fmt.Errorf("chat failed: HTTP %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// Intent is the router's verdict for one student message.
type Intent struct {
	Intent         string `json:"intent"`
	NeedRAG        bool   `json:"need_rag"`
	AssistantReply string `json:"assistant_reply"`
}

// ClassifyIntent routes a student message: small talk gets a canned
// short reply, subject questions are flagged for the book answerer.
func (c *Client) ClassifyIntent(ctx context.Context, text, lang string) (Intent, error) {
	raw, err := c.complete(ctx, chatRequest{
		Model:       routerModel,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: routerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("LANG=%s\nTEXT=%s", lang, text)},
		},
	})
	if err != nil {
		return Intent{}, err
	}

	var out Intent
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return Intent{}, fmt.Errorf("router reply not JSON: %w", err)
	}
	return out, nil
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// LangRule returns the language gate appended to chat system prompts.
func LangRule(langCode string) string {
	if strings.HasPrefix(strings.ToLower(langCode), "ar") {
		return "LANGUAGE RULE:\n" +
			"- You MUST reply ONLY in Arabic (Modern Standard Arabic). " +
			"No English unless explicitly asked to translate."
	}
	return "LANGUAGE RULE:\n" +
		"- You MUST reply ONLY in English."
}

// SpeechFormats maps supported TTS formats to their MIME types.
var SpeechFormats = map[string]string{
	"aac":  "audio/aac",
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
}

// Speech streams synthesized audio for text. The caller owns the
// returned body and must close it.
func (c *Client) Speech(ctx context.Context, text, format string) (io.ReadCloser, string, error) {
	key := c.key()
	if key == "" {
		return nil, "", ErrNoAPIKey
	}

	mime, ok := SpeechFormats[format]
	if !ok {
		format, mime = "aac", "audio/aac"
	}

	b, err := json.Marshal(map[string]string{
		"model":  ttsModel,
		"voice":  ttsVoice,
		"input":  text,
		"format": format,
	})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, "", fmt.Errorf("tts failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp.Body, mime, nil
}
