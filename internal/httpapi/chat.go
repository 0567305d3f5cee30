package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aljazari-lab/kebbicall/internal/ai"
	"github.com/aljazari-lab/kebbicall/internal/rag"
)

// handleChat answers a student message. The intent router decides:
// small talk gets its short reply straight back, subject questions go
// to the book answerer, and when no book is configured the general
// chat model answers under the configured system prompt.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Text    string `json:"text"`
		Lang    string `json:"lang"`
		Stage   string `json:"stage"`
		Section string `json:"section"`
		Subject string `json:"subject"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Lang == "" {
		req.Lang = "ar-SA"
	}

	intent, err := s.ai.ClassifyIntent(r.Context(), req.Text, req.Lang)
	if err != nil {
		if errors.Is(err, ai.ErrNoAPIKey) {
			writeErr(w, http.StatusServiceUnavailable, "assistant is not configured")
			return
		}
		s.log.WithError(err).Warn("intent routing failed")
		intent = ai.Intent{Intent: "other", NeedRAG: false}
	}

	if !intent.NeedRAG && intent.AssistantReply != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"reply":  intent.AssistantReply,
			"intent": intent.Intent,
			"source": "router",
		})
		return
	}

	if intent.NeedRAG {
		answer, err := s.book.Answer(r.Context(), rag.Query{
			Stage:    req.Stage,
			Section:  req.Section,
			Subject:  req.Subject,
			Question: req.Text,
			Lang:     req.Lang,
		})
		if err == nil && answer != "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"reply":  answer,
				"intent": intent.Intent,
				"source": "book",
			})
			return
		}
		if err != nil && !errors.Is(err, rag.ErrUnavailable) {
			s.log.WithError(err).Warn("book answer failed")
		}
	}

	system := s.settings.Get().SystemPrompt + "\n" + ai.LangRule(req.Lang)
	reply, err := s.ai.Chat(r.Context(), system, req.Text)
	if err != nil {
		if errors.Is(err, ai.ErrNoAPIKey) {
			writeErr(w, http.StatusServiceUnavailable, "assistant is not configured")
			return
		}
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":  reply,
		"intent": intent.Intent,
		"source": "chat",
	})
}

func (s *Server) handleBookQuery(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req rag.Query
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeErr(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := s.book.Answer(r.Context(), req)
	if err != nil {
		if errors.Is(err, rag.ErrUnavailable) {
			writeErr(w, http.StatusServiceUnavailable, "book answering is not configured")
			return
		}
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer})
}

// handleTTS streams synthesized speech so playback can start before
// the full clip is rendered.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if text == "" {
		writeErr(w, http.StatusBadRequest, "text is required")
		return
	}
	format := strings.ToLower(r.URL.Query().Get("fmt"))
	if format == "" {
		format = "aac"
	}

	body, mime, err := s.ai.Speech(r.Context(), text, format)
	if err != nil {
		if errors.Is(err, ai.ErrNoAPIKey) {
			writeErr(w, http.StatusServiceUnavailable, "assistant is not configured")
			return
		}
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", mime)
	if _, err := io.Copy(w, body); err != nil {
		s.log.WithError(err).Debug("tts stream aborted")
	}
}
