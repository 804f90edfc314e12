package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/expedientelab/lexrag/llm"
	"github.com/expedientelab/lexrag/session"
)

// NoResultsMessage is streamed verbatim when retrieval finds nothing or
// the model produces no visible output.
const NoResultsMessage = "No se encontró información relevante en los expedientes para responder su consulta."

// Frame is one unit of the answer stream. All three keys are always
// serialized; clients key off done to stop reading.
type Frame struct {
	Type    string `json:"type"` // chunk, error, done
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// QueryRequest is one question against the corpus.
type QueryRequest struct {
	Question         string `json:"question"`
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	ExpedienteFilter string `json:"expediente_filter,omitempty"`
}

// Chain runs the full query path: rewrite, retrieve, format, answer.
type Chain struct {
	llm       llm.Provider
	model     string
	rewriter  *Rewriter
	retriever *Retriever
	sessions  *session.Store
}

// NewChain wires the query path. sessions may be nil for one-shot queries.
func NewChain(provider llm.Provider, model string, retriever *Retriever, sessions *session.Store) *Chain {
	return &Chain{
		llm:       provider,
		model:     model,
		rewriter:  NewRewriter(provider, model),
		retriever: retriever,
		sessions:  sessions,
	}
}

// Stream answers the question, delivering frames to emit in order: zero or
// more token frames, then exactly one done frame. Errors surface as an
// error frame before the done frame so clients always see a terminated
// stream.
func (c *Chain) Stream(ctx context.Context, req QueryRequest, emit func(Frame) error) error {
	history := c.history(ctx, req.SessionID)

	rewritten := c.rewriter.Rewrite(ctx, req.Question, history)

	// Mode dispatch is driven by the explicit filter; expediente numbers
	// inside the question stay in the rewritten query for vector search.
	expediente := req.ExpedienteFilter

	items, err := c.retriever.Retrieve(ctx, rewritten, expediente)
	if err != nil {
		c.fail(emit, "Error consultando los expedientes")
		return fmt.Errorf("retrieving context: %w", err)
	}
	if len(items) == 0 {
		return c.finish(ctx, req, NoResultsMessage, emit)
	}

	prompt := fmt.Sprintf(answerPrompt, FormatContext(items))
	if expediente != "" {
		prompt = fmt.Sprintf(answerPromptExpediente, expediente, FormatContext(items))
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: prompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Question})

	var filter ThinkFilter
	var answer bytes.Buffer
	streamErr := c.llm.ChatStream(ctx, llm.ChatRequest{Model: c.model, Messages: msgs}, func(token string) error {
		visible := filter.Feed(token)
		if visible == "" {
			return nil
		}
		answer.WriteString(visible)
		return emit(Frame{Type: "chunk", Content: visible})
	})
	filter.Flush()

	if streamErr != nil {
		c.fail(emit, "Error generando la respuesta")
		return fmt.Errorf("streaming answer: %w", streamErr)
	}

	if answer.Len() == 0 {
		// The model said nothing visible (all reasoning, or empty).
		return c.finish(ctx, req, NoResultsMessage, emit)
	}

	c.record(ctx, req, answer.String())
	return emit(Frame{Type: "done", Done: true})
}

// finish streams a literal answer and closes the frame sequence.
func (c *Chain) finish(ctx context.Context, req QueryRequest, answer string, emit func(Frame) error) error {
	if err := emit(Frame{Type: "chunk", Content: answer}); err != nil {
		return err
	}
	c.record(ctx, req, answer)
	return emit(Frame{Type: "done", Done: true})
}

// fail emits the error and done frames, best-effort.
func (c *Chain) fail(emit func(Frame) error, msg string) {
	if err := emit(Frame{Type: "error", Content: msg, Done: true}); err != nil {
		return
	}
	emit(Frame{Type: "done", Done: true})
}

// record appends the exchange to the session after the stream completes.
// Session failures never break an already-delivered answer.
func (c *Chain) record(ctx context.Context, req QueryRequest, answer string) {
	if c.sessions == nil || req.SessionID == "" {
		return
	}
	if err := c.sessions.Append(ctx, req.SessionID, session.RoleHuman, req.Question); err != nil {
		slog.Warn("rag: recording question failed", "session", req.SessionID, "error", err)
		return
	}
	if err := c.sessions.Append(ctx, req.SessionID, session.RoleAI, answer); err != nil {
		slog.Warn("rag: recording answer failed", "session", req.SessionID, "error", err)
	}
}

// history returns the bounded conversation window as LLM messages.
func (c *Chain) history(ctx context.Context, sessionID string) []llm.Message {
	if c.sessions == nil || sessionID == "" {
		return nil
	}
	window, err := c.sessions.History(ctx, sessionID)
	if err != nil {
		slog.Warn("rag: loading history failed", "session", sessionID, "error", err)
		return nil
	}
	msgs := make([]llm.Message, 0, len(window))
	for _, m := range window {
		role := "user"
		if m.Role == session.RoleAI {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return msgs
}

// SSEEmitter adapts an HTTP response into a frame sink writing
// "data: {json}\n\n" events. The encoder keeps raw HTML so legal citations
// with angle brackets survive intact.
func SSEEmitter(w http.ResponseWriter) func(Frame) error {
	flusher, _ := w.(http.Flusher)
	return func(f Frame) error {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(f); err != nil {
			return err
		}
		// Encode appends a newline; the event terminator adds the second.
		if _, err := fmt.Fprintf(w, "data: %s\n", buf.String()); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
}
