// Package rag implements the retrieval-augmented query path: rewrite the
// question, retrieve matching chunks, format them as grounded context, and
// stream the model's answer.
package rag

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/expedientelab/lexrag/llm"
)

const rewritePrompt = `Eres un asistente que reformula consultas sobre expedientes judiciales de Costa Rica para mejorar la búsqueda semántica.

Reformula la consulta del usuario siguiendo estas reglas:
- Expande términos legales con sus sinónimos (demanda/acción, sentencia/fallo/resolución, actor/demandante, demandado/accionado).
- Si el usuario se refiere a "ese expediente", "el caso anterior" u otra referencia indirecta, sustitúyela por el número de expediente mencionado en la conversación.
- Conserva intactos los números de expediente (formato AAAA-NNNNNN-NNNN-XX).
- Responde ÚNICAMENTE con la consulta reformulada, sin explicaciones.`

// chatter is the slice of the LLM the rewriter needs.
type chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Rewriter expands a user question for retrieval. It is strictly
// best-effort: any model failure falls back to the original question.
type Rewriter struct {
	llm   chatter
	model string
}

func NewRewriter(provider chatter, model string) *Rewriter {
	return &Rewriter{llm: provider, model: model}
}

// Rewrite returns the retrieval form of the question. History gives the
// model the recent turns so indirect expediente references can resolve.
func (r *Rewriter) Rewrite(ctx context.Context, question string, history []llm.Message) string {
	if r.llm == nil {
		return question
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: rewritePrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: question})

	resp, err := r.llm.Chat(ctx, llm.ChatRequest{
		Model:       r.model,
		Messages:    msgs,
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("rag: query rewrite failed, using original", "error", err)
		return question
	}

	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return question
	}
	return rewritten
}

// expedienteInText spots expediente numbers embedded anywhere in free text.
var expedienteInText = regexp.MustCompile(`\b(\d{2}|\d{4})-\d{6}-\d{4}-[A-Z]{2}\b`)

// ExtractExpediente returns the first expediente number present in the
// text, or "".
func ExtractExpediente(text string) string {
	return expedienteInText.FindString(text)
}
