package rag

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/expedientelab/lexrag/llm"
	"github.com/expedientelab/lexrag/session"
	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/vectorstore"
)

const testExpediente = "2023-123456-7890-CI"

type fakeLLM struct {
	chatResp   string
	chatErr    error
	tokens     []string
	streamErr  error
	lastChat   llm.ChatRequest
	lastStream llm.ChatRequest
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastChat = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &llm.ChatResponse{Content: f.chatResp}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest, fn func(string) error) error {
	f.lastStream = req
	for _, tok := range f.tokens {
		if err := fn(tok); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not used")
}

type fakeVectors struct {
	searchItems []vectorstore.Item
	searchErr   error
	listItems   []vectorstore.Item
	listErr     error

	gotTopK       int
	gotThreshold  float64
	gotExpediente string
	gotListLimit  int
}

func (f *fakeVectors) SearchByText(ctx context.Context, q string, topK int, threshold float64, expediente string) ([]vectorstore.Item, error) {
	f.gotTopK, f.gotThreshold, f.gotExpediente = topK, threshold, expediente
	return f.searchItems, f.searchErr
}

func (f *fakeVectors) ExpedienteDocuments(ctx context.Context, expediente string, limit int) ([]vectorstore.Item, error) {
	f.gotListLimit = limit
	return f.listItems, f.listErr
}

type fakeChunks struct {
	chunks []store.ExpedienteChunk
	err    error
}

func (f *fakeChunks) ChunksByExpediente(ctx context.Context, numero string, limit int) ([]store.ExpedienteChunk, error) {
	return f.chunks, f.err
}

func item(exp, file string, idx int) vectorstore.Item {
	return vectorstore.Item{ExpedienteNumero: exp, Filename: file, ChunkIndex: idx, Text: "contenido " + file}
}

func newTestSessions(t *testing.T) *session.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return session.NewStore(session.NewRedisBackend(client, 0), session.Config{})
}

func TestRewriterFallsBackOnError(t *testing.T) {
	r := NewRewriter(&fakeLLM{chatErr: errors.New("down")}, "m")
	if got := r.Rewrite(context.Background(), "¿qué pasó?", nil); got != "¿qué pasó?" {
		t.Errorf("Rewrite = %q, want original", got)
	}
}

func TestRewriterUsesModelOutput(t *testing.T) {
	f := &fakeLLM{chatResp: "  sentencia fallo resolución del expediente  "}
	r := NewRewriter(f, "m")
	got := r.Rewrite(context.Background(), "¿qué resolvió?", []llm.Message{{Role: "user", Content: "hablemos del " + testExpediente}})
	if got != "sentencia fallo resolución del expediente" {
		t.Errorf("Rewrite = %q", got)
	}
	if len(f.lastChat.Messages) != 3 {
		t.Errorf("messages sent = %d, want system+history+question", len(f.lastChat.Messages))
	}
}

func TestRewriterEmptyResponseFallsBack(t *testing.T) {
	r := NewRewriter(&fakeLLM{chatResp: "   "}, "m")
	if got := r.Rewrite(context.Background(), "pregunta", nil); got != "pregunta" {
		t.Errorf("Rewrite = %q, want original", got)
	}
}

func TestExtractExpediente(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"resumen del expediente 2023-123456-7890-CI por favor", "2023-123456-7890-CI"},
		{"caso 23-123456-7890-LA", "23-123456-7890-LA"},
		{"sin número alguno", ""},
		{"formato malo 2023-12-7890-CI", ""},
	}
	for _, tt := range tests {
		if got := ExtractExpediente(tt.text); got != tt.want {
			t.Errorf("ExtractExpediente(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRetrieverGeneralDefaults(t *testing.T) {
	vec := &fakeVectors{searchItems: []vectorstore.Item{item(testExpediente, "a.pdf", 0)}}
	r := NewRetriever(vec, nil, Config{})

	items, err := r.Retrieve(context.Background(), "pregunta general", "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len = %d", len(items))
	}
	if vec.gotTopK != 15 || vec.gotThreshold != 0.3 || vec.gotExpediente != "" {
		t.Errorf("search params = (%d, %v, %q)", vec.gotTopK, vec.gotThreshold, vec.gotExpediente)
	}
}

func TestRetrieverExpedienteListsWholeFolder(t *testing.T) {
	vec := &fakeVectors{listItems: []vectorstore.Item{item(testExpediente, "a.pdf", 0), item(testExpediente, "a.pdf", 1)}}
	r := NewRetriever(vec, nil, Config{})

	items, err := r.Retrieve(context.Background(), "pregunta", testExpediente)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2 from expediente listing", len(items))
	}
	// Scoped mode never runs a similarity search.
	if vec.gotTopK != 0 {
		t.Errorf("SearchByText was called in scoped mode")
	}
}

func TestRetrieverExpedienteTruncates(t *testing.T) {
	vec := &fakeVectors{}
	for i := 0; i < 60; i++ {
		vec.listItems = append(vec.listItems, item(testExpediente, "a.pdf", i))
	}
	r := NewRetriever(vec, nil, Config{})

	items, err := r.Retrieve(context.Background(), "pregunta", testExpediente)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 50 {
		t.Errorf("len = %d, want the 50-item cap", len(items))
	}
}

func TestRetrieverConfigOverrides(t *testing.T) {
	vec := &fakeVectors{searchItems: []vectorstore.Item{item(testExpediente, "a.pdf", 0)}}
	for i := 0; i < 5; i++ {
		vec.listItems = append(vec.listItems, item(testExpediente, "a.pdf", i))
	}
	r := NewRetriever(vec, nil, Config{TopK: 5, Threshold: 0.6, TopKExpediente: 2, FetchCap: 100})

	if _, err := r.Retrieve(context.Background(), "pregunta general", ""); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vec.gotTopK != 5 || vec.gotThreshold != 0.6 {
		t.Errorf("search params = (%d, %v), want configured (5, 0.6)", vec.gotTopK, vec.gotThreshold)
	}

	items, err := r.Retrieve(context.Background(), "pregunta", testExpediente)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if vec.gotListLimit != 100 {
		t.Errorf("listing limit = %d, want configured fetch cap 100", vec.gotListLimit)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want configured cap 2", len(items))
	}
}

func TestRetrieverRelationalFallback(t *testing.T) {
	vec := &fakeVectors{listErr: errors.New("index corrupt")}
	rel := &fakeChunks{chunks: []store.ExpedienteChunk{
		{ID: 1, ExpedienteNumero: testExpediente, Filename: "a.pdf",
			Ruta: "uploads/" + testExpediente + "/a_2.pdf", ChunkIndex: 0, Text: "texto relacional"},
	}}
	r := NewRetriever(vec, rel, Config{})

	items, err := r.Retrieve(context.Background(), "pregunta", testExpediente)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 1 || items[0].Text != "texto relacional" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Score != 0 {
		t.Errorf("relational fallback Score = %v, want 0", items[0].Score)
	}
	if items[0].Ruta != "uploads/"+testExpediente+"/a_2.pdf" {
		t.Errorf("Ruta = %q, want the document's stored path", items[0].Ruta)
	}
}

func TestRetrieverUnknownExpediente(t *testing.T) {
	vec := &fakeVectors{}
	rel := &fakeChunks{err: store.ErrNotFound}
	r := NewRetriever(vec, rel, Config{})

	items, err := r.Retrieve(context.Background(), "pregunta", "2099-000001-0001-XX")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len = %d, want 0", len(items))
	}
}

func TestFormatContext(t *testing.T) {
	items := []vectorstore.Item{
		{ExpedienteNumero: "2024-000002-0002-LA", Filename: "auto.pdf", ChunkIndex: 0, Text: "segundo"},
		{ExpedienteNumero: testExpediente, Filename: "demanda.pdf", ChunkIndex: 0, PageStart: 1, PageEnd: 2, Text: "primero"},
		{ExpedienteNumero: testExpediente, Filename: "sentencia.pdf", ChunkIndex: 3, Text: "tercero"},
	}
	out := FormatContext(items)

	banner := strings.Repeat("=", 80)
	if !strings.Contains(out, banner+"\nEXPEDIENTE: "+testExpediente+" (2 documentos)\n"+banner) {
		t.Errorf("missing expediente banner:\n%s", out)
	}
	if !strings.Contains(out, "EXPEDIENTE: 2024-000002-0002-LA (1 documentos)") {
		t.Errorf("missing second group banner")
	}
	// Groups come out in ascending expediente order.
	if strings.Index(out, testExpediente) > strings.Index(out, "2024-000002-0002-LA") {
		t.Errorf("groups not in ascending order")
	}
	if !strings.Contains(out, "**Expediente:** "+testExpediente+" | **Archivo:** demanda.pdf | **Chunk:** 0 | **Págs:** 1-2") {
		t.Errorf("missing chunk header with pages:\n%s", out)
	}
	if !strings.Contains(out, "**Expediente:** "+testExpediente+" | **Archivo:** sentencia.pdf | **Chunk:** 3\n") {
		t.Errorf("pageless chunk header should omit Págs")
	}
	if !strings.Contains(out, "**Ruta:** uploads/"+testExpediente+"/demanda.pdf") {
		t.Errorf("missing ruta line")
	}
	if FormatContext(nil) != "" {
		t.Errorf("empty input should format to empty string")
	}
}

func TestFormatContextUsesStoredRuta(t *testing.T) {
	// A versioned save keeps its collision suffix in the citation path.
	it := item(testExpediente, "demanda.pdf", 0)
	it.Ruta = "uploads/" + testExpediente + "/demanda_1.pdf"
	out := FormatContext([]vectorstore.Item{it})

	if !strings.Contains(out, "**Ruta:** uploads/"+testExpediente+"/demanda_1.pdf\n") {
		t.Errorf("stored ruta not used:\n%s", out)
	}
	if strings.Contains(out, "**Ruta:** uploads/"+testExpediente+"/demanda.pdf\n") {
		t.Errorf("ruta synthesized from the filename despite a stored path:\n%s", out)
	}
}

func collectFrames(t *testing.T, c *Chain, req QueryRequest) []Frame {
	t.Helper()
	var frames []Frame
	if err := c.Stream(context.Background(), req, func(f Frame) error {
		frames = append(frames, f)
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return frames
}

func answerOf(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == "chunk" {
			b.WriteString(f.Content)
		}
	}
	return b.String()
}

func TestChainStream(t *testing.T) {
	provider := &fakeLLM{
		chatResp: "sentencia fallo resolución " + testExpediente,
		tokens:   []string{"<think>repaso el contexto</think>", "Se declara ", "con lugar."},
	}
	vec := &fakeVectors{searchItems: []vectorstore.Item{item(testExpediente, "sentencia.pdf", 0)}}
	sessions := newTestSessions(t)
	c := NewChain(provider, "m", NewRetriever(vec, nil, Config{}), sessions)

	req := QueryRequest{Question: "¿qué resolvió?", SessionID: "session_u_1", UserID: "u"}
	frames := collectFrames(t, c, req)

	if got := answerOf(frames); got != "Se declara con lugar." {
		t.Errorf("answer = %q", got)
	}
	last := frames[len(frames)-1]
	if last.Type != "done" || !last.Done {
		t.Errorf("last frame = %+v, want done", last)
	}

	// Without an explicit filter the search is general mode with the
	// rewritten question.
	if vec.gotTopK != 15 || vec.gotThreshold != 0.3 || vec.gotExpediente != "" {
		t.Errorf("search params = (%d, %v, %q)", vec.gotTopK, vec.gotThreshold, vec.gotExpediente)
	}
	userMsg := provider.lastStream.Messages[len(provider.lastStream.Messages)-1]
	if userMsg.Content != "¿qué resolvió?" {
		t.Errorf("model got %q, want the original question", userMsg.Content)
	}

	s, err := sessions.Get(context.Background(), "session_u_1", "u")
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if len(s.Messages) != 2 || s.Messages[1].Content != "Se declara con lugar." {
		t.Fatalf("session messages = %+v", s.Messages)
	}
}

func TestChainExpedienteFilter(t *testing.T) {
	provider := &fakeLLM{
		chatResp: "pregunta reformulada",
		tokens:   []string{"Respuesta"},
	}
	vec := &fakeVectors{listItems: []vectorstore.Item{item(testExpediente, "sentencia.pdf", 0)}}
	c := NewChain(provider, "m", NewRetriever(vec, nil, Config{}), nil)

	req := QueryRequest{Question: "resumen", ExpedienteFilter: testExpediente}
	frames := collectFrames(t, c, req)

	if got := answerOf(frames); got != "Respuesta" {
		t.Errorf("answer = %q", got)
	}
	sys := provider.lastStream.Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "ÚNICAMENTE al expediente "+testExpediente) {
		t.Errorf("system prompt not expediente-scoped")
	}
}

func TestChainNoResults(t *testing.T) {
	provider := &fakeLLM{chatErr: errors.New("rewriter down")}
	c := NewChain(provider, "m", NewRetriever(&fakeVectors{}, nil, Config{}), newTestSessions(t))

	frames := collectFrames(t, c, QueryRequest{Question: "nada", SessionID: "session_u_2"})
	if got := answerOf(frames); got != NoResultsMessage {
		t.Errorf("answer = %q", got)
	}
	if frames[len(frames)-1].Type != "done" {
		t.Errorf("stream not terminated")
	}
}

func TestChainAllReasoningFallsBack(t *testing.T) {
	provider := &fakeLLM{
		chatResp: "pregunta",
		tokens:   []string{"<think>solo pensó", " y nunca respondió"},
	}
	vec := &fakeVectors{searchItems: []vectorstore.Item{item(testExpediente, "a.pdf", 0)}}
	c := NewChain(provider, "m", NewRetriever(vec, nil, Config{}), nil)

	frames := collectFrames(t, c, QueryRequest{Question: "pregunta"})
	if got := answerOf(frames); got != NoResultsMessage {
		t.Errorf("answer = %q, want fallback", got)
	}
}

func TestChainRetrieveError(t *testing.T) {
	provider := &fakeLLM{chatResp: "pregunta general"}
	vec := &fakeVectors{searchErr: errors.New("index gone")}
	c := NewChain(provider, "m", NewRetriever(vec, nil, Config{}), nil)

	var frames []Frame
	err := c.Stream(context.Background(), QueryRequest{Question: "pregunta general"}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(frames) != 2 || frames[0].Type != "error" || !frames[0].Done || frames[1].Type != "done" {
		t.Fatalf("frames = %+v, want error then done", frames)
	}
}

func TestSSEEmitter(t *testing.T) {
	rec := httptest.NewRecorder()
	emit := SSEEmitter(rec)

	if err := emit(Frame{Type: "chunk", Content: "<b>negrita</b>"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := emit(Frame{Type: "done", Done: true}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"type":"chunk","content":"<b>negrita</b>","done":false}`) {
		t.Errorf("HTML escaped or frame malformed:\n%s", body)
	}
	if !strings.Contains(body, `data: {"type":"done","content":"","done":true}`) {
		t.Errorf("done frame malformed:\n%s", body)
	}
	events := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
	if !strings.Contains(events[len(events)-1], `"done":true`) {
		t.Errorf("missing done event")
	}
}
