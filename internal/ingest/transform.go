package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/Aman-CERP/amankb/internal/chunk"
	"github.com/Aman-CERP/amankb/internal/config"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/pkg/version"
)

// Source types recorded on transformed items.
const (
	SourceText   = "text"
	SourceCode   = "code"
	SourceOCR    = "image_ocr"
	SourceSpeech = "audio_stt"
)

// Extensions handled by each transform.
var (
	textExts   = []string{".md", ".markdown", ".txt"}
	ocrExts    = []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp"}
	speechExts = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}

	// codeLanguages maps source extensions to the language recorded on code
	// chunks. Languages with a grammar are split at declarations.
	codeLanguages = map[string]string{
		".go": "go", ".py": "python", ".js": "javascript", ".mjs": "javascript", ".jsx": "javascript",
		".ts": "typescript", ".tsx": "tsx", ".c": "c", ".h": "c", ".cpp": "cpp", ".hpp": "cpp",
		".java": "java", ".rs": "rust", ".rb": "ruby", ".sh": "shell", ".ps1": "powershell",
	}
)

// maxTransformBytes bounds what a transform reads or uploads.
const maxTransformBytes = 64 << 20

// Item is the text produced for one inbox file.
type Item struct {
	Path       string
	Title      string
	Text       string
	Language   string
	Tags       []string
	SourceType string
	Modality   string // chunk.ModalityCode for source files, empty for prose
}

// Transformer turns a file into text.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, path string) (*Item, error)
}

// Router picks a transformer by file extension.
type Router struct {
	byExt map[string]Transformer
}

// NewRouter wires the text reader and, when their URLs are set, the OCR and
// speech-to-text services. Extensions without a transformer are unsupported.
func NewRouter(cfg config.TransformConfig, logger *slog.Logger) *Router {
	r := &Router{byExt: make(map[string]Transformer)}
	r.Register(TextReader{}, textExts...)
	for ext := range codeLanguages {
		r.Register(CodeReader{}, ext)
	}

	client := &http.Client{Timeout: cfg.Timeout.D()}
	if cfg.OCRURL != "" {
		r.Register(NewHTTPTransformer(HTTPTransformerConfig{
			Name: "ocr", BaseURL: cfg.OCRURL, Endpoint: "/ocr", Fields: map[string]string{"mode": "text"},
			SourceType: SourceOCR, RequestsPerSecond: cfg.RequestsPerSecond, Client: client, Logger: logger,
		}), ocrExts...)
	}
	if cfg.SpeechURL != "" {
		r.Register(NewHTTPTransformer(HTTPTransformerConfig{
			Name: "speech", BaseURL: cfg.SpeechURL, Endpoint: "/transcribe", Tags: []string{"audio"},
			SourceType: SourceSpeech, RequestsPerSecond: cfg.RequestsPerSecond, Client: client, Logger: logger,
		}), speechExts...)
	}
	return r
}

// Register routes the given extensions to t.
func (r *Router) Register(t Transformer, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = t
	}
}

// Route returns the transformer for path.
func (r *Router) Route(path string) (Transformer, error) {
	ext := strings.ToLower(filepath.Ext(path))
	t, ok := r.byExt[ext]
	if !ok {
		if ext == "" {
			ext = filepath.Base(path)
		}
		return nil, kberrors.Unsupported(ext)
	}
	return t, nil
}

// Transform routes and runs the transform for path.
func (r *Router) Transform(ctx context.Context, path string) (*Item, error) {
	t, err := r.Route(path)
	if err != nil {
		return nil, err
	}
	return t.Transform(ctx, path)
}

// TextReader reads markdown and plain text files.
type TextReader struct{}

func (TextReader) Name() string { return "text" }

func (TextReader) Transform(ctx context.Context, path string) (*Item, error) {
	return readText(ctx, path, SourceText)
}

// CodeReader reads source files and marks them for line-window code chunking.
type CodeReader struct{}

func (CodeReader) Name() string { return "code" }

func (CodeReader) Transform(ctx context.Context, path string) (*Item, error) {
	item, err := readText(ctx, path, SourceCode)
	if err != nil {
		return nil, err
	}
	item.Language = codeLanguages[strings.ToLower(filepath.Ext(path))]
	item.Modality = chunk.ModalityCode
	item.Tags = []string{"code"}
	return item, nil
}

func readText(ctx context.Context, path, sourceType string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := readSource(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, kberrors.Permanent("file is not valid UTF-8", nil).WithDetail("path", path)
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	if strings.TrimSpace(text) == "" {
		return nil, kberrors.Permanent("file has no text", nil).WithDetail("path", path)
	}
	return &Item{Path: path, Title: title(path), Text: text, SourceType: sourceType}, nil
}

func readSource(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, kberrors.Permanent("file no longer exists", err).WithDetail("path", path)
		}
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "open source file", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxTransformBytes+1))
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "read source file", err)
	}
	if len(data) > maxTransformBytes {
		return nil, kberrors.Permanent("file exceeds the transform size limit", nil).WithDetail("path", path)
	}
	return data, nil
}

func title(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// HTTPTransformerConfig configures a multipart upload transform service.
type HTTPTransformerConfig struct {
	Name       string
	BaseURL    string
	Endpoint   string
	Fields     map[string]string
	Tags       []string
	SourceType string

	// RequestsPerSecond limits calls to the service. Zero disables the limiter.
	RequestsPerSecond float64
	Client            *http.Client
	Logger            *slog.Logger
}

// HTTPTransformer posts the file as multipart "file" and reads {"text": ...}.
type HTTPTransformer struct {
	cfg     HTTPTransformerConfig
	url     string
	limiter *rate.Limiter
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPTransformer creates an HTTP transform client.
func NewHTTPTransformer(cfg HTTPTransformerConfig) *HTTPTransformer {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPTransformer{
		cfg:    cfg,
		url:    strings.TrimSuffix(cfg.BaseURL, "/") + cfg.Endpoint,
		client: client,
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return t
}

func (t *HTTPTransformer) Name() string { return t.cfg.Name }

type transformResponse struct {
	Text string `json:"text"`
}

func (t *HTTPTransformer) Transform(ctx context.Context, path string) (*Item, error) {
	data, err := readSource(path)
	if err != nil {
		return nil, err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, kberrors.Transient(t.cfg.Name+" rate limit wait", err)
		}
	}

	body, contentType, err := multipartBody(filepath.Base(path), data, t.cfg.Fields)
	if err != nil {
		return nil, kberrors.Internal("build transform request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
	if err != nil {
		return nil, kberrors.Configuration(fmt.Sprintf("invalid %s service URL", t.cfg.Name), err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, kberrors.Transient(t.cfg.Name+" service unreachable", err).WithDetail("url", t.url)
	}
	defer resp.Body.Close()

	if err := classifyStatus(t.cfg.Name, resp); err != nil {
		return nil, err
	}

	var out transformResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTransformBytes)).Decode(&out); err != nil {
		return nil, kberrors.Transient(t.cfg.Name+" returned an unreadable response", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, kberrors.Permanent(t.cfg.Name+" produced no text", nil).WithDetail("path", path)
	}

	t.logger.Debug("transform_completed",
		slog.String("transform", t.cfg.Name),
		slog.String("path", path),
		slog.Int("chars", len(text)),
		slog.Duration("duration", time.Since(start)))

	return &Item{
		Path:       path,
		Title:      title(path),
		Text:       text,
		Tags:       append([]string(nil), t.cfg.Tags...),
		SourceType: t.cfg.SourceType,
	}, nil
}

// classifyStatus maps a non-2xx response: 408, 429 and 5xx are worth
// retrying, other 4xx mean the service rejected this file.
func classifyStatus(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("%s service returned %d", name, resp.StatusCode)
	cause := fmt.Errorf("%s", strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return kberrors.Transient(msg, cause)
	default:
		return kberrors.Permanent(msg, cause)
	}
}

func multipartBody(filename string, data []byte, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
