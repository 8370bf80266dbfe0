// Package token maps model identifiers to tokenizers and counts tokens.
//
// Counting never fails: every resolution problem degrades through the fixed
// fallback encoding down to a bytes/4 estimate, with warnings logged along
// the way. The Manager is constructed explicitly and injected; it owns its
// own concurrency-safe caches (memory + disk) shared by all jobs.
package token

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	"golang.org/x/sync/singleflight"
)

// FallbackEncoding is the fixed encoding used when no mapping resolves.
const FallbackEncoding = "cl100k_base"

const hubURLFormat = "https://huggingface.co/%s/resolve/main/tokenizer.json"

// ModelRef identifies the model whose tokenizer should count the text.
// Tokenizer, when set, short-circuits resolution: the per-flavor override or
// the model-level tokenizer name, in that order, decided by the caller.
type ModelRef struct {
	Name      string
	Tokenizer string
}

// Counter is the token-counting contract the rest of the system depends on.
type Counter interface {
	Count(ctx context.Context, ref ModelRef, text string) int
	Preload(ctx context.Context, refs []ModelRef)
}

type refKind int

const (
	kindEncoding refKind = iota
	kindPretrained
)

type tokenizerRef struct {
	kind refKind
	name string
}

// builtinEncodings are the tiktoken encodings an explicit tokenizer string
// may name directly.
var builtinEncodings = map[string]bool{
	"cl100k_base": true,
	"o200k_base":  true,
	"p50k_base":   true,
	"p50k_edit":   true,
	"r50k_base":   true,
}

// modelTable maps known model-identifier substrings to a tokenizer. Matching
// picks the longest matching substring, so "gpt-4o" wins over "gpt-4".
var modelTable = map[string]tokenizerRef{
	"gpt-4o":         {kindEncoding, "o200k_base"},
	"gpt-4":          {kindEncoding, "cl100k_base"},
	"gpt-3.5":        {kindEncoding, "cl100k_base"},
	"o1":             {kindEncoding, "o200k_base"},
	"o3":             {kindEncoding, "o200k_base"},
	"text-embedding": {kindEncoding, "cl100k_base"},
	"claude":         {kindEncoding, "cl100k_base"},
	"llama":          {kindPretrained, "hf-internal-testing/llama-tokenizer"},
	"mistral":        {kindPretrained, "mistralai/Mistral-7B-Instruct-v0.2"},
	"mixtral":        {kindPretrained, "mistralai/Mistral-7B-Instruct-v0.2"},
	"qwen":           {kindPretrained, "Qwen/Qwen2-7B-Instruct"},
	"deepseek":       {kindPretrained, "deepseek-ai/deepseek-llm-7b-base"},
	"phi":            {kindPretrained, "microsoft/phi-2"},
	"falcon":         {kindPretrained, "tiiuae/falcon-7b"},
}

// quantSuffixes are stripped from unrecognized identifiers before retrying
// the table: quantization tags, size tags, and variant suffixes such as
// "llama3:8b-instruct-q4_0".
var quantSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[:_-]q\d(?:_[a-z0-9]+)*$`),
	regexp.MustCompile(`(?i)[:_-](?:awq|gptq|gguf|exl2|fp16|bf16|int4|int8)$`),
	regexp.MustCompile(`(?i)[:_-](?:instruct|chat|base|it)$`),
	regexp.MustCompile(`(?i)[:_-]\d+(?:\.\d+)?b$`),
	regexp.MustCompile(`(?i):latest$`),
	regexp.MustCompile(`(?i)-v\d+(?:\.\d+)*$`),
}

// Manager resolves tokenizers and counts tokens. Safe for concurrent use;
// duplicate first-fetches of the same tokenizer are collapsed via
// singleflight and a lost race simply rewrites identical bytes on disk.
type Manager struct {
	cacheDir string
	client   *http.Client

	mu         sync.RWMutex
	encodings  map[string]*tiktoken.Tiktoken
	downloaded map[string]*tokenizer.Tokenizer

	group singleflight.Group
}

// NewManager creates a Manager that persists downloaded tokenizers under
// cacheDir (created on demand).
func NewManager(cacheDir string) *Manager {
	return &Manager{
		cacheDir:   cacheDir,
		client:     &http.Client{Timeout: 60 * time.Second},
		encodings:  make(map[string]*tiktoken.Tiktoken),
		downloaded: make(map[string]*tokenizer.Tokenizer),
	}
}

// Count returns the token count of text under the tokenizer resolved for
// ref. It never fails; unresolvable tokenizers degrade to the fallback
// encoding and finally to the bytes/4 estimate.
func (m *Manager) Count(ctx context.Context, ref ModelRef, text string) int {
	if text == "" {
		return 0
	}

	resolved := resolve(ref)
	switch resolved.kind {
	case kindEncoding:
		if enc, err := m.encoding(resolved.name); err == nil {
			return len(enc.Encode(text, nil, nil))
		} else {
			slog.Warn("encoding unavailable, using fallback", "encoding", resolved.name, "error", err)
		}
	case kindPretrained:
		if tk, err := m.pretrainedTokenizer(ctx, resolved.name); err == nil {
			if en, err := tk.EncodeSingle(text); err == nil {
				return len(en.Ids)
			}
		} else {
			slog.Warn("tokenizer fetch failed, using fallback encoding",
				"tokenizer", resolved.name, "model", ref.Name, "error", err)
		}
	}

	if enc, err := m.encoding(FallbackEncoding); err == nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Preload forces tokenizer cache population outside the request path.
// Failures are logged, never returned: a missing tokenizer only costs
// accuracy at runtime.
func (m *Manager) Preload(ctx context.Context, refs []ModelRef) {
	for _, ref := range refs {
		resolved := resolve(ref)
		var err error
		switch resolved.kind {
		case kindEncoding:
			_, err = m.encoding(resolved.name)
		case kindPretrained:
			_, err = m.pretrainedTokenizer(ctx, resolved.name)
		}
		if err != nil {
			slog.Warn("tokenizer preload failed", "model", ref.Name, "tokenizer", resolved.name, "error", err)
			continue
		}
		slog.Info("tokenizer preloaded", "model", ref.Name, "tokenizer", resolved.name)
	}
}

// Estimate is the last-resort token estimate: one token per four bytes,
// rounded up. Used when even the fallback encoding cannot be loaded.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// resolve walks the resolution order: explicit tokenizer string, static
// table (longest substring match), suffix-stripped retry, fixed fallback.
func resolve(ref ModelRef) tokenizerRef {
	if ref.Tokenizer != "" {
		if builtinEncodings[ref.Tokenizer] {
			return tokenizerRef{kindEncoding, ref.Tokenizer}
		}
		return tokenizerRef{kindPretrained, ref.Tokenizer}
	}

	name := strings.ToLower(ref.Name)
	if r, ok := lookupTable(name); ok {
		return r
	}

	// Strip quantization and variant suffixes one at a time, retrying the
	// table after each strip ("llama3:8b-instruct-q4_0" → "llama3").
	stripped := name
	for {
		next := stripOneSuffix(stripped)
		if next == stripped {
			break
		}
		stripped = next
		if r, ok := lookupTable(stripped); ok {
			return r
		}
	}

	return tokenizerRef{kindEncoding, FallbackEncoding}
}

func lookupTable(name string) (tokenizerRef, bool) {
	best := ""
	var bestRef tokenizerRef
	for sub, ref := range modelTable {
		if strings.Contains(name, sub) && len(sub) > len(best) {
			best = sub
			bestRef = ref
		}
	}
	return bestRef, best != ""
}

func stripOneSuffix(name string) string {
	for _, re := range quantSuffixes {
		if loc := re.FindStringIndex(name); loc != nil {
			return name[:loc[0]]
		}
	}
	return name
}

func (m *Manager) encoding(name string) (*tiktoken.Tiktoken, error) {
	m.mu.RLock()
	enc, ok := m.encodings[name]
	m.mu.RUnlock()
	if ok {
		return enc, nil
	}

	v, err, _ := m.group.Do("enc:"+name, func() (any, error) {
		enc, err := tiktoken.GetEncoding(name)
		if err != nil {
			return nil, fmt.Errorf("load encoding %s: %w", name, err)
		}
		m.mu.Lock()
		m.encodings[name] = enc
		m.mu.Unlock()
		return enc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tiktoken.Tiktoken), nil
}

// pretrainedTokenizer returns the cached tokenizer for id, fetching and
// persisting it on first use.
func (m *Manager) pretrainedTokenizer(ctx context.Context, id string) (*tokenizer.Tokenizer, error) {
	m.mu.RLock()
	tk, ok := m.downloaded[id]
	m.mu.RUnlock()
	if ok {
		return tk, nil
	}

	v, err, _ := m.group.Do("hf:"+id, func() (any, error) {
		path, err := m.ensureOnDisk(ctx, id)
		if err != nil {
			return nil, err
		}
		tk, err := pretrained.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse tokenizer %s: %w", id, err)
		}
		m.mu.Lock()
		m.downloaded[id] = tk
		m.mu.Unlock()
		return tk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokenizer.Tokenizer), nil
}

// CacheFileName is the filesystem-safe transform of a tokenizer identifier:
// slashes become double dashes.
func CacheFileName(id string) string {
	return strings.ReplaceAll(id, "/", "--") + ".json"
}

func (m *Manager) ensureOnDisk(ctx context.Context, id string) (string, error) {
	path := filepath.Join(m.cacheDir, CacheFileName(id))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create tokenizer cache dir: %w", err)
	}

	url := fmt.Sprintf(hubURLFormat, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build tokenizer request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tokenizer %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch tokenizer %s: status %d", id, resp.StatusCode)
	}

	// Write via a temp file then rename; a concurrent fetch of the same id
	// rewrites identical content, so the last rename winning is harmless.
	tmp, err := os.CreateTemp(m.cacheDir, "tokenizer-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp tokenizer file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write tokenizer %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close tokenizer file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("store tokenizer %s: %w", id, err)
	}

	return path, nil
}

var _ Counter = (*Manager)(nil)
