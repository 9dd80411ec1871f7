package purego

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"nano-cb-go/nanocb"
)

// ServerInfo is what a model server reports on GET /info.
type ServerInfo struct {
	VocabSize       int      `json:"vocab_size"`
	EOSTokenID      int      `json:"eos_token_id"`
	ModelType       string   `json:"model_type"`
	AttentionLayout string   `json:"attention_layout"`
	Operators       []string `json:"operators"`
}

type forwardResponse struct {
	Logits [][]float32 `json:"logits" msgpack:"logits"`
}

// HTTPModelRunner implements ModelRunner by posting batches to a model
// server that owns the paged KV cache. The server applies the batch's block
// copies, writes every chunk at its block table slots and returns one logits
// row per entry.
type HTTPModelRunner struct {
	serverURL string
	client    *http.Client
	codec     Codec
	info      ServerInfo
}

// NewHTTPModelRunner connects to serverURL and reads its model info
func NewHTTPModelRunner(serverURL string, codec Codec) (*HTTPModelRunner, error) {
	runner := &HTTPModelRunner{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 5 * time.Minute},
		codec:     codec,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := getJSON(ctx, runner.client, runner.serverURL+"/info", &runner.info); err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	logrus.Infof("connected to model server %s (type: %s, vocab: %d, wire: %s)",
		runner.serverURL, runner.info.ModelType, runner.info.VocabSize, codec.Name())
	return runner, nil
}

// Info returns the model info reported by the server
func (m *HTTPModelRunner) Info() ServerInfo {
	return m.info
}

// Forward executes one step via HTTP
func (m *HTTPModelRunner) Forward(ctx context.Context, batch *nanocb.Batch) ([][]float32, error) {
	body, err := m.codec.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+"/forward", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", m.codec.ContentType())
	req.Header.Set("Accept", m.codec.ContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read forward response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forward failed: %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var result forwardResponse
	if err := m.codec.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode forward response: %w", err)
	}
	if len(result.Logits) != len(batch.Sequences) {
		return nil, fmt.Errorf("server returned %d logits rows for %d sequences", len(result.Logits), len(batch.Sequences))
	}
	return result.Logits, nil
}

// Introspect reports the operators the server found in its graph
func (m *HTTPModelRunner) Introspect() nanocb.ModelIntrospection {
	return nanocb.ModelIntrospection{
		Backend:           "http",
		HasPagedAttention: m.info.AttentionLayout == nanocb.PagedAttentionLayout || slices.Contains(m.info.Operators, nanocb.PagedAttentionOp),
		Operators:         m.info.Operators,
	}
}

// Close cleans up resources
func (m *HTTPModelRunner) Close() error {
	m.client.CloseIdleConnections()
	return nil
}

// HTTPTokenizer implements Tokenizer using HTTP calls
type HTTPTokenizer struct {
	serverURL string
	client    *http.Client
	eosID     int
}

// NewHTTPTokenizer creates a new HTTP-based tokenizer
func NewHTTPTokenizer(serverURL string, eosID int) *HTTPTokenizer {
	return &HTTPTokenizer{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		eosID:     eosID,
	}
}

// Encode converts text to token IDs via HTTP
func (t *HTTPTokenizer) Encode(text string) ([]int, error) {
	req := struct {
		Text string `json:"text"`
	}{Text: text}

	var result struct {
		Tokens []int `json:"tokens"`
	}
	if err := postJSON(context.Background(), t.client, t.serverURL+"/tokenize", req, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// Decode converts token IDs to text via HTTP
func (t *HTTPTokenizer) Decode(tokenIDs []int) (string, error) {
	req := struct {
		Tokens []int `json:"tokens"`
	}{Tokens: tokenIDs}

	var result struct {
		Text string `json:"text"`
	}
	if err := postJSON(context.Background(), t.client, t.serverURL+"/detokenize", req, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

// EOSTokenID returns the EOS token ID
func (t *HTTPTokenizer) EOSTokenID() int {
	return t.eosID
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(client, req, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
