package nanocb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// ModelInfoFile is the descriptor every model directory carries.
const ModelInfoFile = "model_info.json"

// PagedAttentionLayout is the only attention layout the engine can drive.
const PagedAttentionLayout = "paged"

// ModelInfo is the content of model_info.json.
type ModelInfo struct {
	Backend         string `json:"backend"`
	AttentionLayout string `json:"attention_layout"`
	ModelType       string `json:"model_type,omitempty"`
	VocabSize       int    `json:"vocab_size,omitempty"`
	EOSTokenID      *int   `json:"eos_token_id,omitempty"`
	ModelFile       string `json:"model_file,omitempty"`
	ServerURL       string `json:"server_url,omitempty"`
	WireFormat      string `json:"wire_format,omitempty"`
	Tokenizer       string `json:"tokenizer,omitempty"`

	// Dir is the model directory the file was read from.
	Dir string `json:"-"`
}

// Path resolves name relative to the model directory.
func (i ModelInfo) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(i.Dir, name)
}

// LoadModelInfo reads and checks the descriptor of a model directory.
func LoadModelInfo(modelPath string) (ModelInfo, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return ModelInfo{}, fmt.Errorf("%w: model directory %s: %v", ErrModelLoad, modelPath, err)
	}

	data, err := os.ReadFile(filepath.Join(modelPath, ModelInfoFile))
	if err != nil {
		return ModelInfo{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	var info ModelInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ModelInfo{}, fmt.Errorf("%w: failed to parse %s: %v", ErrModelLoad, ModelInfoFile, err)
	}
	info.Dir = modelPath

	if info.AttentionLayout != PagedAttentionLayout {
		return ModelInfo{}, fmt.Errorf("%w: %s has attention layout %q, want %q",
			ErrModelLoad, modelPath, info.AttentionLayout, PagedAttentionLayout)
	}
	if info.Backend == "" {
		return ModelInfo{}, fmt.Errorf("%w: %s does not name a backend", ErrModelLoad, modelPath)
	}
	return info, nil
}

// BackendFactory builds the runner and default tokenizer of a model.
type BackendFactory func(info ModelInfo, config SchedulerConfig) (ModelRunner, Tokenizer, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend available under name. Adapter packages
// call it from init.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

func init() {
	RegisterBackend("mock", newMockBackend)
}

func newMockBackend(info ModelInfo, config SchedulerConfig) (ModelRunner, Tokenizer, error) {
	vocab := info.VocabSize
	if vocab == 0 {
		vocab = MockVocabSize
	}
	eos := MockEOSTokenID
	if info.EOSTokenID != nil {
		eos = *info.EOSTokenID
	}
	return NewMockModelRunner(config, vocab, nil), NewMockTokenizer(eos), nil
}
