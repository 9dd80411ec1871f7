package purego

import (
	"fmt"

	"nano-cb-go/nanocb"
)

func init() {
	nanocb.RegisterBackend("http", newHTTPBackend)
}

// newHTTPBackend connects to the server named by server_url. The tokenizer
// is loaded from the model directory when model_info.json names one and is
// served by the same server otherwise.
func newHTTPBackend(info nanocb.ModelInfo, _ nanocb.SchedulerConfig) (nanocb.ModelRunner, nanocb.Tokenizer, error) {
	if info.ServerURL == "" {
		return nil, nil, fmt.Errorf("model_info.json has no server_url")
	}
	codec, err := CodecFor(info.WireFormat)
	if err != nil {
		return nil, nil, err
	}
	runner, err := NewHTTPModelRunner(info.ServerURL, codec)
	if err != nil {
		return nil, nil, err
	}

	tokenizer, err := LoadTokenizer(info, runner.Info().EOSTokenID)
	if err != nil {
		runner.Close()
		return nil, nil, err
	}
	return runner, tokenizer, nil
}

// LoadTokenizer loads the BPE tokenizer named by info.Tokenizer. Without one
// it falls back to an HTTPTokenizer on info.ServerURL.
func LoadTokenizer(info nanocb.ModelInfo, defaultEOS int) (nanocb.Tokenizer, error) {
	if info.Tokenizer == "" {
		if info.ServerURL == "" {
			return nil, fmt.Errorf("model_info.json names neither a tokenizer nor a server")
		}
		return NewHTTPTokenizer(info.ServerURL, eosTokenID(info, defaultEOS)), nil
	}
	return LoadBPETokenizer(info.Path(info.Tokenizer))
}

func eosTokenID(info nanocb.ModelInfo, fallback int) int {
	if info.EOSTokenID != nil {
		return *info.EOSTokenID
	}
	return fallback
}
