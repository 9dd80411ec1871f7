package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nano-cb-go/nanocb"
	"nano-cb-go/purego"
)

var (
	systemPrompt string
	chatTurns    []string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Apply the tokenizer's chat template and answer one conversation",
	Long: `Chat renders a conversation with the tokenizer's chat template and
generates the assistant's reply. Turns are given as role:content, for
example --turn "user:Who are you?".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		messages, err := chatMessages()
		if err != nil {
			return err
		}
		dc, err := buildDecoding()
		if err != nil {
			return err
		}

		p, err := loadPipeline(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		prompt, err := renderChat(p.GetTokenizer(), messages)
		if err != nil {
			return err
		}
		ids, err := p.Encode(prompt)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Input prompt:\n%s\n", prompt)
		fmt.Fprintf(w, "Input tokens: %v\n", ids)

		results, err := p.Generate(cmd.Context(), []string{prompt}, []nanocb.DecodingConfig{dc})
		if err != nil {
			return err
		}
		if results[0].Err != nil {
			return results[0].Err
		}
		fmt.Fprintf(w, "Model response: %s\n", results[0].Texts[0])
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&systemPrompt, "system", "You are a pirate chatbot who always responds in pirate speak!", "System message")
	chatCmd.Flags().StringArrayVar(&chatTurns, "turn", []string{"user:Who are you?"}, "Conversation turn as role:content (repeatable)")
	addDecodingFlags(chatCmd)
	rootCmd.AddCommand(chatCmd)
}

func chatMessages() ([]nanocb.ChatMessage, error) {
	var messages []nanocb.ChatMessage
	if systemPrompt != "" {
		messages = append(messages, nanocb.ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range chatTurns {
		role, content, ok := strings.Cut(turn, ":")
		if !ok || !purego.ValidRole(role) {
			return nil, fmt.Errorf("bad turn %q: want system|user|assistant:content", turn)
		}
		messages = append(messages, nanocb.ChatMessage{Role: role, Content: content})
	}
	return messages, nil
}

// renderChat applies the tokenizer's template, or a plain role: content
// transcript when it has none.
func renderChat(tok nanocb.Tokenizer, messages []nanocb.ChatMessage) (string, error) {
	if t, ok := tok.(nanocb.ChatTemplater); ok {
		return t.ApplyChatTemplate(messages, true)
	}
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	sb.WriteString("assistant:")
	return sb.String(), nil
}
