package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"emx-llm/internal/client"
	"emx-llm/internal/config"
	"emx-llm/internal/fixture"
	"emx-llm/internal/llm"
	"emx-llm/internal/resolver"
)

const defaultSystemPrompt = "You are a helpful, harmless, and honest AI assistant."

type chatOptions struct {
	provider   string
	model      string
	apiBase    string
	stream     bool
	prompts    []string
	tokenStats bool
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat [query...]",
		Short: "Send a chat completion request",
		Long: `Send a chat completion request to a configured provider.

The model reference may be short ("glm-5"), qualified ("anthropic.glm-5")
or fully qualified ("anthropic.glm.glm-5"). Without a query, an
interactive session starts; "clear" resets the history, "exit" or "quit"
(or EOF) ends it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.model, "model", "m", "", `model reference (e.g. "glm-5", "anthropic.glm.glm-5")`)
	flags.StringVar(&opts.provider, "provider", "", "provider section to use when no model is given")
	flags.StringVar(&opts.apiBase, "api-base", "", "override the resolved API base URL")
	flags.BoolVarP(&opts.stream, "stream", "s", false, "stream the response as it is generated")
	flags.StringArrayVar(&opts.prompts, "prompt", nil, "system prompt file (repeatable)")
	flags.BoolVar(&opts.tokenStats, "token-stats", false, "print token usage and cost after the response")
	return cmd
}

// buildClient resolves the target model and constructs the dispatcher.
// The returned finish func flushes recorded fixtures, if recording is on.
func buildClient(opts chatOptions) (*client.Client, func(), error) {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		return nil, nil, err
	}
	res := resolver.New(cfg.Provider)

	var eff config.Effective
	switch {
	case opts.model != "":
		eff, err = res.Resolve(opts.model)
	case opts.provider != "":
		eff, err = res.Resolve(opts.provider)
	default:
		eff, err = res.ResolveDefault()
		if errors.Is(err, resolver.ErrNoDefault) {
			return nil, nil, errors.New("no model given and no default configured; pass --model or set llm.provider.default")
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if opts.apiBase != "" {
		eff.APIBase = opts.apiBase
	}

	finish := func() {}
	var httpClient *http.Client
	if fixture.Enabled() {
		rec := fixture.NewRecorder()
		httpClient = &http.Client{Transport: &fixture.RecordingTransport{Recorder: rec}}
		finish = func() {
			if rec.Len() == 0 {
				return
			}
			path := filepath.Join("fixtures", "recorded.txtar")
			if err := rec.WriteFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "write fixtures: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "recorded %d fixture(s) to %s\n", rec.Len(), path)
		}
	}
	return client.New(eff, httpClient), finish, nil
}

func systemMessages(opts chatOptions) ([]llm.Message, error) {
	if len(opts.prompts) == 0 {
		return []llm.Message{llm.System(defaultSystemPrompt)}, nil
	}
	msgs := make([]llm.Message, 0, len(opts.prompts))
	for _, path := range opts.prompts {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		msgs = append(msgs, llm.System(string(content)))
	}
	return msgs, nil
}

func runChat(ctx context.Context, opts chatOptions, args []string) error {
	cl, finish, err := buildClient(opts)
	if err != nil {
		return err
	}
	defer finish()
	system, err := systemMessages(opts)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		return runInteractive(ctx, cl, opts, system)
	}

	query := strings.Join(args, " ")
	msgs := append(append([]llm.Message(nil), system...), llm.User(query))
	usage, err := sendTurn(ctx, cl, opts.stream, msgs, os.Stdout)
	if err != nil {
		return err
	}
	if opts.tokenStats {
		printTokenStats(cl.Effective().Model, usage)
	}
	return nil
}

// sendTurn dispatches one conversation turn and returns the reported
// usage along with printing the reply to w.
func sendTurn(ctx context.Context, cl *client.Client, stream bool, msgs []llm.Message, w io.Writer) (llm.Usage, error) {
	if !stream {
		text, usage, err := cl.Chat(ctx, msgs)
		if err != nil {
			return llm.Usage{}, err
		}
		fmt.Fprintln(w, text)
		return usage, nil
	}

	s, err := cl.ChatStream(ctx, msgs)
	if err != nil {
		return llm.Usage{}, err
	}
	defer s.Close()

	var usage llm.Usage
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintln(w)
			return usage, err
		}
		fmt.Fprint(w, ev.Delta)
		if ev.Done {
			if ev.Usage != nil {
				usage = *ev.Usage
			}
			break
		}
	}
	fmt.Fprintln(w)
	return usage, nil
}

func printTokenStats(model string, usage llm.Usage) {
	cost := llm.DefaultRates.Cost(model, usage)
	fmt.Println()
	fmt.Println("=== Token Stats ===")
	fmt.Printf("Prompt tokens:     %d\n", usage.PromptTokens)
	fmt.Printf("Completion tokens: %d\n", usage.CompletionTokens)
	fmt.Printf("Total tokens:      %d\n", usage.TotalTokens)
	if cost.Total > 0 {
		fmt.Printf("Estimated cost:    $%.6f\n", cost.Total)
	}
}

func runInteractive(ctx context.Context, cl *client.Client, opts chatOptions, system []llm.Message) error {
	out := termenv.NewOutput(os.Stdout)
	prompt := out.String("> ").Foreground(out.Color("6")).Bold().String()

	fmt.Printf("Chatting with %s. Type \"exit\" or \"quit\" to leave, \"clear\" to reset history.\n",
		cl.Effective().Model)

	var history []llm.Message
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "clear":
			history = nil
			fmt.Println("history cleared")
			continue
		}

		// Conversations are rebuilt each turn: system prompts, prior
		// turns, then the new user message.
		history = append(history, llm.User(line))
		msgs := append(append([]llm.Message(nil), system...), history...)

		var reply strings.Builder
		usage, err := sendTurn(ctx, cl, opts.stream, msgs, io.MultiWriter(os.Stdout, &reply))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			printError(err)
			// Drop the failed turn so a retry does not duplicate it.
			history = history[:len(history)-1]
			continue
		}
		history = append(history, llm.Assistant(strings.TrimRight(reply.String(), "\n")))

		if opts.tokenStats {
			printTokenStats(cl.Effective().Model, usage)
		}
	}
}
