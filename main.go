package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/urfave/cli/v2"

	"forkchat/internal/config"
	"forkchat/internal/encoder"
	"forkchat/internal/executor"
	"forkchat/internal/model"
	"forkchat/internal/observability"
	"forkchat/internal/server"
	"forkchat/internal/store"
	"forkchat/sdk/chat"
)

func main() {
	app := &cli.App{
		Name:  "forkchat",
		Usage: "Streaming chat server with forkable conversations",
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			log := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)

			runner := executor.NewClient(cfg.Executor.BaseURL,
				executor.WithTimeout(time.Duration(cfg.Executor.TimeoutSeconds)*time.Second),
				executor.WithLogger(log.With().Str("component", "executor").Logger()),
			)

			factory, err := sourceFactory(cfg)
			if err != nil {
				return err
			}

			mem := store.NewMemory()
			srv := server.New(cfg, log, mem, mem, runner, factory,
				server.WithEstimator(model.Estimator()))

			log.Info().
				Str("provider", cfg.Model.Provider).
				Str("executor", cfg.Executor.BaseURL).
				Msg("starting")
			return srv.Listen()
		},
	}
}

func sourceFactory(cfg config.Config) (server.SourceFactory, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		client := anthropic.NewClient(option.WithAPIKey(cfg.Model.APIKey))
		modelName := anthropic.Model(cfg.Model.Name)
		return func(messages []*chat.Message) encoder.Source {
			return model.NewAnthropicSource(client, modelName, messages)
		}, nil
	case "script":
		return func(messages []*chat.Message) encoder.Source {
			return model.EchoScript(lastUserContent(messages)).Paced(30 * time.Millisecond)
		}, nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
}

func lastUserContent(messages []*chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to a running server from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8080",
				Usage: "Server base URL",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				EnvVars: []string{"FORKCHAT_AUTH_TOKEN"},
			},
		},
		Action: func(c *cli.Context) error {
			client := chat.NewClient(c.String("server"),
				chat.WithToken(c.String("token")),
				chat.WithDecoderOptions(chat.WithTextCallback(func(delta string) {
					fmt.Print(delta)
				})),
			)
			if err := client.Health(c.Context); err != nil {
				return fmt.Errorf("server not reachable: %w", err)
			}

			session := chat.NewSession(client, chat.NewID())
			fmt.Println("Connected. Type a message, /edit <n> <text> to rewrite message n,")
			fmt.Println("/fork <n> <text> to branch from message n, /quit to exit.")

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("\n> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					return nil
				}
				if err := dispatch(c.Context, client, session, line); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				fmt.Println()
			}
		},
	}
}

// dispatch runs one REPL line against the session.
func dispatch(ctx context.Context, client *chat.Client, session *chat.Session, line string) error {
	switch {
	case strings.HasPrefix(line, "/edit "):
		index, content, err := splitCommand(line)
		if err != nil {
			return err
		}
		id, err := messageIDAt(session, index)
		if err != nil {
			return err
		}
		_, err = session.EditDirect(ctx, id, content)
		return err

	case strings.HasPrefix(line, "/fork "):
		index, content, err := splitCommand(line)
		if err != nil {
			return err
		}
		id, err := messageIDAt(session, index)
		if err != nil {
			return err
		}
		fork, err := session.ForkAt(ctx, id, content)
		if err != nil {
			return err
		}
		fmt.Printf("fork %s created (draft); replaying...\n", fork.ID)
		_, err = chat.NewForkSession(client, fork).SubmitFork(ctx, fork)
		return err

	default:
		_, err := session.Submit(ctx, line)
		return err
	}
}

func splitCommand(line string) (int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return 0, "", fmt.Errorf("usage: %s <message-index> <new content>", parts[0])
	}
	var index int
	if _, err := fmt.Sscanf(parts[1], "%d", &index); err != nil {
		return 0, "", fmt.Errorf("message index must be a number: %w", err)
	}
	return index, parts[2], nil
}

func messageIDAt(session *chat.Session, index int) (string, error) {
	msgs := session.Conversation().Messages()
	if index < 0 || index >= len(msgs) {
		return "", fmt.Errorf("message index %d out of range (0..%d)", index, len(msgs)-1)
	}
	return msgs[index].ID, nil
}
