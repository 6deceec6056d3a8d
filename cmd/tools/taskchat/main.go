package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/qiuhaotian/taskdeck/internal/client"
	"github.com/qiuhaotian/taskdeck/internal/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] could not load .env, using system environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	mode := flag.String("mode", "", "mode: chat or sync")
	taskKey := flag.String("task", "", "external task key (account:board:item)")
	message := flag.String("message", "", "single question for chat mode (omit for interactive)")
	baseURL := flag.String("base", cfg.Client.BaseURL, "API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "sync convergence deadline")

	flag.Parse()

	if *mode != "chat" && *mode != "sync" {
		flag.Usage()
		log.Fatal("specify -mode=chat or -mode=sync")
	}
	if *taskKey == "" {
		log.Fatal("-task is required")
	}

	apiClient := client.NewClient(*baseURL)
	tokens := client.EnvToken("TASKDECK_ACCESS_TOKEN")

	switch *mode {
	case "chat":
		runChat(apiClient, tokens, *taskKey, *message)
	case "sync":
		runSync(apiClient, tokens, *taskKey, *timeout)
	}
}

func runChat(apiClient *client.Client, tokens client.TokenProvider, taskKey, message string) {
	session := client.NewSession(apiClient, tokens, taskKey)
	ctx := context.Background()

	ask := func(prompt string) {
		before := len(session.Transcript())
		if err := session.Send(ctx, prompt); err != nil {
			log.Printf("send rejected: %v", err)
			return
		}
		for _, msg := range session.Transcript()[before:] {
			fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		}
		for _, citation := range session.Citations() {
			fmt.Printf("  [source] %s", citation.Filename)
			if citation.Page > 0 {
				fmt.Printf(" p.%d", citation.Page)
			}
			fmt.Println()
		}
	}

	if message != "" {
		ask(message)
		return
	}

	fmt.Println("interactive chat, empty line to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return
		}
		ask(line)
	}
}

func runSync(apiClient *client.Client, tokens client.TokenProvider, taskKey string, timeout time.Duration) {
	poller := client.NewPoller(apiClient, tokens, taskKey)
	poller.Timeout = timeout
	poller.StatusFunc = func(status string) { log.Printf("[sync] %s", status) }
	poller.ClearStatusFunc = func() { log.Println("[sync] done") }
	poller.RefreshFunc = func(ctx context.Context) {
		token, ok := tokens.AccessToken()
		if !ok {
			return
		}
		sources, err := apiClient.Sources(ctx, token, taskKey)
		if err != nil {
			log.Printf("[sync] refresh sources failed: %v", err)
			return
		}
		log.Printf("[sync] snapshot %s with %d source file(s)", sources.SnapshotVersion, len(sources.Files))
	}
	defer poller.Close()

	outcome := poller.StartSync(context.Background())
	switch outcome {
	case client.Converged:
		log.Println("sync converged")
	case client.TimedOut:
		log.Println("sync still not converged before the deadline")
	case client.Superseded:
		log.Println("sync run superseded")
	}

	if outcome != client.Converged {
		os.Exit(1)
	}
}
