package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"fitchat/internal/backend"
	"fitchat/internal/backend/mockbackend"
	"fitchat/internal/chat"
	"fitchat/internal/config"
	"fitchat/internal/fitbit"
	"fitchat/internal/logging"
	"fitchat/internal/store"
)

// Version is set via -ldflags during build
var Version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Override config file path")
		backendURL  = flag.String("backend", "", "Override backend base URL")
		promptFlag  = flag.String("p", "", "Send a single message and exit (non-interactive mode)")
		versionFlag = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(promptFlag, "prompt", "", "Send a single message and exit (non-interactive mode)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("fitchat version %s\n", Version)
		return
	}

	mockMode := os.Getenv("FITCHAT_MOCK_BACKEND") == "1"

	if err := config.EnsureDefaultConfig(); err != nil {
		log.Fatalf("Failed to ensure default config: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil && !mockMode {
		// The mock backend needs no URL, so validation failures are
		// tolerated in mock mode; defaults are already applied.
		log.Fatalf("Failed to load config: %v", err)
	}
	if url := strings.TrimSpace(*backendURL); url != "" {
		cfg.BackendURL = url
	}

	logger := logging.NewFileLogger(cfg.LogPath)

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer st.Close()

	var dispatcher backend.Dispatcher
	var exchanger backend.Exchanger
	if mockMode {
		logger.Println("FITCHAT_MOCK_BACKEND=1 detected; using mock backend")
		mock := mockbackend.New()
		dispatcher, exchanger = mock, mock
	} else {
		client := backend.NewClient(cfg.BackendURL, cfg.RequestTimeout(), logger)
		dispatcher, exchanger = client, client
	}

	// The UI is attached after construction; the observer closure keeps
	// the machine decoupled from it.
	var app *App
	machine, err := chat.New(st, dispatcher, logger, chat.Options{
		OnAppend: func(msg chat.Message) {
			if app != nil {
				app.printMessage(msg)
			}
		},
	})
	if err != nil {
		log.Fatalf("Failed to init conversation: %v", err)
	}

	links := fitbit.NewManager(st, exchanger, machine, fitbit.Config{
		AuthURL:     cfg.FitbitAuthURL,
		ClientID:    cfg.FitbitClientID,
		RedirectURI: cfg.RedirectURI,
		Scopes:      cfg.FitbitScopes,
	}, logger)
	machine.SetWearable(links)

	app = newApp(machine, links, cfg.HistoryPath)

	if *promptFlag != "" {
		if err := runOneShot(machine, *promptFlag); err != nil {
			log.Fatalf("Prompt failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Localhost listener for the Fitbit authorization redirect. A busy
	// port is not fatal; :callback <url> still works.
	callback, err := startCallbackServer(cfg.CallbackPort, logger, func(rawURL string) bool {
		handled, cbErr := links.HandleAuthorizationResponse(ctx, rawURL)
		if cbErr != nil {
			logger.Printf("callback rejected: %v", cbErr)
		}
		return handled
	})
	if err != nil {
		logger.Printf("callback listener unavailable: %v", err)
		fmt.Println("Note: the Fitbit redirect listener could not start; use :callback <url> after authorizing.")
	} else {
		defer callback.Shutdown()
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("fitchat failed: %v", err)
	}
	fmt.Println("Goodbye.")
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// runOneShot sends one message and exits. A recovery question cannot
// resolve its data-source decision non-interactively, so it is reported
// instead of dispatched.
func runOneShot(machine *chat.Machine, text string) error {
	ctx := context.Background()
	if err := machine.Submit(ctx, text); err != nil {
		return err
	}
	if machine.Phase() == chat.PhaseAwaitingDataSource {
		machine.CancelDataSource()
		return fmt.Errorf("recovery questions need a data-source choice; run interactively")
	}
	return nil
}

func openBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "linux":
		cmd = "xdg-open"
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler"}
	case "darwin":
		cmd = "open"
	default:
		return
	}

	args = append(args, url)
	exec.Command(cmd, args...).Start()
}
