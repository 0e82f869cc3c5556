package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"fitchat/internal/chat"
	"fitchat/internal/fitbit"
	"fitchat/internal/logging"
)

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "Show available commands"},
	{Text: ":login", Description: "Store your session token (:login <jwt>)"},
	{Text: ":logout", Description: "Clear the session and all local state"},
	{Text: ":link", Description: "Link your Fitbit account"},
	{Text: ":callback", Description: "Paste the Fitbit redirect URL (:callback <url>)"},
	{Text: ":unlink", Description: "Unlink your Fitbit account"},
	{Text: ":status", Description: "Show session, consent and Fitbit link state"},
	{Text: ":clear", Description: "Clear the conversation"},
	{Text: ":quit", Description: "Exit fitchat"},
}

// presetQuestions are the quick prompts from the original deployment,
// surfaced as completions for an empty composer.
var presetQuestions = []prompt.Suggest{
	{Text: "Hello! What's this application about?"},
	{Text: "Suggest some back workouts"},
	{Text: "Give me a diet plan for muscle gain"},
	{Text: "I want to grow my arms. Suggest a training plan"},
	{Text: "How is my recovery today?"},
	{Text: "How should I recover after a leg workout?"},
}

const consentText = `Consent for Secure Multi-Agent Assistance

This application uses internal agents (Trainer, Nutrition, Recovery) to
generate personalized responses. By continuing, you agree to let these
agents read your input messages so they can collaborate and respond.

We are integrated with Fitbit to generate personalized recovery
suggestions. If linked, agents may read your Fitbit data (activity,
sleep, heart rate, profile) strictly for insights. Your data will not
be modified.

Type "agree" to continue, or anything else to stay read-only.`

const recoveryPrompt = `Recovery data source: choose how to provide recovery data for this query.
  fitbit                      use your linked Fitbit data
  manual [sleep] [protein]    enter sleep hours and protein grams manually
  cancel                      drop the question`

// App wires the state machine, the link manager and the terminal UI.
type App struct {
	machine *chat.Machine
	links   *fitbit.Manager
	render  *glamour.TermRenderer
	isTTY   bool
	history *inputHistory

	consentShown bool
}

func newApp(machine *chat.Machine, links *fitbit.Manager, historyPath string) *App {
	var renderer *glamour.TermRenderer
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(0),
		); err == nil {
			renderer = r
		}
	}
	return &App{
		machine: machine,
		links:   links,
		render:  renderer,
		isTTY:   term.IsTerminal(int(os.Stdin.Fd())),
		history: loadInputHistory(historyPath),
	}
}

// printMessage renders one transcript entry as it is appended.
func (a *App) printMessage(msg chat.Message) {
	switch {
	case msg.IsThinking():
		fmt.Println("(thinking...)")
	case msg.IsUser:
		fmt.Printf("You: %s\n", msg.Text)
	default:
		a.printAgent(msg.Text)
	}
}

func (a *App) printAgent(text string) {
	if a.render != nil {
		if out, err := a.render.Render(text); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Printf("Agent: %s\n", text)
}

type promptExit struct{}

// Run starts the interactive loop and blocks until exit.
func (a *App) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fmt.Println("Welcome to fitchat, your fitness agent in the terminal.")
	fmt.Println("Type ':help' for commands. Send a message to talk to the agent.")

	if a.machine.SessionToken() == "" {
		fmt.Println("\nNo session found. Log in on the web app, copy your token and run :login <jwt>.")
	} else if msgs := a.machine.Messages(); len(msgs) > 0 {
		fmt.Printf("(loaded %d conversation messages)\n", len(msgs))
	}
	a.maybeShowConsent()

	var restore func()
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if st, terr := term.GetState(fd); terr == nil {
			restore = func() { _ = term.Restore(fd, st) }
		}
	}
	if restore != nil {
		defer restore()
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()

	executor := func(in string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in)
		if line == "" {
			return
		}
		a.history.Add(line)
		if exit := a.handleLine(ctx, line); exit {
			exitRequested.Store(true)
			cancel()
			panic(promptExit{})
		}
	}

	p := prompt.New(
		executor,
		a.completer,
		prompt.OptionHistory(a.history.Entries()),
		prompt.OptionTitle("fitchat"),
		prompt.OptionLivePrefix(func() (string, bool) {
			switch {
			case !a.machine.ConsentGranted():
				return "consent> ", true
			case a.machine.Phase() == chat.PhaseAwaitingDataSource:
				return "recovery> ", true
			}
			return "> ", true
		}),
		prompt.OptionAddKeyBind(
			prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(buf *prompt.Buffer) {
					exitRequested.Store(true)
					cancel()
					panic(promptExit{})
				},
			},
			prompt.KeyBind{
				Key: prompt.ControlD,
				Fn: func(buf *prompt.Buffer) {
					if buf.Text() == "" {
						exitRequested.Store(true)
						cancel()
						panic(promptExit{})
					}
				},
			},
		),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			if exitRequested.Load() {
				return true
			}
			select {
			case <-ctx.Done():
				return true
			default:
				return false
			}
		}),
	)

	p.Run()
	return nil
}

func (a *App) completer(doc prompt.Document) []prompt.Suggest {
	text := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
	if strings.HasPrefix(text, ":") {
		return prompt.FilterHasPrefix(commandSuggestions, doc.GetWordBeforeCursor(), true)
	}
	if text == "" {
		return nil
	}
	return prompt.FilterHasPrefix(presetQuestions, text, true)
}

// handleLine routes one input line. Returns true to exit.
func (a *App) handleLine(ctx context.Context, line string) bool {
	if strings.HasPrefix(line, ":") {
		return a.handleCommand(ctx, line)
	}

	if !a.machine.ConsentGranted() {
		a.handleConsentAnswer(line)
		return false
	}

	if a.machine.Phase() == chat.PhaseAwaitingDataSource {
		a.handleDataSourceAnswer(ctx, line)
		return false
	}

	if err := a.machine.Submit(ctx, line); err != nil {
		a.reportSubmitError(err)
		return false
	}
	if a.machine.Phase() == chat.PhaseAwaitingDataSource {
		fmt.Println(recoveryPrompt)
	}
	return false
}

func (a *App) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case ":quit", ":exit", ":q":
		return true
	case ":help":
		fmt.Println("Commands:")
		for _, s := range commandSuggestions {
			fmt.Printf("  %-10s %s\n", s.Text, s.Description)
		}
	case ":login":
		if len(args) != 1 {
			fmt.Println("Usage: :login <jwt>")
			return false
		}
		if err := a.machine.Login(args[0]); err != nil {
			logging.ErrorLog("login failed: %v", err)
			return false
		}
		fmt.Println("Session stored.")
		a.maybeShowConsent()
	case ":logout":
		if err := a.machine.Logout(); err != nil {
			logging.ErrorLog("logout failed: %v", err)
			return false
		}
		a.consentShown = false
		fmt.Println("Logged out. All local state cleared.")
	case ":link":
		if a.machine.SessionToken() == "" {
			fmt.Println("You are not logged in. Run :login <jwt> first.")
			return false
		}
		if a.links.Linked() {
			fmt.Println("Fitbit is already linked. Use :unlink first to relink.")
			return false
		}
		authURL, err := a.links.StartLink()
		if err != nil {
			logging.ErrorLog("start link failed: %v", err)
			return false
		}
		fmt.Println("Open this URL to authorize Fitbit access:")
		fmt.Println(authURL)
		fmt.Println("After approving you will be redirected back automatically.")
		fmt.Println("If the redirect cannot reach this machine, paste the URL with :callback <url>.")
		go openBrowser(authURL)
	case ":callback":
		if len(args) != 1 {
			fmt.Println("Usage: :callback <redirect-url>")
			return false
		}
		handled, err := a.links.HandleAuthorizationResponse(ctx, args[0])
		if !handled {
			fmt.Println("That URL carries no authorization code.")
		} else if err != nil {
			logging.ErrorLog("callback rejected: %v", err)
		}
	case ":unlink":
		if !a.links.Linked() {
			fmt.Println("Fitbit is not linked.")
			return false
		}
		if err := a.links.Unlink(); err != nil {
			logging.ErrorLog("unlink failed: %v", err)
		}
	case ":status":
		a.printStatus()
	case ":clear":
		if err := a.machine.Clear(ctx); err != nil {
			logging.ErrorLog("clear failed: %v", err)
			fmt.Println("Could not clear the conversation; transcript kept.")
			return false
		}
		fmt.Println("Conversation cleared.")
	default:
		fmt.Printf("Unknown command %s. Type :help for a list.\n", cmd)
	}
	return false
}

func (a *App) maybeShowConsent() {
	if a.machine.SessionToken() == "" || a.machine.ConsentGranted() || a.consentShown {
		return
	}
	fmt.Println()
	fmt.Println(consentText)
	a.consentShown = true
}

func (a *App) handleConsentAnswer(line string) {
	switch strings.ToLower(line) {
	case "agree", "i agree", "yes", "y":
		if err := a.machine.GrantConsent(); err != nil {
			logging.ErrorLog("consent persist failed: %v", err)
		}
	default:
		fmt.Println(`Consent not granted. Type "agree" to enable the agents.`)
	}
}

func (a *App) handleDataSourceAnswer(ctx context.Context, line string) {
	fields := strings.Fields(strings.ToLower(line))
	switch fields[0] {
	case "fitbit":
		if err := a.machine.ChooseFitbit(ctx); err != nil {
			logging.ErrorLog("fitbit dispatch failed: %v", err)
		}
	case "manual":
		var sleepHours, proteinGrams *float64
		if len(fields) > 1 {
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				sleepHours = &v
			}
		}
		if len(fields) > 2 {
			if v, err := strconv.ParseFloat(fields[2], 64); err == nil {
				proteinGrams = &v
			}
		}
		if err := a.machine.ChooseManual(ctx, sleepHours, proteinGrams); err != nil {
			logging.ErrorLog("manual dispatch failed: %v", err)
		}
	case "cancel":
		a.machine.CancelDataSource()
		fmt.Println("Dropped.")
	default:
		fmt.Println(recoveryPrompt)
	}
}

func (a *App) reportSubmitError(err error) {
	switch {
	case errors.Is(err, chat.ErrAuthMissing):
		fmt.Println("You are not logged in. Run :login <jwt> first.")
	case errors.Is(err, chat.ErrConsentRequired):
		a.consentShown = false
		a.maybeShowConsent()
	case errors.Is(err, chat.ErrBusy):
		fmt.Println("(still waiting for the agent, hold on)")
	case errors.Is(err, chat.ErrDecisionPending):
		fmt.Println(recoveryPrompt)
	default:
		logging.ErrorLog("send failed: %v", err)
	}
}

func (a *App) printStatus() {
	session := "absent"
	if a.machine.SessionToken() != "" {
		session = "present"
	}
	linked := "not linked"
	if a.links.Linked() {
		linked = "linked"
	}
	consent := "not granted"
	if a.machine.ConsentGranted() {
		consent = "granted"
	}
	fmt.Printf("Session: %s · Consent: %s · Fitbit: %s · Messages: %d\n",
		session, consent, linked, len(a.machine.Messages()))
}
