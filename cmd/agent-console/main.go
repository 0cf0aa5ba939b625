// ABOUTME: Interactive console binary wiring config, store, registry, and speech together
// ABOUTME: Line-based input with slash commands and subscriber-driven transcript rendering

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agent-console/internal/channel"
	"github.com/2389/agent-console/internal/config"
	"github.com/2389/agent-console/internal/conversation"
	"github.com/2389/agent-console/internal/registry"
	"github.com/2389/agent-console/internal/speech"
	"github.com/2389/agent-console/internal/store"
)

var (
	userColor   = color.New(color.FgCyan, color.Bold)
	agentColor  = color.New(color.FgGreen)
	statusColor = color.New(color.FgYellow)
	dimColor    = color.New(color.Faint)
	errColor    = color.New(color.FgRed)
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

// setupLogging configures slog per the logging section.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	broadcaster := conversation.NewBroadcaster(logger)
	defer broadcaster.Close()

	manager := channel.NewManager(cfg.Server.URL, cfg.Session.KeepAlive, logger)
	reg := registry.New(st, registry.ManagerConnector{Manager: manager}, broadcaster, logger)
	defer reg.Close()

	if err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping registry: %w", err)
	}

	c := &console{
		registry:    reg,
		broadcaster: broadcaster,
		logger:      logger,
	}

	if cfg.Speech.RecognizerURL != "" {
		c.segmenter = speech.NewSegmenter(cfg.Speech.SilenceFlush, logger)
		defer c.segmenter.Close()
		c.recorder = speech.NewRecorder(func() speech.RecognizerClient {
			return speech.NewRecognizer(cfg.Speech.RecognizerURL, logger)
		}, c.segmenter, logger)
		defer c.recorder.Stop()
		go c.watchSpeech(ctx)
	}

	go c.renderLoop(ctx)

	fmt.Printf("agent-console connected to %s\n", cfg.Server.URL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	return c.inputLoop(ctx)
}

// console binds the interactive loop to the runtime pieces.
type console struct {
	registry    *registry.Registry
	broadcaster *conversation.Broadcaster
	segmenter   *speech.Segmenter
	recorder    *speech.Recorder
	logger      *slog.Logger

	speechMu  sync.Mutex
	speechBuf []string
}

// inputLoop reads lines until the context ends or the user quits.
func (c *console) inputLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		c.printPrompt()

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
				return
			}
			if err := scanner.Err(); err != nil {
				errCh <- err
				return
			}
			errCh <- nil // EOF
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-inputCh:
			line = strings.TrimSpace(line)
			if line == "" && !c.hasPendingSpeech() {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := c.handleCommand(ctx, line); quit {
					return nil
				}
				continue
			}
			c.sendMessage(ctx, line)
		}
	}
}

func (c *console) printPrompt() {
	p, err := c.registry.Current(context.Background())
	if err != nil {
		fmt.Print("(no agent)> ")
		return
	}
	userColor.Printf("[%s]> ", p.Name)
	if pending := c.pendingSpeechText(); pending != "" {
		dimColor.Printf("%s ", pending)
	}
}

// sendMessage prefixes the typed text with any committed speech segments.
func (c *console) sendMessage(ctx context.Context, typed string) {
	c.speechMu.Lock()
	parts := c.speechBuf
	c.speechBuf = nil
	c.speechMu.Unlock()

	if typed != "" {
		parts = append(parts, typed)
	}
	text := strings.Join(parts, " ")

	sess := c.registry.Session()
	if sess == nil {
		errColor.Println("no agent selected; /new to create one")
		return
	}
	if err := sess.Send(ctx, text, nil); err != nil {
		errColor.Printf("send failed: %v\n", err)
	}
}

func (c *console) hasPendingSpeech() bool {
	c.speechMu.Lock()
	defer c.speechMu.Unlock()
	return len(c.speechBuf) > 0
}

func (c *console) pendingSpeechText() string {
	c.speechMu.Lock()
	defer c.speechMu.Unlock()
	return strings.Join(c.speechBuf, " ")
}

// handleCommand dispatches one slash command. Returns true to quit.
func (c *console) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		c.printHelp()

	case "/agents":
		c.printAgents(ctx)

	case "/new":
		p, err := c.registry.Create(ctx)
		if err != nil {
			errColor.Printf("create failed: %v\n", err)
			return false
		}
		fmt.Printf("created and switched to %s (%s)\n", p.Name, shortID(p.ID))

	case "/use":
		c.useAgent(ctx, arg)

	case "/rename":
		if arg == "" {
			errColor.Println("usage: /rename <name>")
			return false
		}
		if _, err := c.registry.Update(ctx, c.registry.CurrentID(), registry.ProfileUpdate{Name: &arg}); err != nil {
			errColor.Printf("rename failed: %v\n", err)
		}

	case "/toggle":
		c.toggleCapability(ctx, arg)

	case "/behavior":
		if _, err := c.registry.Update(ctx, c.registry.CurrentID(), registry.ProfileUpdate{Behavior: &arg}); err != nil {
			errColor.Printf("behavior update failed: %v\n", err)
		}

	case "/delete":
		if err := c.registry.Delete(ctx, c.registry.CurrentID()); err != nil {
			errColor.Printf("delete failed: %v\n", err)
		}

	case "/reset":
		if sess := c.registry.Session(); sess != nil {
			if err := sess.Reset(ctx); err != nil {
				errColor.Printf("reset failed: %v\n", err)
			}
		}

	case "/resetall":
		if err := c.registry.ResetAll(ctx); err != nil {
			errColor.Printf("reset failed: %v\n", err)
		}

	case "/record":
		if c.recorder == nil {
			errColor.Println("voice input is not configured (speech.recognizer_url)")
			return false
		}
		if err := c.recorder.Start(ctx); err != nil {
			errColor.Printf("record failed: %v\n", err)
		} else {
			statusColor.Println("recording...")
		}

	case "/stop":
		if c.recorder != nil {
			c.recorder.Stop()
		}

	case "/quit", "/exit":
		return true

	default:
		errColor.Printf("unknown command %s (/help for commands)\n", cmd)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Println(`Commands:
  /agents            list agent profiles
  /new               create a new agent and switch to it
  /use <n|id>        switch to an agent by list number or id
  /rename <name>     rename the current agent
  /toggle <cap>      toggle a capability (reply stays on)
  /behavior <text>   set the behavior directive (empty clears)
  /delete            delete the current agent
  /reset             clear the current conversation
  /resetall          wipe all agents and start over
  /record, /stop     toggle voice input
  /quit              exit`)
}

func (c *console) printAgents(ctx context.Context) {
	profiles, err := c.registry.List(ctx)
	if err != nil {
		errColor.Printf("listing failed: %v\n", err)
		return
	}
	current := c.registry.CurrentID()
	for i, p := range profiles {
		marker := "  "
		if p.ID == current {
			marker = "* "
		}
		caps := make([]string, len(p.Capabilities))
		for j, capability := range p.Capabilities {
			caps[j] = string(capability)
		}
		fmt.Printf("%s%d. %s (%s) [%s]\n", marker, i+1, p.Name, shortID(p.ID), strings.Join(caps, ","))
	}
}

// useAgent accepts either a 1-based list index or a profile id.
func (c *console) useAgent(ctx context.Context, arg string) {
	if arg == "" {
		errColor.Println("usage: /use <n|id>")
		return
	}
	id := arg
	if n, err := strconv.Atoi(arg); err == nil {
		profiles, err := c.registry.List(ctx)
		if err != nil || n < 1 || n > len(profiles) {
			errColor.Println("no such agent")
			return
		}
		id = profiles[n-1].ID
	}
	if err := c.registry.SwitchTo(ctx, id); err != nil {
		errColor.Printf("switch failed: %v\n", err)
	}
}

func (c *console) toggleCapability(ctx context.Context, arg string) {
	capability := store.Capability(arg)
	if !store.ValidCapability(capability) {
		caps := store.Catalog()
		names := make([]string, len(caps))
		for i, k := range caps {
			names[i] = string(k)
		}
		errColor.Printf("unknown capability %q (catalog: %s)\n", arg, strings.Join(names, ", "))
		return
	}

	p, err := c.registry.Current(ctx)
	if err != nil {
		errColor.Println("no agent selected")
		return
	}

	next := make([]store.Capability, 0, len(p.Capabilities)+1)
	found := false
	for _, existing := range p.Capabilities {
		if existing == capability {
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		next = append(next, capability)
	}

	if _, err := c.registry.Update(ctx, p.ID, registry.ProfileUpdate{Capabilities: next}); err != nil {
		errColor.Printf("toggle failed: %v\n", err)
	}
}

// renderLoop subscribes to the current agent's state changes and prints
// transcript and status updates, resubscribing whenever the pointer moves.
func (c *console) renderLoop(ctx context.Context) {
	registryChanges := c.registry.Subscribe(ctx)

	var (
		subCancel   context.CancelFunc
		changes     <-chan conversation.StateChange
		lastTailID  string
		lastTailLen int
	)
	subscribe := func(agentID string) {
		if subCancel != nil {
			subCancel()
		}
		if agentID == "" {
			changes = nil
			return
		}
		var subCtx context.Context
		subCtx, subCancel = context.WithCancel(ctx)
		changes, _ = c.broadcaster.Subscribe(subCtx, agentID)
		lastTailID = ""
	}
	subscribe(c.registry.CurrentID())
	defer func() {
		if subCancel != nil {
			subCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case change, ok := <-registryChanges:
			if !ok {
				return
			}
			if change.Kind == registry.ChangeCurrent {
				subscribe(change.AgentID)
			}

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			switch change.Kind {
			case conversation.ChangeTranscript:
				c.renderTail(&lastTailID, &lastTailLen)
			case conversation.ChangeStatus:
				c.renderStatus()
			case conversation.ChangeBrowsing:
				dimColor.Printf("\n[browsing %s]\n", change.URL)
			case conversation.ChangeLifecycle:
				if change.Detail != "opened" {
					statusColor.Printf("\n[channel %s]\n", change.Detail)
				}
			}
		}
	}
}

// renderTail prints the transcript tail if it is an agent message, rewriting
// the line in place while a streaming reply grows.
func (c *console) renderTail(lastID *string, lastLen *int) {
	sess := c.registry.Session()
	if sess == nil {
		return
	}
	state := sess.Snapshot()
	if len(state.Transcript) == 0 {
		return
	}
	tail := state.Transcript[len(state.Transcript)-1]
	if tail.Role != store.RoleAgent {
		return
	}

	if tail.ID == *lastID {
		// Same streaming turn: rewrite in place
		fmt.Print("\r")
		agentColor.Printf("agent: %s", tail.Text)
		if pad := *lastLen - len(tail.Text); pad > 0 {
			fmt.Print(strings.Repeat(" ", pad))
		}
		*lastLen = len(tail.Text)
		return
	}

	if *lastID != "" {
		fmt.Println()
	}
	agentColor.Printf("\nagent: %s", tail.Text)
	*lastID = tail.ID
	*lastLen = len(tail.Text)
}

func (c *console) renderStatus() {
	sess := c.registry.Session()
	if sess == nil {
		return
	}
	state := sess.Snapshot()
	if state.Searching {
		statusColor.Print("\n[searching]")
		for _, logo := range state.SearchingLogos {
			dimColor.Printf(" %s", logo)
		}
		fmt.Println()
	}
}

// watchSpeech echoes live finals and collects committed segments into the
// pending input buffer.
func (c *console) watchSpeech(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.segmenter.Live():
			dimColor.Printf("\n(heard: %s)\n", text)
		case segment := <-c.segmenter.Segments():
			c.speechMu.Lock()
			c.speechBuf = append(c.speechBuf, segment)
			c.speechMu.Unlock()
			statusColor.Printf("\n[voice] %s\n", segment)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
