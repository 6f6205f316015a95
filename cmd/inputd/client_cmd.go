package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/inputd/internal/api"
	"github.com/mattjoyce/inputd/internal/channel"
	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/lock"
	"github.com/mattjoyce/inputd/internal/storage"
	"github.com/mattjoyce/inputd/internal/tui"
)

const defaultAPIURL = "http://localhost:8080"

func runInjectNoun(args []string) int {
	if len(args) < 1 {
		printInjectHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printInjectHelp(os.Stdout)
		return 0
	}

	kind := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printInjectHelp(os.Stdout)
		return 0
	}

	switch kind {
	case "key":
		return runInjectKey(actionArgs)
	case "motion":
		return runInjectMotion(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown inject kind: %s\n", kind)
		return 1
	}
}

func printInjectHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: inputd inject key --code N [--action down|up] [common flags]")
	fmt.Fprintln(w, "       inputd inject motion --x X --y Y [--action down|move|up] [--source touchscreen|mouse] [common flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Common flags:")
	fmt.Fprintln(w, "  --sync MODE      none, wait_for_result or wait_for_finished (default wait_for_result)")
	fmt.Fprintln(w, "  --timeout DUR    How long a synchronous injection may wait (default 5s)")
	fmt.Fprintln(w, "  --api-url URL    Dispatcher API URL (default: http://localhost:8080)")
	fmt.Fprintln(w, "  --api-key KEY    API Bearer Token (or INPUTD_API_KEY env var)")
}

type injectFlags struct {
	apiURL  *string
	apiKey  *string
	sync    *string
	timeout *time.Duration
}

func addInjectFlags(fs *flag.FlagSet) injectFlags {
	return injectFlags{
		apiURL:  fs.String("api-url", defaultAPIURL, "Dispatcher API URL"),
		apiKey:  fs.String("api-key", os.Getenv("INPUTD_API_KEY"), "API Bearer Token"),
		sync:    fs.String("sync", "wait_for_result", "Sync mode"),
		timeout: fs.Duration("timeout", 5*time.Second, "Synchronous injection timeout"),
	}
}

func (f injectFlags) request() (api.InjectRequest, error) {
	if *f.apiKey == "" {
		return api.InjectRequest{}, errors.New("API key required. Use --api-key or INPUTD_API_KEY env var")
	}
	if _, err := input.ParseSyncMode(*f.sync); err != nil {
		return api.InjectRequest{}, err
	}
	return api.InjectRequest{Sync: *f.sync, TimeoutMS: f.timeout.Milliseconds()}, nil
}

func runInjectKey(args []string) int {
	fs := flag.NewFlagSet("inject key", flag.ContinueOnError)
	common := addInjectFlags(fs)
	code := fs.Int("code", -1, "Key code")
	action := fs.String("action", "down", "down or up")
	meta := fs.Int("meta", 0, "Meta state bits")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *code < 0 {
		fmt.Fprintln(os.Stderr, "Error: --code is required")
		return 1
	}

	req, err := common.request()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ev := &input.KeyEvent{Source: input.SourceKeyboard, KeyCode: int32(*code), MetaState: int32(*meta)}
	switch *action {
	case "down":
		ev.Action = input.KeyActionDown
	case "up":
		ev.Action = input.KeyActionUp
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown key action %q\n", *action)
		return 1
	}
	req.Key = ev

	return postInject(*common.apiURL, *common.apiKey, req)
}

func runInjectMotion(args []string) int {
	fs := flag.NewFlagSet("inject motion", flag.ContinueOnError)
	common := addInjectFlags(fs)
	x := fs.Float64("x", 0, "X coordinate")
	y := fs.Float64("y", 0, "Y coordinate")
	action := fs.String("action", "down", "down, move, up or cancel")
	source := fs.String("source", "touchscreen", "touchscreen, mouse or trackball")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	req, err := common.request()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ev := &input.MotionEvent{
		PointerIDs: []int32{0},
		Samples: []input.MotionSample{{
			Coords: []input.PointerCoords{{X: float32(*x), Y: float32(*y), Pressure: 1, Size: 1}},
		}},
		XPrecision: 1,
		YPrecision: 1,
	}
	switch *action {
	case "down":
		ev.Action = input.MotionActionDown
	case "move":
		ev.Action = input.MotionActionMove
	case "up":
		ev.Action = input.MotionActionUp
	case "cancel":
		ev.Action = input.MotionActionCancel
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown motion action %q\n", *action)
		return 1
	}
	switch *source {
	case "touchscreen":
		ev.Source = input.SourceTouchscreen
	case "mouse":
		ev.Source = input.SourceMouse
	case "trackball":
		ev.Source = input.SourceTrackball
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown source %q\n", *source)
		return 1
	}
	req.Motion = ev

	return postInject(*common.apiURL, *common.apiKey, req)
}

func postInject(apiURL, apiKey string, req api.InjectRequest) int {
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(apiURL, "/")+"/inject", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: time.Duration(req.TimeoutMS)*time.Millisecond + 10*time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out api.InjectResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Result == "" {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			fmt.Fprintf(os.Stderr, "Injection rejected (%d): %s\n", resp.StatusCode, apiErr.Error)
		} else {
			fmt.Fprintf(os.Stderr, "Injection failed (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return 1
	}

	fmt.Printf("result: %s (sync: %s)\n", out.Result, out.Sync)
	if out.Result != input.InjectionSucceeded.String() {
		return 1
	}
	return 0
}

func printConsumeHelp() {
	fmt.Println("Usage: inputd consume --name WINDOW [--socket PATH] [--unhandled] [--count N]")
	fmt.Println("Attach to the channel socket as WINDOW and print each delivered event as JSON.")
	fmt.Println("Events are acknowledged as handled unless --unhandled is given.")
}

type consumedEvent struct {
	Kind   string             `json:"kind"`
	Key    *input.KeyEvent    `json:"key,omitempty"`
	Motion *input.MotionEvent `json:"motion,omitempty"`
}

func runConsume(args []string) int {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	socket := fs.String("socket", config.Defaults().Channels.Listen, "Channel socket path")
	name := fs.String("name", "", "Window name to bind to")
	unhandled := fs.Bool("unhandled", false, "Acknowledge events as not handled")
	count := fs.Int("count", 0, "Exit after N events (0 = run until interrupted)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := channel.Dial(ctx, *socket, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	return consumeLoop(ctx, client, os.Stdout, !*unhandled, *count)
}

type eventSource interface {
	Receive() (input.Event, error)
	Finish(handled bool) error
}

func consumeLoop(ctx context.Context, src eventSource, w io.Writer, handled bool, limit int) int {
	enc := json.NewEncoder(w)
	for n := 0; limit <= 0 || n < limit; n++ {
		ev, err := src.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return 0
			}
			fmt.Fprintf(os.Stderr, "Receive failed: %v\n", err)
			return 1
		}

		var out consumedEvent
		switch e := ev.(type) {
		case *input.KeyEvent:
			out = consumedEvent{Kind: "key", Key: e}
		case *input.MotionEvent:
			out = consumedEvent{Kind: "motion", Motion: e}
		}
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Write failed: %v\n", err)
			return 1
		}

		if err := src.Finish(handled); err != nil {
			fmt.Fprintf(os.Stderr, "Finish failed: %v\n", err)
			return 1
		}
	}
	return 0
}

func printWatchHelp() {
	fmt.Println("Usage: inputd watch [flags]")
	fmt.Println()
	fmt.Println("Real-time dispatcher monitor: connections, queue depths and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Dispatcher API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or INPUTD_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", defaultAPIURL, "Dispatcher API URL")
	apiKey := fs.String("api-key", os.Getenv("INPUTD_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or INPUTD_API_KEY env var.")
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := buildStatusReport(*configPath)

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			mark := "OK  "
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("%s %-8s %s\n", mark, c.Name, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func buildStatusReport(configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		add("config", false, err.Error())
		return report
	}
	add("config", true, fmt.Sprintf("%d window(s), log level %s", len(cfg.Policy.Windows), cfg.Service.LogLevel))

	if pid, err := lock.ReadPID(cfg.Service.PIDFile); err == nil {
		add("pidlock", true, fmt.Sprintf("held by pid %d (%s)", pid, cfg.Service.PIDFile))
	} else if errors.Is(err, os.ErrNotExist) {
		add("pidlock", true, "not running")
	} else {
		add("pidlock", false, err.Error())
	}

	if !cfg.Trace.Enabled {
		add("trace", true, "disabled")
		return report
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, cfg.Trace.Path)
	if err != nil {
		add("trace", false, err.Error())
		return report
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		add("trace", false, err.Error())
		return report
	}
	add("trace", true, "ready ("+cfg.Trace.Path+")")
	return report
}
