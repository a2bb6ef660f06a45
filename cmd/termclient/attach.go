package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/remote-agent-terminal/termmux/internal/client"
	"github.com/remote-agent-terminal/termmux/internal/client/tabstore"
	"github.com/remote-agent-terminal/termmux/internal/log"
)

const clearScreen = "\x1b[H\x1b[2J"

// runAttach is the interactive tab bar. The focused tab owns the terminal;
// Ctrl-] followed by n/p/c/x/q switches, opens, closes or leaves.
func runAttach(ctx context.Context, cfg clientConfig) error {
	in := int(os.Stdin.Fd())
	out := int(os.Stdout.Fd())
	if !term.IsTerminal(in) || !term.IsTerminal(out) {
		return errors.New("attach needs an interactive terminal")
	}

	// Raw mode owns the terminal, so logs go to a file or nowhere.
	closeLog, err := setupClientLog(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	states, err := tabstore.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer states.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	tr, err := client.Dial(ctx, cfg.Server, cfg.Token, client.Options{})
	if err != nil {
		return err
	}
	defer tr.Close()

	cols, rows, err := term.GetSize(out)
	if err != nil {
		return fmt.Errorf("failed to read terminal size: %w", err)
	}

	store := client.NewStore(tr, client.StoreOptions{
		Profile: cfg.Profile,
		States:  states,
		Cols:    uint16(cols),
		Rows:    uint16(rows),
		OnFocus: func(prev, next client.Emulator) {
			if e, ok := prev.(*client.ScrollbackEmulator); ok {
				e.Show(nil)
			}
			io.WriteString(os.Stdout, clearScreen)
			if e, ok := next.(*client.ScrollbackEmulator); ok {
				e.Show(os.Stdout)
			}
		},
	})
	store.SetOnChange(func() { writeTitle(os.Stdout, store) })

	oldState, err := term.MakeRaw(in)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(in, oldState)

	runErr := make(chan error, 1)
	go func() { runErr <- store.Run(ctx) }()

	if err := store.Restore(ctx); err != nil {
		return err
	}
	if len(store.Tabs()) == 0 {
		if _, err := store.Open(ctx, "", ""); err != nil {
			return err
		}
	}

	go watchResize(ctx, out, store)

	quit := make(chan struct{})
	go readKeys(ctx, os.Stdin, store, quit)

	var result error
	select {
	case <-ctx.Done():
	case <-quit:
	case err := <-runErr:
		result = err
	}

	if err := store.Persist(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to save tabs")
	}
	io.WriteString(os.Stdout, "\r\n")
	return result
}

func setupClientLog(cfg clientConfig) (func(), error) {
	if cfg.LogFile == "" {
		log.SetOutput(io.Discard)
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetLevel(cfg.LogLevel)
	return func() { f.Close() }, nil
}

func watchResize(ctx context.Context, fd int, store *client.Store) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			cols, rows, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if err := store.Resize(uint16(cols), uint16(rows)); err != nil {
				log.Debug().Err(err).Msg("resize not sent")
			}
		}
	}
}

func readKeys(ctx context.Context, r io.Reader, store *client.Store, quit chan<- struct{}) {
	defer close(quit)

	var keys keyReader
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		for _, chunk := range keys.feed(buf[:n]) {
			if chunk.act == actNone {
				if err := store.Input(chunk.data); err != nil {
					log.Debug().Err(err).Msg("input dropped")
				}
				continue
			}
			if done := runAction(ctx, store, chunk.act); done {
				return
			}
		}
	}
}

// runAction applies a prefix command and reports whether to leave.
func runAction(ctx context.Context, store *client.Store, act action) bool {
	var err error
	switch act {
	case actNext:
		err = store.Next(ctx)
	case actPrev:
		err = store.Prev(ctx)
	case actNew:
		_, err = store.Open(ctx, "", "")
	case actClose:
		if tab, ok := store.Focused(); ok {
			err = store.CloseTab(ctx, tab.SessionID)
		}
		if len(store.Tabs()) == 0 {
			return true
		}
	case actQuit:
		return true
	}
	if err != nil {
		log.Warn().Err(err).Int("action", int(act)).Msg("tab command failed")
	}
	return false
}

// writeTitle puts the tab bar in the terminal title.
func writeTitle(w io.Writer, store *client.Store) {
	fmt.Fprintf(w, "\x1b]0;%s\x07", tabBar(store.Tabs(), store.Status()))
}

func tabBar(tabs []client.Tab, status client.Status) string {
	bar := ""
	for i, t := range tabs {
		name := t.Title
		if name == "" {
			name = fmt.Sprintf("%d", i+1)
		}
		switch {
		case t.Gone:
			name += " (gone)"
		case t.Exited:
			name += " (exited)"
		case t.Detached != "":
			name += " (" + t.Detached + ")"
		}
		if t.Focused {
			name = "[" + name + "]"
		}
		if i > 0 {
			bar += " "
		}
		bar += name
	}
	if status != client.StatusConnected {
		bar += " - " + status.String()
	}
	return bar
}
