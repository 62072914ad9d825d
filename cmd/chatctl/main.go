package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"relaychat/internal/config"
	"relaychat/internal/core"
	"relaychat/internal/fakeserver"
	"relaychat/internal/protocol"
	"relaychat/internal/state"
	"relaychat/internal/transport"
)

const ChatCtlVersion = "0.0.1"

// how long commands wait for the server to sync
const syncTimeout = 10 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Chat control.

Settings come from .env and the environment (CHAT_WS_URL, CHAT_API_URL,
CHAT_DATA_DIR, ...). Credentials saved by login are reused by the other
commands.

Usage:
    chatctl login <username> <password>
    chatctl register <username> <email> <password>
    chatctl logout
    chatctl conversations
    chatctl tail <conversation_id>
    chatctl send <conversation_id> <message>
    chatctl serve [--addr=<addr>] [--data_dir=<data_dir>] [--user=<user>...]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --addr=<addr>            Listen address [default: 127.0.0.1:8000].
    --data_dir=<data_dir>    Persist served messages here.
    --user=<user>            Seed an account, as name:password.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}
	// docopt owns the arguments, glog keeps its flag defaults
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if login_, _ := opts.Bool("login"); login_ {
		err = login(opts)
	} else if register_, _ := opts.Bool("register"); register_ {
		err = register(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		err = logout(opts)
	} else if conversations_, _ := opts.Bool("conversations"); conversations_ {
		err = conversations(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		err = tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		err = send(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

// consoleView prints what a chat window would render.
type consoleView struct {
	core.NopView
}

func formatMessage(m protocol.Message) string {
	body := m.Text
	if m.FileURL != "" {
		body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.Type, m.FileName, m.Text))
	}
	at := time.UnixMilli(m.CreatedAt).Format("15:04:05")
	return fmt.Sprintf("%s %s %s: %s", at, m.ConversationID, m.SenderID, body)
}

func (consoleView) RenderMessages(conversationID string, messages []protocol.Message) {
	for _, m := range messages {
		Out.Printf("%s\n", formatMessage(m))
	}
}

func (consoleView) AppendMessage(conversationID string, message protocol.Message) {
	Out.Printf("%s\n", formatMessage(message))
}

func (consoleView) Notify(notice core.Notice) {
	Err.Printf("%s: %s\n", notice.Level, notice.Text)
}

func (consoleView) ShowStatus(connState transport.ConnState) {
	glog.V(1).Infof("[ctl]status %s\n", connState)
}

func (consoleView) ShowLogin() {
	Err.Printf("session ended, run `chatctl login`\n")
}

func newEngine() (*core.Engine, error) {
	return core.NewEngine(config.Load(), consoleView{})
}

// resume starts the saved session.
func resume(ctx context.Context, e *core.Engine) error {
	resumed, err := e.Resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		return errors.New("not logged in, run `chatctl login`")
	}
	return nil
}

// waitForConversation blocks until the conversation list contains the id.
func waitForConversation(ctx context.Context, e *core.Engine, conversationID string) error {
	err := waitFor(ctx, e.Store, func(s state.State) bool {
		_, found := s.Conversation(conversationID)
		return found
	})
	if err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return nil
}

// waitFor blocks until cond holds for the store state.
func waitFor(ctx context.Context, store *state.Store, cond func(state.State) bool) error {
	ready := make(chan struct{})
	var once sync.Once
	unsubscribe := store.Subscribe(func(s state.State) {
		if cond(s) {
			once.Do(func() { close(ready) })
		}
	})
	defer unsubscribe()
	if cond(store.GetState()) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for server: %w", ctx.Err())
	}
}

func login(opts docopt.Opts) error {
	username, _ := opts.String("<username>")
	password, _ := opts.String("<password>")

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Login(context.Background(), username, password); err != nil {
		return err
	}
	Out.Printf("logged in as %s\n", e.Store.GetState().UserID())
	return nil
}

func register(opts docopt.Opts) error {
	username, _ := opts.String("<username>")
	email, _ := opts.String("<email>")
	password, _ := opts.String("<password>")

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	result, err := e.Register(context.Background(), username, email, password)
	if err != nil {
		return err
	}
	Out.Printf("registered %s\n", result.UserID)
	return nil
}

func logout(opts docopt.Opts) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	e.Logout()
	return nil
}

func conversations(opts docopt.Opts) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()
	if err := resume(ctx, e); err != nil {
		return err
	}
	// an account without conversations never fills the list
	if err := waitFor(ctx, e.Store, func(s state.State) bool { return 0 < len(s.Conversations) }); err != nil {
		Out.Printf("no conversations\n")
		return nil
	}

	for _, conv := range e.Store.GetState().Conversations {
		name := conv.Name
		if name == "" {
			name = strings.Join(conv.ParticipantIDs, ", ")
		}
		last := ""
		if conv.LastMessage != nil {
			last = conv.LastMessage.Text
		}
		Out.Printf("%s\t%s\t%s\t%s\n", conv.ID, conv.Kind, name, last)
	}
	return nil
}

func tail(opts docopt.Opts) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	if err := resume(ctx, e); err != nil {
		return err
	}

	conversationID, _ := opts.String("<conversation_id>")
	if err := waitForConversation(ctx, e, conversationID); err != nil {
		return err
	}
	if err := e.Controller.SelectConversation(conversationID); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func send(opts docopt.Opts) error {
	conversationID, _ := opts.String("<conversation_id>")
	text, _ := opts.String("<message>")

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := context.Background()
	if err := resume(ctx, e); err != nil {
		return err
	}
	if err := waitForConversation(ctx, e, conversationID); err != nil {
		return err
	}

	sent, err := e.Controller.SendText(conversationID, text)
	if err != nil {
		return err
	}
	// the ack replaces the client id
	err = waitFor(ctx, e.Store, func(s state.State) bool {
		for _, m := range s.Messages[conversationID] {
			if m.ID == sent.ID {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	Out.Printf("sent\n")
	return nil
}

func serve(opts docopt.Opts) error {
	addr, _ := opts.String("--addr")
	settings := fakeserver.DefaultSettings()
	if dataDir, err := opts.String("--data_dir"); err == nil {
		settings.DataDir = dataDir
	}

	s, err := fakeserver.NewServer(settings)
	if err != nil {
		return err
	}
	defer s.Close()

	users, _ := opts["--user"].([]string)
	for _, user := range users {
		name, password, ok := strings.Cut(user, ":")
		if !ok {
			return fmt.Errorf("--user=%s: expected name:password", user)
		}
		s.AddUser(name, password)
	}

	server := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		server.Close()
	}()

	Out.Printf("serving on %s (ws %s)\n", addr, fakeserver.WsURL("http://"+addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
