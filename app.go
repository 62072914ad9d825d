package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"relaychat/internal/config"
	"relaychat/internal/core"
	"relaychat/internal/protocol"
	"relaychat/internal/state"
	"relaychat/internal/transport"
)

// App is the desktop shell. It renders through frontend events and forwards
// user intents to the engine.
type App struct {
	ctx    context.Context
	cfg    *config.Config
	engine *core.Engine
}

var _ core.View = (*App)(nil)

func NewApp(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	engine, err := core.NewEngine(a.cfg, a)
	if err != nil {
		glog.Errorf("[app]engine error = %s\n", err)
		return
	}
	a.engine = engine
	a.engine.API.OnProgress = func(p float64) {
		runtime.EventsEmit(a.ctx, "on_transfer_progress", p*100)
	}
	a.engine.Store.Subscribe(a.onState)
}

func (a *App) shutdown(ctx context.Context) {
	if a.engine != nil {
		a.engine.Close()
	}
}

// conversationsView is what the sidebar renders.
type conversationsView struct {
	Conversations        []protocol.Conversation `json:"conversations"`
	ActiveConversationID string                  `json:"active_conversation_id"`
}

func (a *App) onState(s state.State) {
	runtime.EventsEmit(a.ctx, "on_conversations", conversationsView{
		Conversations:        s.Conversations,
		ActiveConversationID: s.ActiveConversationID,
	})
}

// View

func (a *App) RenderMessages(conversationID string, messages []protocol.Message) {
	runtime.EventsEmit(a.ctx, "on_messages", conversationID, messages)
}

func (a *App) AppendMessage(conversationID string, message protocol.Message) {
	runtime.EventsEmit(a.ctx, "on_new_msg", conversationID, message)
}

func (a *App) ReplaceMessage(conversationID string, previousID string, message protocol.Message) {
	runtime.EventsEmit(a.ctx, "on_replace_msg", conversationID, previousID, message)
}

func (a *App) ClearMessages() {
	runtime.EventsEmit(a.ctx, "on_clear_msgs")
}

func (a *App) RenderHeader(conversation *protocol.Conversation) {
	runtime.EventsEmit(a.ctx, "on_header", conversation)
}

func (a *App) Notify(notice core.Notice) {
	runtime.EventsEmit(a.ctx, "on_notice", notice)
}

func (a *App) ShowSearchResults(results protocol.SearchResults) {
	runtime.EventsEmit(a.ctx, "on_search_results", results)
}

func (a *App) ShowFriends(friends []protocol.User) {
	runtime.EventsEmit(a.ctx, "on_friends", friends)
}

func (a *App) ShowFriendRequests(requests protocol.FriendRequests) {
	runtime.EventsEmit(a.ctx, "on_friend_requests", requests)
}

func (a *App) ShowPresence(update protocol.PresenceUpdate) {
	runtime.EventsEmit(a.ctx, "on_presence", update)
}

func (a *App) ShowStatus(connState transport.ConnState) {
	runtime.EventsEmit(a.ctx, "on_status_change", map[string]any{
		"status": connState.String(),
		"online": connState == transport.StateOpen,
	})
}

func (a *App) ShowLogin() {
	runtime.EventsEmit(a.ctx, "on_login_required")
}

// Intents

// errText is the binding convention for the frontend: "" means success.
func errText(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

// CheckAutoLogin resumes a saved session, if any.
func (a *App) CheckAutoLogin() *protocol.Session {
	if a.engine == nil {
		return nil
	}
	resumed, err := a.engine.Resume(a.ctx)
	if err != nil || !resumed {
		return nil
	}
	return a.engine.Store.GetState().Session
}

func (a *App) Login(username string, password string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Login(a.ctx, username, password))
}

func (a *App) Register(username string, email string, password string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	_, err := a.engine.Register(a.ctx, username, email, password)
	return errText(err)
}

func (a *App) Logout() {
	if a.engine != nil {
		a.engine.Logout()
	}
}

// WipeData logs out and removes everything under the data directory.
func (a *App) WipeData() {
	if a.engine != nil {
		a.engine.Logout()
		a.engine.Close()
		a.engine = nil
	}
	os.RemoveAll(a.cfg.DataDir)
	runtime.Quit(a.ctx)
}

func (a *App) SelectConversation(conversationID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.SelectConversation(conversationID))
}

func (a *App) SendMessage(conversationID string, text string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	_, err := a.engine.Controller.SendText(conversationID, text)
	return errText(err)
}

func (a *App) SelectAndUpload(conversationID string) {
	if a.engine == nil {
		return
	}
	file, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{Title: "Select File"})
	if err != nil || file == "" {
		return
	}

	go func() {
		data, err := os.ReadFile(file)
		if err != nil {
			a.Notify(core.Notice{Level: core.NoticeError, Code: "upload_failed", Text: err.Error()})
			return
		}
		// failures are reported through Notify
		a.engine.Controller.SendFile(a.ctx, conversationID, filepath.Base(file), data, "")
	}()
}

func (a *App) DownloadFile(fileURL string, name string) {
	if a.engine == nil {
		return
	}
	save, err := runtime.SaveFileDialog(a.ctx, runtime.SaveDialogOptions{DefaultFilename: name})
	if err != nil || save == "" {
		return
	}

	go func() {
		data, err := a.engine.API.Download(a.ctx, a.engine.AccessToken(), fileURL)
		if err == nil {
			err = os.WriteFile(save, data, 0644)
		}
		if err != nil {
			a.Notify(core.Notice{Level: core.NoticeError, Code: "download_failed", Text: err.Error()})
		}
	}()
}

func (a *App) OpenDirect(otherUserID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.OpenDirect(otherUserID))
}

func (a *App) CreateGroup(name string, memberIDs []string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.CreateGroup(name, memberIDs))
}

func (a *App) AddMember(conversationID string, memberID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.AddMember(conversationID, memberID))
}

func (a *App) RemoveMember(conversationID string, memberID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.RemoveMember(conversationID, memberID))
}

func (a *App) UpdateGroupInfo(conversationID string, name string, avatar string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.UpdateGroupInfo(conversationID, name, avatar))
}

func (a *App) DeleteConversation(conversationID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.DeleteConversation(conversationID))
}

func (a *App) PinMessage(conversationID string, messageID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.PinMessage(conversationID, messageID))
}

func (a *App) UnpinMessage(conversationID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.UnpinMessage(conversationID))
}

func (a *App) SearchUsers(query string) []protocol.User {
	if a.engine == nil {
		return nil
	}
	results, err := a.engine.Controller.SearchUsers(a.ctx, query)
	if err != nil {
		return nil
	}
	return results.Users
}

func (a *App) RefreshFriends() string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.RefreshFriends())
}

func (a *App) SendFriendRequest(toUserID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.SendFriendRequest(toUserID))
}

func (a *App) AcceptFriendRequest(fromUserID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.AcceptFriendRequest(fromUserID))
}

func (a *App) RejectFriendRequest(fromUserID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.RejectFriendRequest(fromUserID))
}

func (a *App) MarkSeen(conversationID string, messageID string) string {
	if a.engine == nil {
		return "engine not ready"
	}
	return errText(a.engine.Controller.MarkSeen(conversationID, messageID))
}
