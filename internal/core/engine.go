package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"relaychat/internal/api"
	"relaychat/internal/config"
	"relaychat/internal/crypto"
	"relaychat/internal/protocol"
	"relaychat/internal/state"
	"relaychat/internal/transport"
	"relaychat/internal/vault"
)

// tokens this close to expiry are refreshed before resuming
const resumeLeeway = 30 * time.Second

// Engine owns one client session: the Store, the Transport and the
// Controller wired between them, plus persisted credentials and the token
// refresher.
type Engine struct {
	Store      *state.Store
	Transport  *transport.Transport
	Controller *Controller
	API        *api.Client

	view      View
	vault     *vault.Vault
	refresher *TokenRefresher

	mu    sync.Mutex
	creds *vault.Credentials
}

// NewEngine opens the credential vault under cfg.DataDir. Nothing connects
// until Login or Resume.
func NewEngine(cfg *config.Config, view View) (*Engine, error) {
	if view == nil {
		view = NopView{}
	}
	v, err := vault.Open(cfg.VaultPath(), crypto.NewSealer(cfg.VaultSecret))
	if err != nil {
		return nil, err
	}

	settings := transport.DefaultSettings()
	settings.ReconnectDelay = cfg.ReconnectDelay
	settings.RequestTimeout = cfg.RequestTimeout
	settings.HandshakeTimeout = cfg.HandshakeTimeout

	e := &Engine{
		Store:     state.NewStore(),
		Transport: transport.NewTransport(cfg.WsURL, settings),
		API:       api.NewClient(cfg.APIURL, cfg.RequestTimeout),
		view:      view,
		vault:     v,
	}
	e.Controller = NewController(e.Store, e.Transport, view)
	e.Controller.AccessToken = e.AccessToken
	e.Controller.Uploader = e.API
	e.Controller.OnSessionInvalid = e.onSessionInvalid
	e.Transport.OnStatus = e.onStatus
	e.refresher = NewTokenRefresher(cfg.TokenRefreshInterval, e.refreshToken)
	return e, nil
}

func (e *Engine) onStatus(connState transport.ConnState) {
	glog.V(1).Infof("[engine]transport %s\n", connState)
	e.view.ShowStatus(connState)
	if connState == transport.StateOpen {
		if err := e.Controller.Authenticate(); err != nil {
			glog.Infof("[engine]auth not sent = %s\n", err)
		}
	}
}

// AccessToken is empty when logged out.
func (e *Engine) AccessToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.creds == nil {
		return ""
	}
	return e.creds.AccessToken
}

func (e *Engine) Credentials() *vault.Credentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.creds == nil {
		return nil
	}
	cp := *e.creds
	return &cp
}

func (e *Engine) Login(ctx context.Context, username string, password string) error {
	result, err := e.API.Login(ctx, username, password)
	if err != nil {
		return err
	}
	creds := &vault.Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		UserID:       result.UserID,
		Username:     result.Username,
	}
	if creds.Username == "" {
		creds.Username = username
	}
	if err := e.vault.Save(creds); err != nil {
		// the session still works, it just will not survive a restart
		glog.Infof("[engine]cannot persist credentials = %s\n", err)
	}
	e.startSession(creds)
	return nil
}

func (e *Engine) Register(ctx context.Context, username string, email string, password string) (*api.RegisterResult, error) {
	return e.API.Register(ctx, username, email, password)
}

// Resume starts a session from persisted credentials. It returns false with
// no error when there is nothing to resume.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	creds, err := e.vault.Load()
	if errors.Is(err, vault.ErrNoCredentials) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	claims, err := api.ParseClaimsUnverified(creds.AccessToken)
	if err != nil || claims.Expired(time.Now(), resumeLeeway) {
		token, err := e.API.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			glog.Infof("[engine]cannot refresh saved session = %s\n", err)
			e.vault.Clear()
			return false, fmt.Errorf("resume session: %w", err)
		}
		creds.AccessToken = token
		if err := e.vault.SetAccessToken(token); err != nil {
			glog.Infof("[engine]cannot persist access token = %s\n", err)
		}
	}

	e.startSession(creds)
	return true, nil
}

// startSession tears down whatever came before so no handler or state from
// a previous session survives into this one.
func (e *Engine) startSession(creds *vault.Credentials) {
	e.refresher.Stop()
	e.Transport.Disconnect()
	e.Transport.ClearHandlers()
	e.Store.ResetState()

	e.mu.Lock()
	e.creds = creds
	e.mu.Unlock()

	e.Store.SetCurrentUser(&protocol.Session{UserID: creds.UserID, Username: creds.Username})
	e.Controller.Register()
	e.Transport.Connect()
	e.refresher.Start()
	glog.Infof("[engine]session started for %s\n", creds.UserID)
}

func (e *Engine) endSession() {
	e.refresher.Stop()
	e.Transport.Disconnect()
	e.Transport.ClearHandlers()
	e.Store.ResetState()

	e.mu.Lock()
	e.creds = nil
	e.mu.Unlock()
}

// Logout ends the session, forgets the persisted credentials and returns the
// view to login.
func (e *Engine) Logout() {
	e.endSession()
	if err := e.vault.Clear(); err != nil {
		glog.Infof("[engine]cannot clear credentials = %s\n", err)
	}
	e.view.ShowLogin()
}

// onSessionInvalid runs on the transport's read goroutine. Logout waits for
// that goroutine to exit, so it runs on its own.
func (e *Engine) onSessionInvalid(code string) {
	glog.Infof("[engine]session invalidated by server (%s)\n", code)
	go e.Logout()
}

func (e *Engine) refreshToken(ctx context.Context) error {
	creds := e.Credentials()
	if creds == nil {
		return ErrNoSession
	}
	token, err := e.API.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.view.Notify(Notice{Level: NoticeError, Code: protocol.CodeSessionExpired, Text: "Session expired, please log in again"})
		e.Logout()
		return err
	}

	e.mu.Lock()
	if e.creds != nil {
		e.creds.AccessToken = token
	}
	e.mu.Unlock()
	if err := e.vault.SetAccessToken(token); err != nil {
		glog.Infof("[engine]cannot persist access token = %s\n", err)
	}
	glog.V(1).Infof("[engine]access token refreshed\n")
	return nil
}

// Close ends the session but keeps the persisted credentials.
func (e *Engine) Close() error {
	e.endSession()
	return e.vault.Close()
}
