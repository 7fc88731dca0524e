package ranksync

import (
	"context"
	"fmt"
)

// a session owns one client and the reconciler it feeds.
// closing the session, or cancelling its context, disconnects the client and cancels any pending reconnect.

type SessionSettings struct {
	ClientSettings     *ClientSettings
	ReconcilerSettings *ReconcilerSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ClientSettings:     DefaultClientSettings(),
		ReconcilerSettings: DefaultReconcilerSettings(),
	}
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint string

	client     *Client
	reconciler *Reconciler
}

func NewSessionWithDefaults(ctx context.Context, endpoint string) *Session {
	return NewSession(ctx, endpoint, DefaultSessionSettings())
}

func NewSession(ctx context.Context, endpoint string, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	reconciler := NewReconciler(settings.ReconcilerSettings)
	client := NewClient(cancelCtx, settings.ClientSettings)
	client.SetMessageHandler(reconciler.HandleMessage)

	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		endpoint:   endpoint,
		client:     client,
		reconciler: reconciler,
	}
}

// connects, or retries after `Failed`. no-op while connecting or connected.
func (self *Session) Connect() {
	self.client.Connect(self.endpoint)
}

func (self *Session) Client() *Client {
	return self.client
}

func (self *Session) Reconciler() *Reconciler {
	return self.reconciler
}

func (self *Session) Status() ConnectionStatus {
	return self.client.Status()
}

// the current ranking filtered and ordered for display
func (self *Session) View(criteria ViewCriteria) ([]Profile, *Ranking) {
	ranking := self.reconciler.Rankings()
	rankedProfiles := ranking.Profiles()
	profiles := make([]Profile, len(rankedProfiles))
	for i, rankedProfile := range rankedProfiles {
		profiles[i] = rankedProfile.Profile
	}
	return BuildView(profiles, criteria), ranking
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) Close() {
	Trace(fmt.Sprintf("[s]close %s", self.endpoint), func() {
		self.client.Close()
		self.cancel()
	})
}
