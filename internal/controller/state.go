package controller

import (
	"time"

	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/servers"
)

// State is one of [*StateLoggedOut], [*StateOff] or [*StateOn].
type State interface {
	Name() string
	// InitializedAt is stamped on every transition. Work scheduled under
	// one state compares it, through the generation, before acting.
	InitializedAt() time.Time
	base() *stateBase
}

type stateBase struct {
	gen uint64
	at  time.Time
}

func (b *stateBase) InitializedAt() time.Time { return b.at }
func (b *stateBase) base() *stateBase         { return b }

// StateLoggedOut holds no connection data.
type StateLoggedOut struct {
	stateBase
}

func (*StateLoggedOut) Name() string { return domain.StateLoggedOut }

// StateOff is disconnected. Server is the last server used, kept for the
// automatic reconnect when the host restores the proxy settings.
type StateOff struct {
	stateBase
	Err    error
	Server *domain.ProxyServer
}

func (*StateOff) Name() string { return domain.StateOff }

// StateOn routes traffic through Server. Starting stays set until the
// proxy settings are confirmed.
type StateOn struct {
	stateBase
	Server   domain.ProxyServer
	Logical  domain.Logical
	Choice   servers.Choice
	Starting bool
}

func (*StateOn) Name() string { return domain.StateOn }

var stateNames = []string{domain.StateLoggedOut, domain.StateOff, domain.StateOn}

// Snapshot is the externally visible connection state.
type Snapshot struct {
	State          string              `json:"state"`
	Connected      bool                `json:"connected"`
	Connecting     bool                `json:"connecting"`
	Server         *domain.ProxyServer `json:"server,omitempty"`
	Choice         string              `json:"choice,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorID        string              `json:"errorId,omitempty"`
	Blocking       bool                `json:"blocking,omitempty"`
	NetworkWarning string              `json:"networkWarning,omitempty"`
	InitializedAt  time.Time           `json:"initializedAt"`
	RenewAt        time.Time           `json:"renewAt,omitzero"`
}

func snapshotOf(st State, warning error) Snapshot {
	snap := Snapshot{State: st.Name(), InitializedAt: st.InitializedAt()}
	if warning != nil {
		snap.NetworkWarning = warning.Error()
	}
	switch s := st.(type) {
	case *StateLoggedOut:
		snap.NetworkWarning = ""
	case *StateOff:
		if s.Server != nil {
			srv := *s.Server
			snap.Server = &srv
		}
		if s.Err != nil {
			snap.Error = s.Err.Error()
			snap.ErrorID = domain.ErrorID(s.Err)
			snap.Blocking = domain.IsBlocking(s.Err)
		}
	case *StateOn:
		srv := s.Server
		snap.Server = &srv
		snap.Choice = s.Choice.String()
		snap.Connecting = s.Starting
		snap.Connected = !s.Starting
	}
	return snap
}
