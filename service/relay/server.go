package relay

import (
	"sync"

	"github.com/Mikecreed256/whatsapp-linking-service/global/config"
	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/safe"
)

// Server wires the registries, router, fanout and reaper together and owns
// the provider event pump. All state is process-local.
type Server struct {
	cfg *config.AppConfig

	sessions *SessionRegistry
	conns    *ConnRegistry
	fanout   *Fanout
	router   *Router
	reaper   *Reaper

	events chan provider.Event

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewServer(cfg *config.AppConfig, factory provider.Factory, creds storage.Credentials) *Server {
	s := &Server{
		cfg:    cfg,
		events: make(chan provider.Event, 1024),
		stopCh: make(chan struct{}),
	}

	sink := func(e provider.Event) {
		select {
		case s.events <- e:
		default:
			logger.Warnf("[server] event channel full, drop kind=%d session=%s", e.Kind, e.SessionID)
		}
	}

	s.sessions = NewSessionRegistry(SessionRegistryConf{
		Factory: factory,
		Creds:   creds,
		Sink:    sink,
		Adapter: provider.Conf{
			RetryMax:  cfg.Provider.RetryMax,
			RetryBase: cfg.Provider.RetryBase,
		},
	})
	s.conns = NewConnRegistry(ConnConf{SendQueue: cfg.SendQueueSize})
	s.fanout = NewFanout(s.conns, 4, 1024)
	s.router = NewRouter(s.sessions, s.conns, s.fanout, RouterConf{
		DisconnectTimeout: cfg.DisconnectTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		FetchLimit:        cfg.FetchLimit,
	})
	s.reaper = NewReaper(s.conns, s.sessions, ReaperConf{
		SweepEvery:        cfg.SweepEvery,
		InactivityTimeout: cfg.InactivityTimeout,
		SessionGrace:      cfg.SessionGrace,
	})
	return s
}

// Start launches the reaper and the provider event pump.
func (s *Server) Start() {
	s.reaper.Start()
	safe.Go(s.eventPump)
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.reaper.Stop()
	})
}

// eventPump serializes adapter callbacks from every session onto one
// goroutine before they reach the router.
func (s *Server) eventPump() {
	for {
		select {
		case <-s.stopCh:
			return
		case e := <-s.events:
			s.router.HandleProviderEvent(e)
		}
	}
}

func (s *Server) Sessions() *SessionRegistry { return s.sessions }
func (s *Server) Conns() *ConnRegistry       { return s.conns }
func (s *Server) Router() *Router            { return s.router }
func (s *Server) Reaper() *Reaper            { return s.reaper }
