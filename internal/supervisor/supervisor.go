// Package supervisor is the composition root: it wires the world, the
// router, the IRC listener and the upstream session together and owns
// the process-lifetime goroutines.
package supervisor

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"github.com/tamcore/slackirc/internal/config"
	"github.com/tamcore/slackirc/internal/ircd"
	"github.com/tamcore/slackirc/internal/model"
	"github.com/tamcore/slackirc/internal/router"
	"github.com/tamcore/slackirc/internal/upstream"
)

// Supervisor owns the listener and the upstream session for the
// program's lifetime.
type Supervisor struct {
	srv  *ircd.Server
	sess *upstream.Session
	rtr  *router.Router
	log  *logger.Logger
}

// New wires a Supervisor from a loaded config. It does not start
// anything; call Run.
func New(cfg config.Config, version string, log *logger.Logger) *Supervisor {
	world := model.NewWorld()
	rtr := router.New(world, nil, nil, nil, nil, nil, log)

	ircdCfg := ircd.Config{
		Name:       "slackirc",
		Version:    version,
		Motd:       []string{"slackirc — an IRC bridge to Slack"},
		Port:       cfg.Port,
		UnixSocket: cfg.UnixSocket,
		Password:   cfg.Password,
	}
	srv := ircd.New(ircdCfg, rtr, nil, log)
	rtr.SetClients(srv)

	api := upstream.NewSlackAPI(cfg.SlackToken, log)
	sess := upstream.New(api, rtr, srv, srv, log)
	srv.SetSession(sess)
	rtr.SetCollaborators(sess, sess, sess, sess, sess)

	return &Supervisor{srv: srv, sess: sess, rtr: rtr, log: log}
}

// Run binds the listener and runs the router and upstream session
// until ctx is cancelled. It blocks until every goroutine has
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.srv.Listen(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.srv.Serve()
	}()

	go s.rtr.Run(ctx)
	go s.sess.Run(ctx)

	<-ctx.Done()
	_ = s.srv.Close()
	<-done
	return nil
}
