// Package gateway is the HTTP API the browser game talks to. It serves one
// player wallet and turns every action into a succeeded, failed or
// indeterminate outcome.
package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/balancesync"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/profile"
	"github.com/tolelom/bikerush/reconcile"
	"github.com/tolelom/bikerush/relay"
)

// Player drives the session lifecycle. *reconcile.Reconciler implements it.
type Player interface {
	Mint(ctx context.Context, category core.Category, name string) (reconcile.Op, error)
	StartSession(ctx context.Context, bikeID uint64, mode core.Mode) (reconcile.Op, reconcile.LocalSession, error)
	Complete(ctx context.Context, key string, run reconcile.Run) (reconcile.Op, error)
	Op(id uuid.UUID) (reconcile.Op, bool)
	Session(key string) (reconcile.LocalSession, bool)
}

// Balances is the player's balance view. *balancesync.Synchronizer
// implements it.
type Balances interface {
	View() *balancesync.View
	Refresh(ctx context.Context, expectBikes bool) (*balancesync.View, error)
}

// Profiles is the advisory progression cache. *profile.Store implements it.
type Profiles interface {
	Get(ctx context.Context, player string) (*profile.Profile, error)
	RecordRace(ctx context.Context, player string, race profile.Race) (*profile.Profile, error)
}

// Server wires the HTTP routes to one player's reconciler.
type Server struct {
	app      *fiber.App
	address  string
	player   Player
	balances Balances
	profiles Profiles
	log      logrus.FieldLogger
}

// Options configures a Server.
type Options struct {
	Address        string // player address served
	AuthToken      string // empty disables bearer auth
	AllowedOrigins string
	Profiles       Profiles // nil disables /v1/profile
}

// NewServer builds the fiber app and its routes.
func NewServer(player Player, balances Balances, opts Options) *Server {
	s := &Server{
		app:      fiber.New(fiber.Config{DisableStartupMessage: true, ErrorHandler: errorHandler}),
		address:  opts.Address,
		player:   player,
		balances: balances,
		profiles: opts.Profiles,
		log:      logrus.WithField("component", "gateway"),
	}

	if opts.AllowedOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: opts.AllowedOrigins,
			AllowMethods: "GET,POST,OPTIONS",
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		}))
	}
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "player": s.address})
	})

	v1 := s.app.Group("/v1", bearerAuth(opts.AuthToken))
	v1.Post("/bikes", s.mintBike)
	v1.Post("/sessions", s.startSession)
	v1.Post("/sessions/:id/complete", s.completeSession)
	v1.Get("/sessions/:id", s.getSession)
	v1.Get("/balances", s.getBalances)
	v1.Post("/balances/refresh", s.refreshBalances)
	v1.Get("/ops/:id", s.getOp)
	v1.Get("/profile", s.getProfile)
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

type mintRequest struct {
	Category core.Category `json:"category"`
	Name     string        `json:"name"`
}

type startRequest struct {
	BikeID uint64    `json:"bike_id"`
	Mode   core.Mode `json:"mode"`
}

type startResponse struct {
	Op      reconcile.Op            `json:"op"`
	Session *reconcile.LocalSession `json:"session,omitempty"`
}

func (s *Server) mintBike(c *fiber.Ctx) error {
	var req mintRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		req.Name = string(req.Category)
	}
	op, _ := s.player.Mint(c.UserContext(), req.Category, req.Name)
	return c.Status(statusFor(op)).JSON(op)
}

func (s *Server) startSession(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	op, sess, err := s.player.StartSession(c.UserContext(), req.BikeID, req.Mode)
	resp := startResponse{Op: op}
	if err == nil {
		resp.Session = &sess
	}
	return c.Status(statusFor(op)).JSON(resp)
}

func (s *Server) completeSession(c *fiber.Ctx) error {
	var run reconcile.Run
	if err := c.BodyParser(&run); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	key := c.Params("id")
	op, err := s.player.Complete(c.UserContext(), key, run)
	if err == nil && s.profiles != nil {
		sess, _ := s.player.Session(key)
		race := profile.Race{
			SessionKey: key,
			Mode:       sess.Mode,
			Score:      run.Score,
			Distance:   run.Distance,
			Dodged:     run.Dodged,
			Reward:     op.Reward,
		}
		if _, perr := s.profiles.RecordRace(c.UserContext(), s.address, race); perr != nil {
			s.log.WithError(perr).WithField("session", key).Warn("profile update failed")
		}
	}
	return c.Status(statusFor(op)).JSON(op)
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess, ok := s.player.Session(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return c.JSON(sess)
}

func (s *Server) getBalances(c *fiber.Ctx) error {
	if v := s.balances.View(); v != nil {
		return c.JSON(v)
	}
	return s.refreshBalances(c)
}

func (s *Server) refreshBalances(c *fiber.Ctx) error {
	v, err := s.balances.Refresh(c.UserContext(), false)
	if errors.Is(err, balancesync.ErrManualRefresh) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   err.Error(),
			"message": "Balances could not be loaded. Try refreshing again.",
		})
	}
	if err != nil {
		return err
	}
	return c.JSON(v)
}

func (s *Server) getOp(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid operation id")
	}
	op, ok := s.player.Op(id)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "operation not found")
	}
	return c.JSON(op)
}

func (s *Server) getProfile(c *fiber.Ctx) error {
	if s.profiles == nil {
		return fiber.NewError(fiber.StatusNotFound, "profiles are disabled")
	}
	p, err := s.profiles.Get(c.UserContext(), s.address)
	if err != nil {
		return err
	}
	return c.JSON(p)
}

// statusFor maps an outcome to an HTTP status: 200 for success, 202 while
// settlement is unknown, and a client or server error for failures.
func statusFor(op reconcile.Op) int {
	switch op.Outcome {
	case reconcile.Succeeded:
		return fiber.StatusOK
	case reconcile.Indeterminate:
		return fiber.StatusAccepted
	}
	var ce *relay.ConfigError
	switch {
	case errors.As(op.Err, &ce):
		return fiber.StatusServiceUnavailable
	case op.ErrorCode != "":
		return fiber.StatusUnprocessableEntity
	case errors.Is(op.Err, reconcile.ErrUnknownSession):
		return fiber.StatusNotFound
	case errors.Is(op.Err, reconcile.ErrAlreadyCompleted), errors.Is(op.Err, reconcile.ErrSessionSettling):
		return fiber.StatusConflict
	}
	return fiber.StatusBadGateway
}

func bearerAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		got := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if got != token {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or missing bearer token")
		}
		return c.Next()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		logrus.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
