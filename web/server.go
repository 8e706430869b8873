package web

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
)

type Server struct {
	handlers *APIHandlers
}

func NewServer(d Deps) *Server {
	return &Server{handlers: NewAPIHandlers(d, validator.New(validator.WithRequiredStructEnabled()))}
}

func (s *Server) App() *fiber.App {
	h := s.handlers

	app := fiber.New(fiber.Config{Immutable: true})
	app.Use(recoverer.New())
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	a := app.Group("/auth")
	a.Post("/register", h.Register)
	a.Post("/login", h.Login)

	d := app.Group("/workflow-definitions", h.RequireAuth)
	d.Get("/", h.ListDefinitions)
	d.Post("/", h.ImportDefinition)
	d.Get("/:id", h.GetDefinition)

	app.Group("/condition-templates", h.RequireAuth).Get("/", h.ListTemplates)

	t := app.Group("/transactions", h.RequireAuth)
	t.Post("/", h.CreateTransaction)
	t.Get("/:id", h.GetTransaction)
	t.Patch("/:id/advance", h.Advance)
	t.Patch("/:id/skip", h.Skip)
	t.Patch("/:id/goto/:order", h.GoTo)
	t.Get("/:id/conditions", h.ListConditions)
	t.Post("/:id/conditions", h.CreateCondition)
	t.Get("/:id/conditions/suggestions", h.Suggestions)
	t.Get("/:id/activity", h.ListActivity)
	t.Get("/:id/contacts", h.ListContacts)
	t.Post("/:id/contacts", h.AddContact)

	c := app.Group("/conditions", h.RequireAuth)
	c.Patch("/:id/start", h.StartCondition)
	c.Patch("/:id/complete", h.CompleteCondition)
	c.Post("/:id/evidence", h.AddEvidence)
	c.Delete("/:id/evidence/:evidenceId", h.RemoveEvidence)
	c.Post("/:id/notes", h.AddNote)
	c.Patch("/:id/level", h.ChangeLevel)
	c.Patch("/:id/unarchive", h.Unarchive)
	c.Get("/:id/events", h.ConditionEvents)

	return app
}

func (s *Server) Start(port int) error {
	return s.App().Listen(":" + strconv.Itoa(port))
}
