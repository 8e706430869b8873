// Package web exposes the workflow and conditions engine over HTTP.
package web

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"dealflow/activity"
	"dealflow/auth"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/logging"
	"dealflow/transaction"
	"dealflow/workflow"
)

type APIHandlers struct {
	auth        *auth.Service
	definitions *workflow.Provider
	catalog     *condition.Catalog
	machine     *transaction.Machine
	conditions  *condition.Service
	activity    activity.Reader
	contacts    *contact.Service
	validator   *validator.Validate
	logger      *slog.Logger
}

type Deps struct {
	Auth        *auth.Service
	Definitions *workflow.Provider
	Catalog     *condition.Catalog
	Machine     *transaction.Machine
	Conditions  *condition.Service
	Activity    activity.Reader
	Contacts    *contact.Service
}

func NewAPIHandlers(d Deps, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		auth:        d.Auth,
		definitions: d.Definitions,
		catalog:     d.Catalog,
		machine:     d.Machine,
		conditions:  d.Conditions,
		activity:    d.Activity,
		contacts:    d.Contacts,
		validator:   validate,
		logger:      logging.WithModule("web"),
	}
}

// bind decodes and validates the JSON body into req. On failure the problem
// response has already been written and the returned error must be returned
// by the handler as is.
func (h *APIHandlers) bind(c fiber.Ctx, req any) (bool, error) {
	if err := c.Bind().JSON(req); err != nil {
		return false, badRequest(c, "invalid JSON body")
	}
	if err := h.validator.Struct(req); err != nil {
		return false, badRequest(c, err.Error())
	}
	return true, nil
}

func (h *APIHandlers) Register(c fiber.Ctx) error {
	var req auth.RegisterRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	user, err := h.auth.Register(c.Context(), req)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(newUserResponse(*user))
}

func (h *APIHandlers) Login(c fiber.Ctx) error {
	var req auth.LoginRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	res, err := h.auth.Login(c.Context(), req)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(LoginResponse{Token: res.Token, User: newUserResponse(res.User)})
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	defs, err := h.definitions.List(requestContext(c))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if defs == nil {
		defs = []workflow.Definition{}
	}
	return c.JSON(fiber.Map{"definitions": defs})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	def, err := h.definitions.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(def)
}

// ImportDefinition accepts a definition document as JSON. Administrators only.
func (h *APIHandlers) ImportDefinition(c fiber.Ctx) error {
	if !identityOf(c).Role.IsAdmin() {
		return forbidden(c, "importing a workflow definition requires an administrator")
	}
	def, err := workflow.DecodeJSON(c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}
	stored, err := h.definitions.Import(requestContext(c), def)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(stored)
}

func (h *APIHandlers) ListTemplates(c fiber.Ctx) error {
	templates, err := h.catalog.Active(requestContext(c))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"templates": templates})
}

func (h *APIHandlers) CreateTransaction(c fiber.Ctx) error {
	var req CreateTransactionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	res, err := h.machine.CreateFromDefinition(requestContext(c), transaction.CreateParams{
		DefinitionID:   req.DefinitionID,
		Title:          req.Title,
		Status:         req.Status,
		Profile:        req.Profile,
		AcceptanceDate: req.AcceptanceDate,
		ClosingDate:    req.ClosingDate,
		ActorID:        identityOf(c).UserID,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *APIHandlers) GetTransaction(c fiber.Ctx) error {
	detail, err := h.machine.Get(requestContext(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(detail)
}

func (h *APIHandlers) Advance(c fiber.Ctx) error {
	res, err := h.machine.Advance(requestContext(c), c.Params("id"), identityOf(c).UserID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(res)
}

func (h *APIHandlers) Skip(c fiber.Ctx) error {
	res, err := h.machine.Skip(requestContext(c), c.Params("id"), identityOf(c).UserID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(res)
}

// GoTo jumps to a step by order without the blocking gate. Administrators only.
func (h *APIHandlers) GoTo(c fiber.Ctx) error {
	order, err := strconv.Atoi(c.Params("order"))
	if err != nil {
		return badRequest(c, "step order must be an integer")
	}
	id := identityOf(c)
	res, err := h.machine.GoTo(requestContext(c), c.Params("id"), order, id.UserID, id.Role.IsAdmin())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(res)
}

func (h *APIHandlers) ListConditions(c fiber.Ctx) error {
	includeArchived := false
	if raw := c.Query("include_archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "include_archived must be a boolean")
		}
		includeArchived = v
	}
	conds, err := h.conditions.List(requestContext(c), c.Params("id"), includeArchived)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if conds == nil {
		conds = []condition.Condition{}
	}
	return c.JSON(fiber.Map{"conditions": conds})
}

func (h *APIHandlers) CreateCondition(c fiber.Ctx) error {
	var req CreateConditionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	cond, err := h.conditions.Create(requestContext(c), condition.CreateRequest{
		TransactionID: c.Params("id"),
		TemplateID:    strings.TrimSpace(req.TemplateID),
		LabelFR:       req.LabelFR,
		LabelEN:       req.LabelEN,
		Description:   req.Description,
		Type:          req.Type,
		Priority:      condition.Priority(req.Priority),
		Level:         condition.Level(req.Level),
		DueDate:       req.DueDate,
		ActorID:       identityOf(c).UserID,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(cond)
}

func (h *APIHandlers) Suggestions(c fiber.Ctx) error {
	templates, err := h.conditions.Suggestions(requestContext(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if templates == nil {
		templates = []condition.Template{}
	}
	return c.JSON(fiber.Map{"suggestions": templates})
}

func (h *APIHandlers) ListActivity(c fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		limit = n
	}
	ctx := requestContext(c)
	if _, err := h.machine.Get(ctx, c.Params("id")); err != nil {
		return handleServiceError(c, h.logger, err)
	}
	entries, err := h.activity.List(ctx, c.Params("id"), limit)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	return c.JSON(fiber.Map{"activity": entries})
}

func (h *APIHandlers) AddContact(c fiber.Ctx) error {
	var req contact.AddRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	req.TransactionID = c.Params("id")
	ct, err := h.contacts.Add(requestContext(c), req)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ct)
}

func (h *APIHandlers) ListContacts(c fiber.Ctx) error {
	contacts, err := h.contacts.List(requestContext(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if contacts == nil {
		contacts = []contact.Contact{}
	}
	return c.JSON(fiber.Map{"contacts": contacts})
}

func (h *APIHandlers) StartCondition(c fiber.Ctx) error {
	cond, err := h.conditions.Start(requestContext(c), c.Params("id"), identityOf(c).UserID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(cond)
}

func (h *APIHandlers) CompleteCondition(c fiber.Ctx) error {
	var req CompleteConditionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	resolution := condition.ResolutionType(req.ResolutionType)
	if resolution == "" {
		resolution = condition.ResolutionCompleted
	}
	cond, err := h.conditions.Resolve(requestContext(c), condition.ResolveRequest{
		ConditionID:         c.Params("id"),
		ResolutionType:      resolution,
		Note:                req.Note,
		ActorID:             identityOf(c).UserID,
		EscapedWithoutProof: req.EscapedWithoutProof,
		EscapeReason:        req.EscapeReason,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(cond)
}

func (h *APIHandlers) AddEvidence(c fiber.Ctx) error {
	var req AddEvidenceRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	ev, err := h.conditions.AddEvidence(requestContext(c), condition.EvidenceParams{
		ConditionID: c.Params("id"),
		Kind:        condition.EvidenceKind(req.Kind),
		Title:       req.Title,
		URL:         req.URL,
		Body:        req.Body,
		ActorID:     identityOf(c).UserID,
	})
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

func (h *APIHandlers) RemoveEvidence(c fiber.Ctx) error {
	if err := h.conditions.RemoveEvidence(requestContext(c), c.Params("id"), c.Params("evidenceId"), identityOf(c).UserID); err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AddNote(c fiber.Ctx) error {
	var req AddNoteRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	cond, err := h.conditions.AddNote(requestContext(c), c.Params("id"), req.Body, identityOf(c).UserID)
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(cond)
}

func (h *APIHandlers) ChangeLevel(c fiber.Ctx) error {
	var req ChangeLevelRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}
	id := identityOf(c)
	cond, err := h.conditions.ChangeLevel(requestContext(c), c.Params("id"), condition.Level(req.Level), req.Reason, id.UserID, id.Role.IsAdmin())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(cond)
}

func (h *APIHandlers) Unarchive(c fiber.Ctx) error {
	id := identityOf(c)
	cond, err := h.conditions.Unarchive(requestContext(c), c.Params("id"), id.UserID, id.Role.IsAdmin())
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	return c.JSON(cond)
}

func (h *APIHandlers) ConditionEvents(c fiber.Ctx) error {
	events, err := h.conditions.Events(requestContext(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, h.logger, err)
	}
	if events == nil {
		events = []condition.Event{}
	}
	return c.JSON(fiber.Map{"events": events})
}
