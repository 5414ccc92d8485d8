package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	writer   *Writer
	now      func() time.Time
}

func NewHandler(s *store.Store, reg *metadata.Registry, w *Writer) *Handler {
	return &Handler{store: s, registry: reg, writer: w, now: time.Now}
}

// List handles GET /api/:entity
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	if err := CheckPermission(getUser(c), entity, metadata.ActionRead); err != nil {
		return err
	}

	plan, err := ParseQueryParams(c, entity)
	if err != nil {
		return err
	}

	qr := BuildSelectSQL(plan, h.store.Dialect)
	rows, err := store.QueryRows(c.Context(), h.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity.Name, err)
	}
	normalizeRecords(entity, rows)

	cr := BuildCountSQL(plan, h.store.Dialect)
	countRow, err := store.QueryRow(c.Context(), h.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return fmt.Errorf("count %s: %w", entity.Name, err)
	}

	// Ensure non-nil slice for JSON
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    countRow["count"],
		},
	})
}

// GetByID handles GET /api/:entity/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	if err := CheckPermission(getUser(c), entity, metadata.ActionRead); err != nil {
		return err
	}

	id := c.Params("id")
	row, err := fetchRecord(c.Context(), h.store.DB, h.store.Dialect, entity, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(entity.Name, id)
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:entity
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if err := CheckPermission(user, entity, metadata.ActionCreate); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}

	plan, validationErrs := PlanWrite(entity, body, nil)
	if len(validationErrs) > 0 {
		return ValidationError(validationErrs)
	}

	record, err := h.writer.Execute(c.Context(), plan, TransitionContext{Actor: user, Now: h.now()})
	if err != nil {
		return writeError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if err := CheckPermission(user, entity, metadata.ActionUpdate); err != nil {
		return err
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}

	id := c.Params("id")
	plan, validationErrs := PlanWrite(entity, body, id)
	if len(validationErrs) > 0 {
		return ValidationError(validationErrs)
	}
	if len(plan.Fields) == 0 {
		return InvalidPayloadError("Nothing to update")
	}

	record, err := h.writer.Execute(c.Context(), plan, TransitionContext{Actor: user, Now: h.now()})
	if err != nil {
		return writeError(err)
	}

	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	if err := CheckPermission(getUser(c), entity, metadata.ActionDelete); err != nil {
		return err
	}

	id := c.Params("id")
	d := h.store.Dialect
	err = h.store.WithTx(c.Context(), func(tx *sql.Tx) error {
		if _, err := fetchRecord(c.Context(), tx, d, entity, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return NotFoundError(entity.Name, id)
			}
			return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
		}

		if err := HandleCascadeDelete(c.Context(), tx, d, h.registry, entity, id); err != nil {
			return err
		}

		query, params := BuildHardDeleteSQL(d, entity, id)
		if entity.SoftDelete {
			query, params = BuildSoftDeleteSQL(d, entity, id)
		}
		affected, err := store.Exec(c.Context(), tx, query, params...)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", entity.Name, id, err)
		}
		if affected == 0 {
			return NotFoundError(entity.Name, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": id}})
}

func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func writeError(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return ConflictError("A record with this value already exists")
	}
	return err
}
