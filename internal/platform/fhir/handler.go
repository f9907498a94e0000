package fhir

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

const fhirMIME = "application/fhir+json"

// Handler wires the lifecycle and search engine into the tenant-prefixed
// FHIR REST surface.
type Handler struct {
	lifecycle *Lifecycle
	engine    *Engine
	log       zerolog.Logger
}

func NewHandler(lifecycle *Lifecycle, engine *Engine, logger zerolog.Logger) *Handler {
	return &Handler{lifecycle: lifecycle, engine: engine, log: logger}
}

// Register mounts all FHIR routes on the tenant group. The group is expected
// to carry the tenant middleware already.
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.PostBundle)
	g.GET("/:type", h.Search)
	g.POST("/:type", h.Create)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.PATCH("/:type/:id", h.Patch)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.GET("/:type/:id/$everything", h.Everything)
}

func (h *Handler) tenant(c echo.Context) (string, error) {
	return db.TenantFromContext(c.Request().Context())
}

// baseURL reconstructs the request base up to the tenant segment.
func baseURL(c echo.Context, tenant string) string {
	scheme := c.Scheme()
	return fmt.Sprintf("%s://%s/fhir/%s", scheme, c.Request().Host, tenant)
}

func respondFHIR(c echo.Context, code int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(code, fhirMIME, data)
}

// writeError is the single transport mapping point: taxonomy kind to status,
// body always a one-issue OperationOutcome. Unavailability gets its one line
// at this boundary; nothing else logs on the failure path.
func (h *Handler) writeError(c echo.Context, err error) error {
	status := StatusOf(err)
	switch status {
	case http.StatusServiceUnavailable:
		h.log.Warn().Str("path", c.Request().URL.Path).Msg("database unavailable, returning 503")
	case http.StatusInternalServerError:
		h.log.Error().Stack().Err(err).Str("path", c.Request().URL.Path).Msg("internal error")
	}
	return respondFHIR(c, status, OutcomeOf(err))
}

func (h *Handler) readBody(c echo.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, WrapError(KindInvalid, err, "request body is not valid JSON")
	}
	return body, nil
}

// preferMinimal reports whether the client asked for an empty success body.
func preferMinimal(c echo.Context) bool {
	return c.Request().Header.Get("Prefer") == "return=minimal"
}

func (h *Handler) Create(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := h.readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	resourceType := c.Param("type")

	doc, err := h.lifecycle.Create(c.Request().Context(), tenant, resourceType, body)
	if err != nil {
		return h.writeError(c, err)
	}

	location := fmt.Sprintf("%s/%s/%s/_history/1", baseURL(c, tenant), resourceType, ResourceIDOf(doc))
	c.Response().Header().Set("Location", location)
	c.Response().Header().Set("ETag", FormatETag(1))
	if preferMinimal(c) {
		return c.NoContent(http.StatusCreated)
	}
	return respondFHIR(c, http.StatusCreated, doc)
}

func (h *Handler) Read(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}

	doc, err := h.lifecycle.Read(c.Request().Context(), tenant, c.Param("type"), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}

	etag := FormatETag(VersionOf(doc))
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}
	c.Response().Header().Set("ETag", etag)
	return respondFHIR(c, http.StatusOK, doc)
}

func (h *Handler) Update(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := h.readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}
	resourceType, id := c.Param("type"), c.Param("id")
	ctx := c.Request().Context()

	// If-Match makes the update conditional on the current version.
	if match := c.Request().Header.Get("If-Match"); match != "" {
		current, err := h.lifecycle.Read(ctx, tenant, resourceType, id)
		if err != nil {
			return h.writeError(c, err)
		}
		if FormatETag(VersionOf(current)) != match {
			return h.writeError(c, NewError(KindConflict, "version mismatch: resource is at %q", FormatETag(VersionOf(current))))
		}
	}

	doc, created, err := h.lifecycle.Update(ctx, tenant, resourceType, id, body)
	if err != nil {
		return h.writeError(c, err)
	}

	vid := VersionOf(doc)
	c.Response().Header().Set("ETag", FormatETag(vid))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location", fmt.Sprintf("%s/%s/%s/_history/%d", baseURL(c, tenant), resourceType, id, vid))
	}
	if preferMinimal(c) {
		return c.NoContent(status)
	}
	return respondFHIR(c, status, doc)
}

func (h *Handler) Patch(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	raw, err := readAll(c)
	if err != nil {
		return h.writeError(c, WrapError(KindInvalid, err, "cannot read request body"))
	}

	doc, err := h.lifecycle.Patch(c.Request().Context(), tenant, c.Param("type"), c.Param("id"), raw)
	if err != nil {
		return h.writeError(c, err)
	}

	c.Response().Header().Set("ETag", FormatETag(VersionOf(doc)))
	if preferMinimal(c) {
		return c.NoContent(http.StatusOK)
	}
	return respondFHIR(c, http.StatusOK, doc)
}

func (h *Handler) Delete(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if err := h.lifecycle.Delete(c.Request().Context(), tenant, c.Param("type"), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) VRead(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid <= 0 {
		return h.writeError(c, Invalidf("invalid version id %q", c.Param("vid")))
	}

	doc, err := h.lifecycle.VRead(c.Request().Context(), tenant, c.Param("type"), c.Param("id"), vid)
	if err != nil {
		return h.writeError(c, err)
	}
	c.Response().Header().Set("ETag", FormatETag(vid))
	return respondFHIR(c, http.StatusOK, doc)
}

func (h *Handler) History(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	count := 0
	if raw := c.QueryParam("_count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count <= 0 {
			return h.writeError(c, Invalidf("invalid _count %q", raw))
		}
	}

	bundle, err := h.lifecycle.History(c.Request().Context(), tenant, c.Param("type"), c.Param("id"), c.QueryParam("_since"), count, baseURL(c, tenant))
	if err != nil {
		return h.writeError(c, err)
	}
	return respondFHIR(c, http.StatusOK, bundle)
}

func (h *Handler) Search(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	resourceType := c.Param("type")

	bundle, err := h.engine.Search(c.Request().Context(), &SearchRequest{
		Tenant:       tenant,
		ResourceType: resourceType,
		Params:       c.QueryParams(),
		BaseURL:      baseURL(c, tenant) + "/" + resourceType,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return respondFHIR(c, http.StatusOK, bundle)
}

func (h *Handler) Everything(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	if c.Param("type") != "Patient" {
		return h.writeError(c, Invalidf("$everything is supported on Patient only"))
	}

	bundle, err := h.engine.Everything(c.Request().Context(), tenant, c.Param("id"), c.QueryParams(), baseURL(c, tenant))
	if err != nil {
		return h.writeError(c, err)
	}
	return respondFHIR(c, http.StatusOK, bundle)
}

func (h *Handler) PostBundle(c echo.Context) error {
	tenant, err := h.tenant(c)
	if err != nil {
		return h.writeError(c, err)
	}
	body, err := h.readBody(c)
	if err != nil {
		return h.writeError(c, err)
	}

	bundle, err := h.lifecycle.ProcessBundle(c.Request().Context(), tenant, body)
	if err != nil {
		return h.writeError(c, err)
	}
	return respondFHIR(c, http.StatusOK, bundle)
}

func readAll(c echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}
