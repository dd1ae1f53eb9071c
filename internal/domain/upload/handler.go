package upload

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhnaumann/pathology-image-server/internal/platform/auth"
	"github.com/fhnaumann/pathology-image-server/internal/platform/fhir"
)

// maxEnvelopeBytes caps the request body; a base64 archive inflates roughly
// 4/3 over the raw bytes.
const maxEnvelopeBytes = 512 << 20

type Handler struct {
	svc     *Service
	maxBody int64
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, maxBody: maxEnvelopeBytes}
}

// RegisterRoutes mounts the ingestion endpoint on the FHIR group. The route
// carries its own authorization gate; all other FHIR traffic is proxied
// elsewhere.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group, roles auth.RoleConfig) {
	fhirGroup.POST("/DocumentReference", h.CreateDocumentReference, auth.Authorize(roles))
}

// errorBody is the terse structure returned for extractor failures.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// extractionErrorCode maps an extraction sentinel to its wire code.
func extractionErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyAttachment):
		return "PAYLOAD_EMPTY_ATTACHMENT"
	case errors.Is(err, ErrPathCardinality):
		return "PAYLOAD_PATH_CARDINALITY"
	case errors.Is(err, ErrTagShape):
		return "PAYLOAD_TAG_SHAPE"
	default:
		return "PAYLOAD_FORMAT"
	}
}

// CreateDocumentReference is the upload intake. It extracts the envelope,
// accepts the upload (minting the business id and inserting the tracking
// row), and acknowledges with 202 before conversion starts. The body of the
// 202 is an OperationOutcome carrying urn:uuid:<business-id> for the client
// to poll with.
func (h *Handler) CreateDocumentReference(c echo.Context) error {
	// Read one byte past the cap to tell "at the limit" from "over it".
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if int64(len(body)) > h.maxBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds upload limit")
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{
			Error:   extractionErrorCode(err),
			Message: err.Error(),
		})
	}

	var callerID string
	if ident := auth.IdentityFromContext(c.Request().Context()); ident != nil {
		callerID = ident.Subject
	}

	id, err := h.svc.Accept(c.Request().Context(), callerID, env)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "upload queue at capacity")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "could not accept upload")
	}

	return c.JSON(http.StatusAccepted, fhir.AcceptedOutcome(id.String()))
}
