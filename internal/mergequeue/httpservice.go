package mergequeue

import (
	"embed"
	"html/template"
	"net/http"

	_ "embed" // used to embed html templates

	"go.uber.org/zap"
)

//go:embed pages/templates/*
var templFS embed.FS

// HTTPService exposes a Dispatcher's state as an HTML status page and a
// plain-text listing.
type HTTPService struct {
	dispatcher *Dispatcher
	templates  *template.Template
	logger     *zap.Logger
}

// NewHTTPService constructs an HTTPService for dispatcher.
func NewHTTPService(dispatcher *Dispatcher, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		dispatcher: dispatcher,
		templates: template.Must(
			template.New("").ParseFS(templFS, "pages/templates/*"),
		),
		logger: logger.Named("http_service"),
	}
}

// RegisterHandlers registers the status page and plain-text listing
// under endpoint.
func (h *HTTPService) RegisterHandlers(mux *http.ServeMux, endpoint string) {
	mux.HandleFunc(endpoint, h.HandlerStatusPage)
	mux.HandleFunc(endpoint+"list", h.HandlerList)
}

// HandlerStatusPage renders the HTML overview of every tracked target
// branch.
func (h *HTTPService) HandlerStatusPage(respWr http.ResponseWriter, _ *http.Request) {
	data := h.dispatcher.httpListData()

	if err := h.templates.ExecuteTemplate(respWr, "status.html.tmpl", data); err != nil {
		h.logger.Info("applying template and sending back result failed", zap.Error(err))
		http.Error(respWr, err.Error(), http.StatusInternalServerError)
	}
}
