package www

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/engine"
)

type Handlers struct {
	engine   *engine.Engine
	eventHub *EventHub
	logger   *zap.Logger
}

func NewRouter(eng *engine.Engine, logger *zap.Logger) (http.Handler, func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewEventHub(logger.Named("sse"))
	hub.Start()
	hub.SetupEngineListeners(eng)

	h := &Handlers{
		engine:   eng,
		eventHub: hub,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	// SSE
	r.Get("/events", hub.SSEHandler)
	r.Handle("/metrics", eng.Metrics().Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/health", h.apiHealthCheck)
		r.Get("/status", h.apiStatus)
		r.Get("/diagnostics", h.apiDiagnostics)
		r.Get("/audit", h.apiListAudit)

		r.Get("/machines", h.apiListMachines)
		r.Get("/machines/{name}", h.apiGetMachine)
		r.Post("/machines/{name}/enable", h.apiEnableMachine)
		r.Post("/machines/{name}/disable", h.apiDisableMachine)
		r.Put("/machines/{name}/modes", h.apiSetMachineModes)

		r.Post("/orders", h.apiSubmitOrder)

		r.Get("/drinks", h.apiListDrinks)
		r.Get("/drinks/{name}", h.apiGetDrink)
		r.Put("/drinks/{name}", h.apiSaveDrink)
		r.Delete("/drinks/{name}", h.apiDeleteDrink)
		r.Post("/drinks/{name}/orders", h.apiOrderDrink)

		r.Get("/config", h.apiGetConfig)
		r.Put("/config/messaging", h.apiSaveMessagingConfig)
	})

	stopFn := func() {
		hub.Stop()
	}

	return r, stopFn
}

// accessLog logs every request except the long-lived SSE stream.
func (h *Handlers) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/events" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
