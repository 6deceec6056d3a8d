package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qiuhaotian/taskdeck/internal/config"
	chathandler "github.com/qiuhaotian/taskdeck/internal/handler/chat"
	taskhandler "github.com/qiuhaotian/taskdeck/internal/handler/task"
	middlewarePkg "github.com/qiuhaotian/taskdeck/internal/middleware"
	"github.com/qiuhaotian/taskdeck/internal/service/retrieval"
	syncservice "github.com/qiuhaotian/taskdeck/internal/service/sync"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
	"github.com/qiuhaotian/taskdeck/pkg/utils"
)

// NewRouter wires HTTP routes to core services. answerer may be nil when no
// model credentials are configured; the chat route then answers 503.
func NewRouter(cfg *config.Config, store *taskstore.Store, syncSvc *syncservice.Service, retrievalSvc *retrieval.Service, answerer chathandler.Answerer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	taskHandler := taskhandler.New(
		store,
		syncSvc,
		cfg.Sync.SignedURLBase,
		time.Duration(cfg.Sync.SignedURLTTL)*time.Second,
		[]byte(cfg.Auth.APIToken),
	)

	var chatHandler *chathandler.Handler
	if answerer != nil {
		chatHandler = chathandler.New(answerer, retrievalSvc, store)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.BearerAuth(cfg.Auth.APIToken))

		taskHandler.RegisterRoutes(api)

		if chatHandler != nil {
			chatHandler.RegisterRoutes(api)
		} else {
			api.Post("/chat", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "chat model unavailable")
			})
		}
	})

	return r
}
