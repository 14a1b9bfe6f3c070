package api

import (
	"fmt"
	"net/http"

	raven "github.com/getsentry/raven-go"
	"github.com/gorilla/handlers"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

func (api *API) middleware(h http.Handler) http.Handler {
	originsOk := handlers.AllowedOrigins(api.AllowedOrigins)
	methodsOk := handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost})
	headersOk := handlers.AllowedHeaders([]string{"Content-Type"})

	return handlers.CombinedLoggingHandler(api.accessLog(),
		api.recoveryHandler(
			handlers.CORS(originsOk, methodsOk, headersOk)(h),
		),
	)
}

func (api *API) recoveryHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		defer func() {
			if rval := recover(); rval != nil {
				err, ok := rval.(error)
				if !ok {
					err = fmt.Errorf("%v", rval)
				}
				api.logger().WithField("path", r.URL.Path).Errorf("panic: %v", err)
				packet := raven.NewPacket(err.Error(), raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)), raven.NewHttp(r))
				raven.Capture(packet, nil)
				writeJSON(w, failure(models.InternalError, err))
			}
		}()

		f.ServeHTTP(w, r)
	})
}
