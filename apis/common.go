package apis

import (
	"fmt"
	"net/http"
	"time"

	"github.com/clinicflow/queuesync/queue"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// Clock source of the current day for requests without a date
type Clock func() time.Time

// requestDate the "date" query parameter, or today
func requestDate(r *http.Request, now Clock) (string, error) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return now().Format(queue.ScopeDateFormat), nil
	}
	if _, err := time.Parse(queue.ScopeDateFormat, date); err != nil {
		return "", fmt.Errorf("date '%s' is not YYYY-MM-DD", date)
	}
	return date, nil
}

// requestScope the scope addressed by the resourceId path variable and the date
// query parameter
func requestScope(r *http.Request, now Clock) (queue.Scope, error) {
	date, err := requestDate(r, now)
	if err != nil {
		return queue.Scope{}, err
	}
	return queue.NewScope(mux.Vars(r)["resourceId"], date)
}
