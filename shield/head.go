package shield

import "net/http"

// HeadToGet serves HEAD through the GET routes, so artifact and export
// lookups can be checked without a body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
