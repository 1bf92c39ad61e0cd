package httpx

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const sessionCookie = "formgate_session"

// sessionID returns the request's session identifier, minting and setting a
// cookie when the client has none. The id ties challenges, counters and
// tokens to one visitor across requests.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
