package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
)

// ParseAllowedOrigins splits a comma separated origin list, falling back to
// defaults when it is empty.
func ParseAllowedOrigins(originsStr string, defaults []string) []string {
	// Example: "http://localhost:3000,https://your-app.com"
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		logging.Warn(context.Background(), "No allowed origins configured, using development defaults", zap.Strings("origins", defaults))
		return defaults
	}
	return origins
}

// ValidateOrigin checks the request Origin against allowed by scheme and host.
// Requests without an Origin header come from non-browser clients and pass.
func ValidateOrigin(r *http.Request, allowed []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowed))
	return fmt.Errorf("origin not allowed: %s", origin)
}
